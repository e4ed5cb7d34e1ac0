// Command sitepoll polls web pages on epoch-aligned intervals and stores
// what it extracts in SQLite.
//
// Usage:
//
//	sitepoll run -c config.yaml       # poll until SIGINT/SIGTERM
//	sitepoll validate -c config.yaml  # check the configuration
//	sitepoll history -c config.yaml   # print stored sources and outcomes
//	sitepoll cleanup -c config.yaml   # run one retention cleanup now
//	sitepoll version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set via -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sitepoll",
	Short: "Scheduled page poller with SQLite storage",
	Long: `sitepoll fetches each configured URL once per interval bucket, records
every request outcome, runs the source's parser over successful responses
and keeps the database bounded with a periodic retention cleanup.

Example config:
  database:
    path: requests_and_data.db
    request_history_age: 30d
  sources:
    - kind: forecast
      url: https://www.gismeteo.ru/weather-moscow-4368/2-weeks/
      request_interval: 1h
      table_name: forecast_moscow`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sitepoll %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
