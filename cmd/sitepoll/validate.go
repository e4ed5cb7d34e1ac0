package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sitepoll/poller"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Parse the configuration and check every source without touching the
database or the network.

Exit codes:
  0 - at least one source is valid (rejected sources are listed)
  1 - the file is invalid or no source is usable`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := poller.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	out := cmd.OutOrStdout()
	sources, errs := cfg.ValidSources()
	for _, e := range errs {
		if errors.Is(e, poller.ErrNoSources) {
			continue
		}
		fmt.Fprintf(out, "  rejected: %v\n", e)
	}
	if len(sources) == 0 {
		return fmt.Errorf("invalid config: %w", poller.ErrNoSources)
	}

	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Database:      %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "  Retention:     %s (cleanup every %s, keep %d records)\n",
		cfg.Database.RequestHistoryAge.Label(), cfg.Database.CleaningInterval,
		cfg.Database.LastCleaningRecords)
	fmt.Fprintf(out, "  Sources:       %d valid, %d rejected or disabled\n", len(sources), len(cfg.Sources)-len(sources))
	for _, s := range sources {
		fmt.Fprintf(out, "    %-9s every %-8s -> %s  %s\n", s.Kind, s.IntervalText, s.StorageTarget, s.Target)
	}
	return nil
}
