package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sitepoll/poller"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run one retention cleanup now",
	Long: `Delete outcomes older than request_history_age, sources with no
remaining outcomes, and cleanup records beyond last_cleaning_records.
Sources polled less often than request_history_age are always kept, so a
running "sitepoll run" never loses a source it still uses.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := poller.Load(path)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	res, err := poller.CleanupNow(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d outcomes and %d sources, trimmed %d cleanup records (window %s).\n",
		res.OutcomesRemoved, res.SourcesRemoved, res.RecordsTrimmed, cfg.Database.RequestHistoryAge.Label())
	return nil
}
