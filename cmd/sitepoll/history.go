package main

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sitepoll/poller"
	"github.com/hazyhaar/sitepoll/tick"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print stored sources, recent outcomes and cleanup runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int64("source", 0, "only show outcomes of this source id")
	historyCmd.Flags().Int("limit", 20, "number of outcomes to show")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	sourceID, _ := cmd.Flags().GetInt64("source")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := poller.Load(path)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h, err := poller.ReadHistory(cmd.Context(), cfg, sourceID, limit, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (schema v%d)\n\nSources:\n", cfg.Database.Path, h.SchemaVersion)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tKIND\tINTERVAL\tTABLE\tURL")
	for _, s := range h.Sources {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\n", s.ID, s.Kind, s.RequestInterval, s.StorageTarget, s.Target)
	}
	tw.Flush()

	fmt.Fprintf(out, "\nOutcomes:\n")
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  ID\tSOURCE\tFIRED\tSTATUS\tERROR")
	for _, o := range h.Outcomes {
		fmt.Fprintf(tw, "  %d\t%d\t%s\t%d\t%s\n", o.ID, o.SourceID, stamp(o.FiredAt), o.Status, o.Error)
	}
	tw.Flush()

	fmt.Fprintf(out, "\nCleanups:\n")
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  RUN\tWINDOW\tREMOVED")
	for _, c := range h.Cleanups {
		fmt.Fprintf(tw, "  %s\t%s\t%d\n", stamp(c.RunAt), c.RetentionWindow, c.RemovedCount)
	}
	return tw.Flush()
}

func stamp(t tick.Tick) string {
	return t.Time().UTC().Format(time.DateTime)
}
