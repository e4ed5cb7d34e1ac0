package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/sitepoll/poller"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the configured sources until interrupted",
	Long: `Load the configuration, register every valid source and poll until
SIGINT or SIGTERM. Invalid sources are logged and skipped; the command
fails when none remain or the database cannot be opened.`,
	Args: cobra.NoArgs,
	RunE: runPoller,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runPoller(cmd *cobra.Command, _ []string) error {
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
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := poller.Start(ctx, cfg, poller.WithLogger(logger))
	if err != nil {
		logger.Error("sitepoll: start failed", "error", err)
		return fmt.Errorf("start: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("sitepoll: signal received, shutting down")
	case <-h.Done():
		logger.Warn("sitepoll: tasks stopped on their own")
	}

	if err := poller.Shutdown(h); err != nil {
		logger.Error("sitepoll: shutdown", "error", err)
		return err
	}
	logger.Info("sitepoll: stopped")
	return nil
}
