package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkusTheOrt/fia-docs-api/internal/metrics"
	"github.com/spf13/cobra"
)

var pollInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll the listing pages continuously",
	Long: `Poll the configured FIA listing pages on an interval, ingesting new
documents as they appear. Runs until interrupted. Metrics are exposed on the
configured metrics address.

Examples:
  # Poll with the configured interval
  fia-docs watch

  # Poll every minute
  fia-docs watch --interval 1m`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&pollInterval, "interval", 0, "poll interval (overrides config)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := GetConfig()
	interval := cfg.Pipeline.PollInterval
	if pollInterval > 0 {
		interval = pollInterval
	}

	ing, err := buildIngester(ctx, cfg)
	if err != nil {
		return err
	}
	defer ing.Close()

	shutdownMetrics := metrics.StartServer(cfg.Metrics.Addr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}()

	slog.Info("watching listing pages", "interval", interval, "sources", len(cfg.Sources))

	// First cycle immediately, then on the ticker. Cycle errors are logged
	// and retried on the next tick; only cancellation stops the loop.
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if result, err := ing.pipeline.RunCycle(ctx); err != nil {
			slog.Error("ingestion cycle failed", "error", err)
		} else if result.Ingested > 0 || result.Failed > 0 {
			slog.Info("cycle summary",
				"ingested", result.Ingested, "duplicates", result.Duplicates, "failed", result.Failed)
		}

		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case <-ticker.C:
		}
	}
}
