package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run a single ingestion cycle",
	Long: `Run one discovery and ingestion cycle over the configured listing
pages, then exit. Useful for cron-style scheduling and for backfilling after
downtime; re-running is always safe because ingestion is idempotent.

Example:
  fia-docs ingest`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ing, err := buildIngester(ctx, GetConfig())
	if err != nil {
		return err
	}
	defer ing.Close()

	result, err := ing.pipeline.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("ingestion cycle failed: %w", err)
	}

	fmt.Printf("Discovered: %d, New: %d, Ingested: %d, Duplicates: %d, Failed: %d (%v)\n",
		result.Discovered, result.New, result.Ingested, result.Duplicates, result.Failed, result.Duration)
	if result.Failed > 0 {
		return fmt.Errorf("%d documents failed; they will be retried next cycle", result.Failed)
	}
	return nil
}
