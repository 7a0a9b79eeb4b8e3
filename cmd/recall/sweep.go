package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/recall/internal/config"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/payloads"
	"github.com/haasonsaas/recall/internal/scheduler"
)

// buildSweepCmd creates the "sweep" command: a one-shot recovery pass that
// processes archived payloads whose extraction never finished. Useful after
// a crash when the server is not running.
func buildSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Process archived payloads with unfinished extraction",
		Long: `Scan the payload archive for conversations whose extraction is still
queued, deferred, running or failed, run the extraction pipeline for each,
and exit when the backlog is drained.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func runSweep(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	app, err := buildApp(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer app.registry.Close()

	app.jobs.Start(ctx)

	// The manual sweep is the one place failed payloads get another chance.
	n, err := scheduler.Sweep(ctx, app.archive, app.jobs, payloads.Recovery{IncludeFailed: true}, logger)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	logger.Info(ctx, "sweep requeued payloads", "count", n)

	// Wait for the queue to drain, then let Stop wait out in-flight jobs.
	for app.jobs.Depth() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := app.jobs.Stop(drainCtx); err != nil {
		return fmt.Errorf("worker pool did not drain: %w", err)
	}

	logger.Info(ctx, "sweep complete", "requeued", n)
	return nil
}
