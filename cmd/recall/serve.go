package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/recall/internal/assembler"
	"github.com/haasonsaas/recall/internal/config"
	"github.com/haasonsaas/recall/internal/extraction"
	"github.com/haasonsaas/recall/internal/gateway"
	"github.com/haasonsaas/recall/internal/llm"
	"github.com/haasonsaas/recall/internal/memstore"
	"github.com/haasonsaas/recall/internal/observability"
	"github.com/haasonsaas/recall/internal/payloads"
	"github.com/haasonsaas/recall/internal/profile"
	"github.com/haasonsaas/recall/internal/registry"
	"github.com/haasonsaas/recall/internal/scheduler"
	"github.com/haasonsaas/recall/internal/search"
	"github.com/haasonsaas/recall/internal/signature"
	"github.com/haasonsaas/recall/internal/tokens"
)

// buildServeCmd creates the "serve" command that starts the webhook gateway.
// This is the primary command for running Recall in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Recall webhook gateway",
		Long: `Start the Recall webhook gateway.

The server will:
1. Load configuration from the specified file (or pure defaults)
2. Connect to the external vector memory store and agent profile API
3. Initialize LLM providers (OpenAI primary, Anthropic fallback)
4. Start the extraction worker pool and requeue unfinished payloads
5. Serve the webhook endpoints plus /metrics and /healthz

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  recall serve

  # Start with custom config
  recall serve --config /etc/recall/production.yaml

  # Start with debug logging
  recall serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

// runServe implements the serve command logic.
// It handles configuration loading, service wiring, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	slog.Info("starting Recall gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
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

	logger.Info(ctx, "configuration loaded",
		"organization", cfg.Organization.ID,
		"http_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"workers", cfg.Scheduler.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app.jobs.Start(ctx)

	// Requeue payloads whose extraction never finished before the last
	// shutdown, then keep sweeping on an interval to catch deferred work.
	// Nothing is in flight yet, so every running state is an orphan; failed
	// payloads stay parked for the manual sweep command.
	if n, err := scheduler.Sweep(ctx, app.archive, app.jobs, payloads.Recovery{}, logger); err != nil {
		logger.Warn(ctx, "startup sweep failed", "error", err)
	} else if n > 0 {
		logger.Info(ctx, "startup sweep requeued payloads", "count", n)
	}
	go runSweepLoop(ctx, cfg.Scheduler.SweepInterval, app, logger)

	if err := app.server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info(ctx, "shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	// Stop accepting webhooks first, then drain the extraction queue.
	if err := app.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	if err := app.jobs.Stop(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "worker pool did not drain in time", "error", err)
	}

	logger.Info(context.Background(), "Recall gateway stopped gracefully")
	return nil
}

// app holds the wired components that the commands operate on.
type app struct {
	server   *gateway.Server
	jobs     *scheduler.Scheduler
	archive  *payloads.Store
	registry *registry.Store
}

// buildApp wires every component from configuration. All external
// dependencies (store, profile API, LLM providers) are constructed here so
// misconfiguration fails before the listener opens.
func buildApp(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*app, error) {
	verifier, err := signature.NewVerifier([]byte(cfg.Organization.HMACSecret), cfg.Organization.SignatureSkew)
	if err != nil {
		return nil, fmt.Errorf("signature verifier: %w", err)
	}

	store, err := memstore.NewHTTPClient(memstore.HTTPConfig{
		BaseURL:     cfg.Store.BaseURL,
		APIKey:      cfg.Store.APIKey,
		CallTimeout: cfg.Store.CallTimeout,
		MaxConns:    cfg.Store.MaxConns,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("memory store client: %w", err)
	}

	adapter, err := buildLLMAdapter(cfg, logger, metrics)
	if err != nil {
		return nil, err
	}

	fetcher, err := profile.NewHTTPFetcher(cfg.Profile.BaseURL, cfg.Profile.APIKey, cfg.Profile.CallTimeout)
	if err != nil {
		return nil, fmt.Errorf("profile fetcher: %w", err)
	}
	profiles := profile.NewCache(fetcher, cfg.Profile.TTL, logger, metrics)

	counter := tokens.NewCounter()

	pipeline := extraction.NewPipeline(adapter, store, profiles, counter, extraction.Config{
		ChunkTokens:         cfg.Extraction.ChunkTokens,
		Parallelism:         cfg.Extraction.Parallelism,
		ShareThreshold:      cfg.Organization.ShareThreshold,
		SimilarityThreshold: cfg.Organization.SimilarityThreshold,
		ConflictThreshold:   cfg.Organization.ConflictThreshold,
	}, logger, metrics)

	archive, err := payloads.NewStore(cfg.Payloads.Root)
	if err != nil {
		return nil, fmt.Errorf("payload archive: %w", err)
	}
	reg, err := registry.Open(cfg.Registry.Path)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	processor := scheduler.NewExtractionProcessor(cfg.Organization.ID, pipeline, archive, reg, logger)
	jobs := scheduler.New(processor, scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
	}, logger, metrics)

	asm := assembler.New(store, profiles, adapter, counter, assembler.Config{
		MaxMemories:    cfg.Assembler.MaxMemories,
		TokenBudget:    cfg.Assembler.TokenBudget,
		RecentMemories: cfg.Assembler.RecentMemories,
	}, logger)
	svc := search.New(store, logger)

	server := gateway.NewServer(cfg, verifier, asm, svc, jobs, archive, reg, logger, metrics)

	return &app{server: server, jobs: jobs, archive: archive, registry: reg}, nil
}

// buildLLMAdapter constructs the provider pair. OpenAI is the primary when
// both keys are configured; a single configured provider runs without
// fallback.
func buildLLMAdapter(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics) (*llm.Adapter, error) {
	var primary, secondary llm.Completer

	if cfg.LLM.OpenAIAPIKey != "" {
		completer, err := llm.NewOpenAICompleter(cfg.LLM.OpenAIAPIKey, cfg.LLM.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("openai completer: %w", err)
		}
		primary = completer
	}
	if cfg.LLM.AnthropicAPIKey != "" {
		completer, err := llm.NewAnthropicCompleter(cfg.LLM.AnthropicAPIKey, cfg.LLM.AnthropicModel)
		if err != nil {
			return nil, fmt.Errorf("anthropic completer: %w", err)
		}
		if primary == nil {
			primary = completer
		} else {
			secondary = completer
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("at least one LLM provider key is required (OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	}

	return llm.NewAdapter(primary, secondary, llm.Config{
		Preference:         cfg.Organization.ProviderPreference,
		CallTimeout:        cfg.LLM.CallTimeout,
		SummarizeMaxTokens: cfg.LLM.SummarizeMaxToken,
	}, logger, metrics)
}

// staleRunningAge is how long a running state may sit unchanged before the
// periodic sweep treats it as orphaned. Younger running states belong to
// extractions still in flight on this process.
const staleRunningAge = 30 * time.Minute

// runSweepLoop periodically requeues deferred payloads while the server runs.
func runSweepLoop(ctx context.Context, interval time.Duration, app *app, logger *observability.Logger) {
	if interval <= 0 {
		return
	}
	rec := payloads.Recovery{StaleRunning: staleRunningAge}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := scheduler.Sweep(ctx, app.archive, app.jobs, rec, logger)
			if err != nil {
				logger.Warn(ctx, "periodic sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info(ctx, "periodic sweep requeued payloads", "count", n)
			}
		}
	}
}
