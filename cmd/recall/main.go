// Package main provides the CLI entry point for the Recall memory gateway.
//
// Recall sits between a conversational voice platform and an external vector
// memory store. It answers the platform's webhooks (pre-call context, in-call
// search, post-call transcripts) and runs the asynchronous extraction pipeline
// that turns transcripts into durable caller memories.
//
// # Basic Usage
//
// Start the server:
//
//	recall serve --config recall.yaml
//
// Requeue archived payloads whose extraction never finished:
//
//	recall sweep --config recall.yaml
//
// # Environment Variables
//
// Configuration can be provided via environment variables:
//
//   - HMAC_SECRET: webhook signing secret (min 32 bytes)
//   - ORGANIZATION_ID: organization served by this deployment
//   - OPENAI_API_KEY: OpenAI API key (primary LLM provider)
//   - ANTHROPIC_API_KEY: Anthropic API key (fallback LLM provider)
//   - MEMORY_STORE_URL / MEMORY_STORE_API_KEY: external vector memory store
//   - AGENT_PROFILE_URL / AGENT_PROFILE_API_KEY: agent profile API
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "recall",
		Short: "Recall - Stateful memory gateway for voice agents",
		Long: `Recall gives conversational voice agents long-term caller memory.

It terminates the platform's signed webhooks, assembles personalized call
context from an external vector memory store, and extracts new memories
from call transcripts asynchronously after each call.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSweepCmd(),
	)

	return rootCmd
}
