// Package main provides the CLI entry point for the wunder agent service.
//
// Wunder runs a multi-tenant reason-act loop over configurable LLM backends
// (OpenAI-compatible, Anthropic) with skill-driven tool dispatch, per-user
// admission control, and a replayable SSE stream surface.
//
// # Basic Usage
//
// Start the server:
//
//	wunder serve --config config.yaml
//
// Mint an admin token for the monitor API:
//
//	wunder token --subject ops
//
// # Environment Variables
//
//   - WUNDER_CONFIG: Path to configuration file (default: config.yaml)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: provider credentials referenced
//     from the models section of the config file
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
	// Structured JSON logging until serve installs the configured logger.
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
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wunder",
		Short: "Wunder - multi-tenant LLM agent service",
		Long: `Wunder runs a bounded reason-act loop per chat session: it composes the
prompt from workspace state, streams model output, dispatches tool calls
through the skill registry, and persists every turn for replay.

The HTTP surface exposes /api/chat (unary and SSE), /api/chat/cancel, and an
admin monitor over REST and websocket.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// buildVersionCmd reports the build stamp; the same string backs --version.
func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wunder %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// defaultConfigPath resolves the config file location, preferring the
// WUNDER_CONFIG environment variable over the conventional name.
func defaultConfigPath() string {
	if p := os.Getenv("WUNDER_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
