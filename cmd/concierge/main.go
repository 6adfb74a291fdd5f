// Package main provides the CLI entry point for the concierge service.
//
// Concierge answers chat messages with tool-using language models and runs
// scheduled tool routines on behalf of its callers.
//
// # Basic Usage
//
// Start the HTTP API and the in-process routine scheduler:
//
//	concierge serve --config concierge.yaml
//
// Create the database schema:
//
//	concierge migrate
//
// Run every due routine once, for use from an external cron:
//
//	concierge routines tick
//
// # Environment Variables
//
//   - CONCIERGE_CONFIG: Path to configuration file (default: concierge.yaml)
//
// Configuration files may reference the environment with ${NAME} or
// ${NAME:-fallback}, e.g. api_key: ${ANTHROPIC_API_KEY}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "concierge.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "concierge",
		Short: "Concierge - tool-calling assistant and routine runner",
		Long: `Concierge answers chat messages with Anthropic or OpenAI models that can call
tools (web search, calendar, mail, music, messaging, smart home), and runs
scheduled routines that chain tool calls without a model in the loop.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML configuration file (or set CONCIERGE_CONFIG)")

	path := func() string { return resolveConfigPath(configPath) }

	rootCmd.AddCommand(
		buildServeCmd(path),
		buildMigrateCmd(path),
		buildRoutinesCmd(path),
		buildChatCmd(path),
		buildCredentialsCmd(path),
		buildTokenCmd(path),
		buildConfigCmd(path),
	)
	return rootCmd
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONCIERGE_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}
