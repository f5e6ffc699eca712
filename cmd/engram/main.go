// Package main provides the CLI entry point for Engram, the agent memory and
// lineage platform.
//
// # Basic Usage
//
// Start the server:
//
//	engram serve --config engram.yaml
//
// Watch a transcript directory and feed it to a running server:
//
//	engram watch ~/.claude/projects
//
// Query memory:
//
//	engram search "how did we fix the flaky auth test"
//	engram remember "deploys go through blue-green rollouts"
//
// # Environment Variables
//
//   - ENGRAM_CONFIG: path to the configuration file
//   - GRAPH_URL, VECTOR_STORE_URL, BUS_URL: backend endpoints
//   - AUTH_TOKEN: bearer token for the API
//   - ANTHROPIC_API_KEY: enables the llm rerank tier
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is the normal case outside dev.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "engram",
		Short: "Engram - memory & lineage platform for coding agents",
		Long: `Engram captures the full reasoning lineage of autonomous coding agents:
sessions, turns, reasoning blocks, tool calls, and observations, stored
bitemporally and retrievable through hybrid dense+sparse search.

Documentation: https://github.com/engramdev/engram`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWatchCmd(),
		buildSearchCmd(),
		buildRememberCmd(),
		buildRecallCmd(),
		buildQueryCmd(),
		buildPruneCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("ENGRAM_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat("engram.yaml"); err == nil {
		return "engram.yaml"
	}
	return ""
}
