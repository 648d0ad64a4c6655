// Package main provides the CLI entry point for the agent core.
//
// The agent core runs conversational turns against a model provider,
// executes tool calls under layered permission rules, and publishes the
// resulting events.
//
// # Basic Usage
//
// Replay a scripted model against the configured tools:
//
//	agentcore run --script session.yaml "summarize the repo"
//
// Serve approvals, session status and metrics over HTTP:
//
//	agentcore serve --config agentcore.yaml --script session.yaml
//
// Check how a tool call would be decided:
//
//	agentcore resolve exec "rm -rf /tmp/x"
//
// # Environment Variables
//
//   - AGENTCORE_CONFIG: Path to configuration file (default: agentcore.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version    = "dev"
	commit     = "none"
	date       = "unknown"
	configPath string
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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentcore",
		Short: "Agent task-execution core",
		Long: `agentcore runs agent turns: it streams model steps, executes tool calls
under layered permission rules, waits on human approvals, compacts long
histories, and keeps per-session task lists.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (or set AGENTCORE_CONFIG)")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildServeCmd(),
		buildResolveCmd(),
		buildTasksCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
