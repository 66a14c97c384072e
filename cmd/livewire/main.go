// Package main provides the CLI entry point for livewire, the real-time
// core of the banking demo: a websocket hub plus terminal clients for
// support chat, presence, alerts and the change feed.
//
// # Basic Usage
//
// Start the hub:
//
//	livewire serve --config livewire.yaml
//
// Join a support chat session:
//
//	livewire chat --session s-42 --id cust-1 --name Alice
//
// Follow the change feed:
//
//	livewire watch --resource alerts --filter owner_id=cust-1
//
// Manage alerts through the HTTP API:
//
//	livewire alerts list --owner cust-1
//	livewire alerts read-all --owner cust-1
//
// # Environment Variables
//
//   - LIVEWIRE_CONFIG: Path to configuration file (default: livewire.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
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
		Use:   "livewire",
		Short: "Livewire - real-time chat, presence and alerts hub",
		Long: `Livewire relays support chat, typing indicators, presence and
change events between banking clients over a single websocket per client.

Run "livewire serve" for the hub; the other commands are clients of it.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildWatchCmd(),
		buildAlertsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
