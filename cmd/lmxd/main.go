// Package main provides the CLI entry point for lmxd, the local agent
// session daemon.
//
// lmxd fronts an LMX inference server with durable agent sessions:
// turn queueing, event streaming over WebSocket/SSE, tool permission
// gating, and background process supervision. It binds loopback only
// and authenticates every request with a per-daemon bearer token.
//
// # Basic Usage
//
// Run the daemon in the foreground:
//
//	lmxd serve
//
// Start it detached (spawns and waits for readiness):
//
//	lmxd start
//
// Inspect or stop a running daemon:
//
//	lmxd status
//	lmxd stop
//
// Install a user-level service unit (launchd, systemd user, schtasks):
//
//	lmxd service install
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "lmxd",
		Short:        "lmxd - local agent session daemon",
		Long:         "lmxd keeps agent sessions alive next to an LMX inference server:\nqueued turns, durable event logs, live streaming, and tool approval.",
		Version:      version + " (commit: " + commit + ", built: " + date + ")",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStartCmd(),
		buildStopCmd(),
		buildStatusCmd(),
		buildServiceCmd(),
	)

	return rootCmd
}
