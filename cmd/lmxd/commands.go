// commands.go contains the cobra command builders. Each builder wires
// flags to a runner in serve.go or control.go.
package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// defaultConfigPath is where lmxd looks for its YAML config unless
// --config overrides it. A missing file falls back to defaults.
func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lmxd", "config.yaml")
	}
	return filepath.Join(home, ".lmxd", "config.yaml")
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		daemonDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Long: `Run the lmxd daemon in the current process.

The daemon will:
1. Load configuration and watch it for changes
2. Hydrate persisted sessions from disk
3. Mint a fresh auth token and bind a loopback listener
4. Publish its state file for clients and the start command

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Run with default config
  lmxd serve

  # Run against an alternate state directory
  lmxd serve --daemon-dir /tmp/lmxd-test`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, daemonDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&daemonDir, "daemon-dir", "",
		"Daemon state directory (overrides config)")

	return cmd
}

func buildStartCmd() *cobra.Command {
	var (
		configPath string
		daemonDir  string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon detached, or adopt a healthy one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath, daemonDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&daemonDir, "daemon-dir", "",
		"Daemon state directory (overrides config)")

	return cmd
}

func buildStopCmd() *cobra.Command {
	var (
		configPath string
		daemonDir  string
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, configPath, daemonDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&daemonDir, "daemon-dir", "",
		"Daemon state directory (overrides config)")

	return cmd
}

func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		daemonDir  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon state and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, daemonDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&daemonDir, "daemon-dir", "",
		"Daemon state directory (overrides config)")

	return cmd
}

func buildServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the user-level service unit",
	}
	cmd.AddCommand(buildServiceInstallCmd(), buildServiceUninstallCmd(), buildServiceStatusCmd())
	return cmd
}

func buildServiceInstallCmd() *cobra.Command {
	var (
		configPath string
		daemonDir  string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and enable a user-level service unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceInstall(cmd, configPath, daemonDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&daemonDir, "daemon-dir", "",
		"Daemon state directory (overrides config)")

	return cmd
}

func buildServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Disable and remove the service unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceUninstall(cmd)
		},
	}
}

func buildServiceStatusCmd() *cobra.Command {
	var (
		configPath string
		daemonDir  string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service unit and daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServiceStatus(cmd, configPath, daemonDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&daemonDir, "daemon-dir", "",
		"Daemon state directory (overrides config)")

	return cmd
}
