// control.go implements the daemon lifecycle commands: start, stop,
// status, and service unit management.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/lmx-sh/lmxd/internal/config"
	"github.com/lmx-sh/lmxd/internal/daemon"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// loadConfig loads the config file and applies the --daemon-dir
// override.
func loadConfig(configPath, daemonDir string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if daemonDir != "" {
		cfg.Daemon.Dir = daemonDir
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, configPath, daemonDir string) error {
	cfg, err := loadConfig(configPath, daemonDir)
	if err != nil {
		return err
	}
	st, err := daemon.EnsureRunning(cmd.Context(), cfg.Daemon.Dir, slog.Default())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "lmxd running: pid=%d addr=%s:%d\n", st.PID, st.Host, st.Port)
	fmt.Fprintf(out, "logs: %s\n", st.LogsPath)
	return nil
}

func runStop(cmd *cobra.Command, configPath, daemonDir string) error {
	cfg, err := loadConfig(configPath, daemonDir)
	if err != nil {
		return err
	}
	if err := daemon.Stop(cfg.Daemon.Dir, slog.Default()); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "lmxd is not running")
			return nil
		}
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "lmxd stopped")
	return nil
}

func runStatus(cmd *cobra.Command, configPath, daemonDir string) error {
	cfg, err := loadConfig(configPath, daemonDir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	st, err := daemon.ReadState(cfg.Daemon.Dir)
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(out, "lmxd is not running")
		return nil
	}

	health, err := probeHealth(cmd.Context(), st)
	if err != nil {
		fmt.Fprintf(out, "lmxd state file present (pid=%d addr=%s:%d) but the daemon is unreachable: %v\n",
			st.PID, st.Host, st.Port, err)
		fmt.Fprintln(out, "run 'lmxd start' to recover")
		return nil
	}

	fmt.Fprintf(out, "lmxd running: pid=%d addr=%s:%d\n", st.PID, st.Host, st.Port)
	fmt.Fprintf(out, "  version:  %s\n", health.Version)
	fmt.Fprintf(out, "  uptime:   %s\n", (time.Duration(health.Uptime * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(out, "  sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "  contract: %s v%s\n", health.Contract.Name, health.Contract.Version)
	fmt.Fprintf(out, "  logs:     %s\n", st.LogsPath)
	return nil
}

// probeHealth asks a daemon described by a state file for /v3/health
// and checks that it speaks our contract.
func probeHealth(ctx context.Context, st *daemon.State) (*protocol.HealthResponse, error) {
	url := fmt.Sprintf("http://%s:%d/v3/health", st.Host, st.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+st.Token)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %s", resp.Status)
	}
	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	if health.Contract != protocol.Contract {
		return nil, fmt.Errorf("contract mismatch: %s v%s", health.Contract.Name, health.Contract.Version)
	}
	return &health, nil
}

func runServiceInstall(cmd *cobra.Command, configPath, daemonDir string) error {
	cfg, err := loadConfig(configPath, daemonDir)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Daemon.Dir, 0o700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}

	// The service unit captures the daemon's own stdio separately from
	// the structured daemon.log the process writes itself.
	serviceLog := filepath.Join(cfg.Daemon.Dir, "service.log")
	path, err := daemon.InstallService(daemon.UnitOptions{
		ProgramArguments: []string{exe, "serve", "--config", configPath, "--daemon-dir", cfg.Daemon.Dir},
		WorkingDirectory: home,
		Description:      "lmxd local agent session daemon",
		StdoutPath:       serviceLog,
		StderrPath:       serviceLog,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Service unit installed: %s\n", path)
	return nil
}

func runServiceUninstall(cmd *cobra.Command) error {
	if err := daemon.UninstallService(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Service unit removed")
	return nil
}

func runServiceStatus(cmd *cobra.Command, configPath, daemonDir string) error {
	out := cmd.OutOrStdout()
	switch runtime.GOOS {
	case "darwin":
		fmt.Fprintf(out, "service manager: launchd (label %s)\n", daemon.LaunchdLabel)
	case "linux":
		fmt.Fprintf(out, "service manager: systemd user (%s.service)\n", daemon.SystemdServiceName)
	case "windows":
		fmt.Fprintf(out, "service manager: scheduled task (%s)\n", daemon.WindowsTaskName)
	default:
		fmt.Fprintf(out, "service manager: none for %s\n", runtime.GOOS)
	}
	return runStatus(cmd, configPath, daemonDir)
}
