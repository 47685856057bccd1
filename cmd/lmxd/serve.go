// serve.go composes and runs the daemon process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lmx-sh/lmxd/internal/agent"
	"github.com/lmx-sh/lmxd/internal/background"
	"github.com/lmx-sh/lmxd/internal/config"
	"github.com/lmx-sh/lmxd/internal/daemon"
	"github.com/lmx-sh/lmxd/internal/lmx"
	"github.com/lmx-sh/lmxd/internal/observability"
	"github.com/lmx-sh/lmxd/internal/permission"
	"github.com/lmx-sh/lmxd/internal/server"
	"github.com/lmx-sh/lmxd/internal/session"
	"github.com/lmx-sh/lmxd/internal/store"
	"github.com/lmx-sh/lmxd/internal/workerpool"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

const shutdownGrace = 5 * time.Second

// runServe runs the daemon until SIGINT/SIGTERM.
func runServe(ctx context.Context, configPath, daemonDir string) error {
	loader, err := config.NewLoader(configPath, slog.Default())
	if err != nil {
		return err
	}
	defer loader.Close()
	if err := loader.Watch(); err != nil {
		slog.Warn("config watch unavailable", "path", configPath, "error", err)
	}

	// The --daemon-dir flag wins over the config file, including across
	// reloads. Detached spawns rely on it to target the right state dir.
	cfgFn := func() *config.Config {
		c := loader.Current()
		if daemonDir != "" && c.Daemon.Dir != daemonDir {
			cc := *c
			cc.Daemon.Dir = daemonDir
			return &cc
		}
		return c
	}
	cfg := cfgFn()

	if err := os.MkdirAll(cfg.Daemon.Dir, 0o700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	logFile, err := os.OpenFile(cfg.LogFilePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	daemonID := uuid.NewString()
	logger := observability.NewLogger(observability.LogConfig{
		Level:    cfg.Logging.Level,
		Format:   cfg.Logging.Format,
		Output:   io.MultiWriter(logFile, os.Stderr),
		DaemonID: daemonID,
	})
	slog.SetDefault(logger)
	logger.Info("starting lmxd", "version", version, "daemonDir", cfg.Daemon.Dir)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	st, err := store.New(cfg.SessionsDir(), cfg.Daemon.MinFreeBytes, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	perms := permission.New(cfg.Permissions.Timeout, logger)

	pool := workerpool.New(defaultToolFunc, workerpool.Config{
		MinWorkers:    cfg.Workers.Min,
		MaxWorkers:    cfg.Workers.Max,
		IdleThreshold: cfg.Workers.IdleThreshold,
		ReapInterval:  cfg.Workers.ReapInterval,
	}, logger)
	pool.Warmup(cfg.Workers.Warmup)

	// Background process events flow into the owning session's stream.
	// The manager pointer is assigned before the server accepts work, so
	// no process can emit through a nil manager.
	var sessions *session.Manager
	bg := background.NewManager(background.Config{
		MaxConcurrent: cfg.Background.MaxConcurrent,
		MaxBufferSize: cfg.Background.MaxBufferSize,
		KillGrace:     cfg.Background.KillGrace,
		PruneAfter:    cfg.Background.PruneAfter,
	}, func(sessionID string, kind protocol.EventKind, payload any) {
		sessions.Emit(sessionID, kind, payload)
	}, logger)

	observability.RegisterRuntimeGauges(registry,
		func() float64 { return float64(pool.Stats().Busy) },
		func() float64 { return float64(pool.Stats().Idle) },
		func() float64 { return float64(bg.RunningCount()) },
	)

	lmxClient := lmx.NewHTTPClient(cfg.LMX.BaseURL, cfg.LMX.PreflightTimeout)

	sessions = session.NewManager(session.Options{
		DaemonID: daemonID,
		Store:    st,
		Perms:    perms,
		Pool:     pool,
		LMX:      lmxClient,
		Agent:    agent.NewLMXDriver(lmxClient),
		Config:   cfgFn,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err := sessions.HydrateAll(); err != nil {
		logger.Warn("session hydration incomplete", "error", err)
	}

	token, err := daemon.MintToken()
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	srv := server.New(server.Options{
		Config:     cfgFn,
		Sessions:   sessions,
		Background: bg,
		Token:      token,
		Version:    version,
		Gatherer:   registry,
		Logger:     logger,
	})
	port, err := srv.Start()
	if err != nil {
		sessions.Close()
		bg.Close()
		pool.Close()
		return err
	}

	state := &daemon.State{
		PID:       os.Getpid(),
		DaemonID:  daemonID,
		Host:      cfg.Server.Host,
		Port:      port,
		Token:     token,
		StartedAt: time.Now().UTC(),
		LogsPath:  cfg.LogFilePath(),
	}
	if err := daemon.WriteState(cfg.Daemon.Dir, state); err != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = srv.Shutdown(shCtx)
		cancel()
		sessions.Close()
		bg.Close()
		pool.Close()
		return fmt.Errorf("publish daemon state: %w", err)
	}
	logger.Info("daemon ready", "host", cfg.Server.Host, "port", port)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sessions.Close()
	bg.Close()
	pool.Close()
	if err := daemon.ClearState(cfg.Daemon.Dir); err != nil {
		logger.Warn("clear daemon state", "error", err)
	}
	logger.Info("daemon stopped")
	return nil
}

// defaultToolFunc is the tool surface of a stock daemon. The built-in
// driver streams chat completions without dispatching tools; embedders
// that compile in richer drivers inject their own executor here.
func defaultToolFunc(_ context.Context, name string, _ json.RawMessage) (string, error) {
	return "", fmt.Errorf("unknown tool %q", name)
}
