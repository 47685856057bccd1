// Package config defines the lmxd configuration structure, defaults,
// and validation.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for lmxd.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Daemon      DaemonConfig      `yaml:"daemon"`
	LMX         LMXConfig         `yaml:"lmx"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Workers     WorkersConfig     `yaml:"workers"`
	Background  BackgroundConfig  `yaml:"background"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig configures the HTTP/WS listener.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PortFallbacks int    `yaml:"port_fallbacks"`
}

// DaemonConfig configures daemon state paths and disk limits.
type DaemonConfig struct {
	Dir          string `yaml:"dir"`
	MinFreeBytes int64  `yaml:"min_free_bytes"`
}

// LMXConfig configures the upstream inference server adapter.
type LMXConfig struct {
	BaseURL          string        `yaml:"base_url"`
	PreflightTimeout time.Duration `yaml:"preflight_timeout"`
	PreflightTTL     time.Duration `yaml:"preflight_ttl"`
}

// PermissionsConfig configures the tool approval gate.
type PermissionsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// WorkersConfig configures the tool worker pool.
type WorkersConfig struct {
	Min           int           `yaml:"min"`
	Max           int           `yaml:"max"`
	Warmup        int           `yaml:"warmup"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
}

// BackgroundConfig configures the background process manager.
type BackgroundConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	KillGrace     time.Duration `yaml:"kill_grace"`
	PruneAfter    time.Duration `yaml:"prune_after"`
}

// SessionsConfig configures in-memory session lifecycle.
type SessionsConfig struct {
	IdleEviction  time.Duration `yaml:"idle_eviction"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheMaxSize  int           `yaml:"cache_max_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with every default value.
func Default() *Config {
	maxWorkers := runtime.NumCPU() - 1
	if maxWorkers > 8 {
		maxWorkers = 8
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Config{
		Server: ServerConfig{
			Host:          "127.0.0.1",
			Port:          9999,
			PortFallbacks: 10,
		},
		Daemon: DaemonConfig{
			Dir:          defaultDaemonDir(),
			MinFreeBytes: 64 << 20,
		},
		LMX: LMXConfig{
			BaseURL:          "http://127.0.0.1:1234",
			PreflightTimeout: 8 * time.Second,
			PreflightTTL:     10 * time.Second,
		},
		Permissions: PermissionsConfig{
			Timeout: 120 * time.Second,
		},
		Workers: WorkersConfig{
			Min:           0,
			Max:           maxWorkers,
			Warmup:        1,
			IdleThreshold: 60 * time.Second,
			ReapInterval:  30 * time.Second,
		},
		Background: BackgroundConfig{
			MaxConcurrent: 5,
			MaxBufferSize: 1 << 20,
			KillGrace:     5 * time.Second,
			PruneAfter:    5 * time.Minute,
		},
		Sessions: SessionsConfig{
			IdleEviction:  30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			CacheTTL:      30 * time.Second,
			CacheMaxSize:  64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func defaultDaemonDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lmxd"
	}
	return filepath.Join(home, ".lmxd")
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants. The loopback-only bind is
// enforced here so a bad config fails before any listener opens.
func (c *Config) Validate() error {
	ip := net.ParseIP(c.Server.Host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("server.host %q is not a loopback address", c.Server.Host)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Workers.Max < 1 {
		return fmt.Errorf("workers.max must be >= 1")
	}
	if c.Workers.Min < 0 || c.Workers.Min > c.Workers.Max {
		return fmt.Errorf("workers.min %d outside [0,%d]", c.Workers.Min, c.Workers.Max)
	}
	if c.Background.MaxConcurrent < 1 {
		return fmt.Errorf("background.max_concurrent must be >= 1")
	}
	if c.Background.MaxBufferSize < 1024 {
		return fmt.Errorf("background.max_buffer_size must be >= 1024")
	}
	if c.Permissions.Timeout <= 0 {
		return fmt.Errorf("permissions.timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q invalid", c.Logging.Level)
	}
	return nil
}

// StateFilePath returns the path of the daemon state file.
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Daemon.Dir, "state.json")
}

// TokenFilePath returns the path of the raw token file.
func (c *Config) TokenFilePath() string {
	return filepath.Join(c.Daemon.Dir, "token")
}

// PIDFilePath returns the path of the PID mirror file.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.Daemon.Dir, "daemon.pid")
}

// LogFilePath returns the path of the structured daemon log.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Daemon.Dir, "daemon.log")
}

// SessionsDir returns the root directory holding per-session stores.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Daemon.Dir, "sessions")
}
