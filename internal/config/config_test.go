package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want default 9999", cfg.Server.Port)
	}
	if cfg.Permissions.Timeout != 120*time.Second {
		t.Errorf("permission timeout = %v, want 120s", cfg.Permissions.Timeout)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: 12000
  port_fallbacks: 3
lmx:
  base_url: http://127.0.0.1:5555
  preflight_ttl: 30s
permissions:
  timeout: 45s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 12000 || cfg.Server.PortFallbacks != 3 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.LMX.BaseURL != "http://127.0.0.1:5555" || cfg.LMX.PreflightTTL != 30*time.Second {
		t.Errorf("lmx = %+v", cfg.LMX)
	}
	if cfg.Permissions.Timeout != 45*time.Second {
		t.Errorf("permission timeout = %v", cfg.Permissions.Timeout)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", cfg.Logging.Level)
	}
	// Untouched sections keep their defaults.
	if cfg.Workers.Max < 1 {
		t.Errorf("workers.max = %d", cfg.Workers.Max)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("host = %q", cfg.Server.Host)
	}
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"non-loopback host": "server:\n  host: 0.0.0.0\n",
		"port out of range": "server:\n  port: 70000\n",
		"zero max workers":  "workers:\n  max: 0\n",
		"bad log level":     "logging:\n  level: loud\n",
		"zero perm timeout": "permissions:\n  timeout: 0s\n",
	}
	for name, raw := range cases {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	cfg.Daemon.Dir = "/tmp/lmxd-test"
	if got := cfg.StateFilePath(); got != filepath.Join("/tmp/lmxd-test", "state.json") {
		t.Errorf("StateFilePath = %q", got)
	}
	if got := cfg.SessionsDir(); got != filepath.Join("/tmp/lmxd-test", "sessions") {
		t.Errorf("SessionsDir = %q", got)
	}
	if got := cfg.LogFilePath(); got != filepath.Join("/tmp/lmxd-test", "daemon.log") {
		t.Errorf("LogFilePath = %q", got)
	}
}

func TestLoader_ServesCurrentAndSurvivesBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 12345\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := NewLoader(path, nil)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := l.Current().Server.Port; got != 12345 {
		t.Fatalf("initial port = %d", got)
	}

	// A reload that fails validation keeps the previous config.
	if err := os.WriteFile(path, []byte("server:\n  host: 8.8.8.8\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Current().Server.Port == 12345 && l.Current().Server.Host == "127.0.0.1" {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		t.Fatalf("bad config was adopted: %+v", l.Current().Server)
	}

	// A valid rewrite is picked up.
	if err := os.WriteFile(path, []byte("server:\n  port: 23456\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.Current().Server.Port == 23456 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("reload not observed, port still %d", l.Current().Server.Port)
}
