// Package observability provides structured logging and Prometheus
// metrics for the lmxd daemon.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". The daemon log
	// file uses json (one object per line); interactive serve uses text.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// DaemonID is attached to every record.
	DaemonID string
}

// DefaultRedactPatterns match secrets that must never reach the log.
// The daemon auth token is the main concern; the generic patterns catch
// anything token-shaped that leaks through message formatting.
var DefaultRedactPatterns = []string{
	`(?i)(bearer|token)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`(?i)(authorization)[\s:=]+["']?([^\s"']{8,})["']?`,
}

var redacts = compilePatterns(DefaultRedactPatterns)

func compilePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// Redact replaces secret-shaped substrings in s.
func Redact(s string) string {
	for _, re := range redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// NewLogger creates a structured logger. Invalid or empty level and
// format values fall back to "info" and "json".
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Value.Kind() == slog.KindString {
				a.Value = slog.StringValue(Redact(a.Value.String()))
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	logger := slog.New(handler)
	if cfg.DaemonID != "" {
		logger = logger.With("daemonId", cfg.DaemonID)
	}
	return logger
}
