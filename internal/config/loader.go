package config

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader serves the current configuration and refreshes it when the
// config file changes on disk. Callers get a consistent snapshot from
// Current; the session manager uses this as its on-demand config hook
// so a turn always runs against the settings in effect at dispatch.
type Loader struct {
	path    string
	logger  *slog.Logger
	mu      sync.RWMutex
	current *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader loads the file once and returns a Loader holding it.
func NewLoader(path string, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{
		path:    path,
		logger:  logger.With("component", "config_loader"),
		current: cfg,
	}, nil
}

// Current returns the most recently loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch starts reacting to file changes. A parse or validation failure
// keeps the previous config in place.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.path); err != nil {
		_ = w.Close()
		return err
	}
	l.watcher = w
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	defer close(l.done)
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(l.path)
			if err != nil {
				l.logger.Warn("config reload failed, keeping previous", "error", err)
				continue
			}
			l.mu.Lock()
			l.current = cfg
			l.mu.Unlock()
			l.logger.Info("config reloaded", "path", l.path)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("config watcher error", "error", err)
		}
	}
}

// Close stops the watcher if one is running.
func (l *Loader) Close() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		<-l.done
		l.watcher = nil
	}
}
