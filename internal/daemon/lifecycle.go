package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// Lifecycle errors.
var (
	ErrStartTimeout = errors.New("daemon did not become ready in time")
	ErrNotRunning   = errors.New("daemon is not running")
)

const (
	readinessTimeout = 10 * time.Second
	readinessPoll    = 100 * time.Millisecond
	stopGrace        = 5 * time.Second
)

// EnsureRunning returns the state of a healthy daemon, starting one if
// needed. A state file pointing at a dead or contract-incompatible
// process is treated as a crash leftover: it is cleared and a fresh
// daemon is spawned detached.
func EnsureRunning(ctx context.Context, dir string, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := ReadState(dir)
	if err != nil {
		return nil, err
	}
	if st != nil {
		if pidAlive(st.PID) && healthOK(ctx, st) {
			return st, nil
		}
		logger.Warn("clearing stale daemon state", "pid", st.PID)
		if err := ClearState(dir); err != nil {
			return nil, fmt.Errorf("clear stale state: %w", err)
		}
	}

	if err := spawnDetached(dir); err != nil {
		return nil, fmt.Errorf("spawn daemon: %w", err)
	}
	return waitReady(ctx, dir)
}

// waitReady polls for a published state file whose daemon answers
// health with the expected contract.
func waitReady(ctx context.Context, dir string) (*State, error) {
	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(readinessPoll):
		}
		st, err := ReadState(dir)
		if err != nil || st == nil {
			continue
		}
		if healthOK(ctx, st) {
			return st, nil
		}
	}
	return nil, ErrStartTimeout
}

// healthOK asks the daemon for /v3/health and verifies the advertised
// contract, guarding against an unrelated process squatting the port.
func healthOK(ctx context.Context, st *State) bool {
	url := fmt.Sprintf("http://%s:%d/v3/health", st.Host, st.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+st.Token)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false
	}
	return health.Contract == protocol.Contract && health.DaemonID == st.DaemonID
}

// spawnDetached launches `lmxd serve` as a daemonized child of init,
// with stdio detached so the parent terminal can exit freely.
func spawnDetached(dir string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	cmd := exec.Command(exe, "serve", "--daemon-dir", dir)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachSysProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	// Reap the intermediate exit so the child is not left a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

// Stop terminates a running daemon: SIGTERM, a grace wait, then
// SIGKILL, then state cleanup. Returns ErrNotRunning when no live
// daemon is found (stale state is still cleared).
func Stop(dir string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := ReadState(dir)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrNotRunning
	}
	if !pidAlive(st.PID) {
		_ = ClearState(dir)
		return ErrNotRunning
	}

	if err := terminate(st.PID); err != nil {
		return fmt.Errorf("signal daemon: %w", err)
	}
	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !pidAlive(st.PID) {
			_ = ClearState(dir)
			logger.Info("daemon stopped", "pid", st.PID)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	logger.Warn("daemon ignored SIGTERM, killing", "pid", st.PID)
	if err := kill(st.PID); err != nil {
		return fmt.Errorf("kill daemon: %w", err)
	}
	_ = ClearState(dir)
	return nil
}
