// Package daemon manages the lmxd process lifecycle: the published
// state file, the ephemeral bearer token, client-side auto-start, and
// platform service units.
package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the contract published for clients in the state file. The
// token inside grants full control of the daemon; the file carries
// user-only permissions.
type State struct {
	PID       int       `json:"pid"`
	DaemonID  string    `json:"daemonId"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	StartedAt time.Time `json:"startedAt"`
	LogsPath  string    `json:"logsPath"`
}

// MintToken generates a fresh 256-bit bearer token, hex encoded.
func MintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// WriteState atomically publishes the state file with user-only
// permissions, plus the raw token file and the PID mirror beside it.
func WriteState(dir string, st *State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "state.json"), data, 0o600); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, "token"), []byte(st.Token), 0o600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "daemon.pid"), []byte(fmt.Sprintf("%d\n", st.PID)), 0o600)
}

// ReadState returns the published state, or (nil, nil) when no daemon
// has published one.
func ReadState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return &st, nil
}

// ClearState removes the state file, token file, and PID mirror.
// Missing files are fine; clearing is idempotent.
func ClearState(dir string) error {
	var firstErr error
	for _, name := range []string{"state.json", "token", "daemon.pid"} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
