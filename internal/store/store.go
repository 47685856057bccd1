// Package store implements the durable per-session event log: one
// directory per session holding an append-only events.jsonl and the
// latest snapshot.json.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

const (
	snapshotFile = "snapshot.json"
	eventsFile   = "events.jsonl"
)

var (
	// ErrInvalidSessionID is returned before any filesystem access when
	// an ID fails the allowlist or escapes the sessions root.
	ErrInvalidSessionID = errors.New("invalid session id")

	// ErrStorageFull is returned when free disk space is below the
	// configured minimum.
	ErrStorageFull = errors.New("insufficient disk space")
)

// Store owns the on-disk session state under a single root directory.
type Store struct {
	root         string
	minFreeBytes int64
	logger       *slog.Logger

	// In-flight directory creations, deduplicated per session so
	// concurrent appenders on the same ID await the same mkdir and all
	// observe its error.
	mu       sync.Mutex
	creating map[string]*creation
}

type creation struct {
	done chan struct{}
	err  error
}

// New creates a Store rooted at dir. The root directory itself is
// created eagerly so startup fails fast on a bad path.
func New(dir string, minFreeBytes int64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions root: %w", err)
	}
	resolved, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions root: %w", err)
	}
	return &Store{
		root:         resolved,
		minFreeBytes: minFreeBytes,
		logger:       logger.With("component", "store"),
		creating:     make(map[string]*creation),
	}, nil
}

// sessionDir validates the ID against the allowlist, joins it under the
// root, and re-checks that the result stays inside the root. The two
// checks together block traversal regardless of filesystem quirks.
func (s *Store) sessionDir(sessionID string) (string, error) {
	if !protocol.ValidSessionID(sessionID) {
		return "", ErrInvalidSessionID
	}
	dir := filepath.Join(s.root, sessionID)
	if !strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		return "", ErrInvalidSessionID
	}
	return dir, nil
}

// ensureSessionDir creates the session directory once. Concurrent
// callers for the same ID share one in-flight mkdir; a failure is
// reported to every waiter, not swallowed by the second caller.
func (s *Store) ensureSessionDir(sessionID string) (string, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if c, ok := s.creating[sessionID]; ok {
		s.mu.Unlock()
		<-c.done
		return dir, c.err
	}
	c := &creation{done: make(chan struct{})}
	s.creating[sessionID] = c
	s.mu.Unlock()

	c.err = os.MkdirAll(dir, 0o700)
	close(c.done)

	s.mu.Lock()
	delete(s.creating, sessionID)
	s.mu.Unlock()

	return dir, c.err
}

// CheckHeadroom returns ErrStorageFull when the filesystem backing the
// store has less free space than the configured minimum.
func (s *Store) CheckHeadroom() error {
	if s.minFreeBytes <= 0 {
		return nil
	}
	free, err := diskFree(s.root)
	if err != nil {
		// Inability to stat the filesystem is not disk pressure.
		s.logger.Warn("disk headroom check failed", "error", err)
		return nil
	}
	if free < s.minFreeBytes {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrStorageFull, free, s.minFreeBytes)
	}
	return nil
}

// AppendEvent appends one envelope line to the session's event log.
func (s *Store) AppendEvent(sessionID string, env *protocol.Envelope) error {
	if err := s.CheckHeadroom(); err != nil {
		return err
	}
	dir, err := s.ensureSessionDir(sessionID)
	if err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// WriteSnapshot atomically overwrites the session's snapshot file.
func (s *Store) WriteSnapshot(sessionID string, snap *protocol.SessionSnapshot) error {
	dir, err := s.ensureSessionDir(sessionID)
	if err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, snapshotFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, snapshotFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot returns the latest snapshot, or (nil, nil) when the
// session has none.
func (s *Store) ReadSnapshot(sessionID string) (*protocol.SessionSnapshot, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap protocol.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// ReadEventsAfter returns the session's persisted events with
// seq > afterSeq, ascending. Malformed lines are skipped; a missing log
// yields an empty slice.
func (s *Store) ReadEventsAfter(sessionID string, afterSeq int64) ([]protocol.Envelope, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []protocol.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			s.logger.Warn("skipping malformed event line", "sessionId", sessionID)
			continue
		}
		if env.Seq > afterSeq {
			events = append(events, env)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// ListSessions returns the IDs of every session present on disk.
func (s *Store) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && protocol.ValidSessionID(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// HasSession reports whether a session directory exists.
func (s *Store) HasSession(sessionID string) bool {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
