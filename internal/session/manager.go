// Package session implements the daemon's core orchestrator: session
// lifecycle, turn queueing and draining, event sequencing and fan-out,
// the tool-result cache, model preflight, and idle eviction.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmx-sh/lmxd/internal/agent"
	"github.com/lmx-sh/lmxd/internal/config"
	"github.com/lmx-sh/lmxd/internal/lmx"
	"github.com/lmx-sh/lmxd/internal/observability"
	"github.com/lmx-sh/lmxd/internal/permission"
	"github.com/lmx-sh/lmxd/internal/store"
	"github.com/lmx-sh/lmxd/internal/workerpool"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// Manager errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStateConflict   = errors.New("session state conflict")
	ErrInvalidTurn     = errors.New("invalid turn submission")
)

// ErrStorageFull aliases the store sentinel so callers can map disk
// pressure without importing the store package.
var ErrStorageFull = store.ErrStorageFull

// Manager owns every in-memory session. All cross-subsystem access to
// sessions, queues, caches, and subscriber sets goes through it.
type Manager struct {
	daemonID string
	store    *store.Store
	perms    *permission.Coordinator
	pool     *workerpool.Pool
	lmx      lmx.Client
	agent    agent.Func
	cfg      func() *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	ingressSeq atomic.Int64

	pfMu     sync.Mutex
	pfModels []lmx.Model
	pfAt     time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
	closed    atomic.Bool
}

// Options wires the manager's collaborators.
type Options struct {
	DaemonID string
	Store    *store.Store
	Perms    *permission.Coordinator
	Pool     *workerpool.Pool
	LMX      lmx.Client
	Agent    agent.Func
	Config   func() *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// NewManager composes the orchestrator and starts its eviction sweep.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfgFn := opts.Config
	if cfgFn == nil {
		def := config.Default()
		cfgFn = func() *config.Config { return def }
	}
	m := &Manager{
		daemonID:  opts.DaemonID,
		store:     opts.Store,
		perms:     opts.Perms,
		pool:      opts.Pool,
		lmx:       opts.LMX,
		agent:     opts.Agent,
		cfg:       cfgFn,
		logger:    logger.With("component", "sessions"),
		metrics:   opts.Metrics,
		sessions:  make(map[string]*Session),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create returns the session with the given ID, hydrating it from disk
// or creating it fresh. Idempotent: an existing session is returned
// unchanged. Emits session.snapshot for fresh and hydrated sessions.
func (m *Manager) Create(sessionID, model, title string) (*Session, error) {
	if !protocol.ValidSessionID(sessionID) {
		return nil, store.ErrInvalidSessionID
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	// Hydrate or create outside the map lock; the store does its own
	// dedup for concurrent directory creation.
	snap, err := m.store.ReadSnapshot(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok {
		// Lost the race to another creator.
		m.mu.Unlock()
		return s, nil
	}
	s := newSession(m, sessionID)
	if snap != nil {
		s.Model = snap.Model
		s.Title = snap.Title
		s.CreatedAt = snap.CreatedAt
		s.UpdatedAt = snap.UpdatedAt
		s.Messages = snap.Messages
		s.ToolCalls = snap.ToolCalls
		s.seq = snap.Seq
		// The log may run past the snapshot (events land before the
		// snapshot is rewritten); resume after the highest persisted seq
		// so hydration never reissues one.
		if tail, err := m.store.ReadEventsAfter(sessionID, snap.Seq); err == nil && len(tail) > 0 {
			s.seq = tail[len(tail)-1].Seq
		}
	} else {
		now := time.Now().UTC()
		s.Model = model
		s.Title = title
		s.CreatedAt = now
		s.UpdatedAt = now
	}
	m.sessions[sessionID] = s
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.emitLocked(protocol.EventSessionSnapshot, s.snapshotLocked())
	s.mu.Unlock()

	if snap == nil {
		if err := m.store.WriteSnapshot(sessionID, s.Snapshot()); err != nil {
			m.logger.Warn("initial snapshot write failed", "sessionId", sessionID, "error", err)
		}
		m.logger.Info("session created", "sessionId", sessionID, "model", model)
	} else {
		m.logger.Info("session hydrated", "sessionId", sessionID)
	}
	return s, nil
}

// Get returns an in-memory session, hydrating from disk when the
// session exists there but was evicted.
func (m *Manager) Get(sessionID string) (*Session, error) {
	if !protocol.ValidSessionID(sessionID) {
		return nil, store.ErrInvalidSessionID
	}
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return s, nil
	}
	if !m.store.HasSession(sessionID) {
		return nil, ErrSessionNotFound
	}
	return m.Create(sessionID, "", "")
}

// List returns the IDs of every session known to the daemon, on disk
// or in memory.
func (m *Manager) List() ([]string, error) {
	ids, err := m.store.ListSessions()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	m.mu.Lock()
	for id := range m.sessions {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	return ids, nil
}

// HydrateAll loads every on-disk session into memory. Called once at
// daemon start; idle sessions age back out through the sweep.
func (m *Manager) HydrateAll() error {
	ids, err := m.store.ListSessions()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := m.Create(id, "", ""); err != nil {
			m.logger.Warn("hydrate failed", "sessionId", id, "error", err)
		}
	}
	return nil
}

// ResolvePermission applies a client decision to a pending request.
func (m *Manager) ResolvePermission(requestID string, decision permission.Decision, decidedBy string) permission.Result {
	return m.perms.Resolve(requestID, decision, decidedBy)
}

// PermissionTimeout exposes the coordinator's auto-deny window.
func (m *Manager) PermissionTimeout() time.Duration {
	return m.perms.Timeout()
}

// ReadEventsAfter replays a session's persisted backlog.
func (m *Manager) ReadEventsAfter(sessionID string, afterSeq int64) ([]protocol.Envelope, error) {
	if !protocol.ValidSessionID(sessionID) {
		return nil, store.ErrInvalidSessionID
	}
	return m.store.ReadEventsAfter(sessionID, afterSeq)
}

// Emit publishes an externally produced event into a session's stream.
// Background process lifecycle notifications arrive through here; an
// unknown session drops the event.
func (m *Manager) Emit(sessionID string, kind protocol.EventKind, payload any) {
	s, err := m.Get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.emitLocked(kind, payload)
	s.mu.Unlock()
}

// DaemonID returns the owning daemon's ID.
func (m *Manager) DaemonID() string { return m.daemonID }

// Stats is a point-in-time runtime summary for /v3/metrics.
type Stats struct {
	Sessions    int             `json:"sessions"`
	Subscribers int             `json:"subscribers"`
	QueuedTurns int             `json:"queuedTurns"`
	ActiveTurns int             `json:"activeTurns"`
	Pool        workerpool.Stats `json:"pool"`
	Permissions int             `json:"pendingPermissions"`
}

// Stats snapshots the manager's runtime counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{Sessions: len(m.sessions)}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		st.Subscribers += len(s.subscribers)
		st.QueuedTurns += s.queue.Len()
		if s.active != nil {
			st.ActiveTurns++
		}
		s.mu.Unlock()
	}
	if m.pool != nil {
		st.Pool = m.pool.Stats()
	}
	if m.perms != nil {
		st.Permissions = m.perms.PendingCount()
	}
	return st
}

// sweepLoop periodically evicts idle sessions from memory. On-disk
// state is retained; a later Get hydrates the session back.
func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	interval := m.cfg().Sessions.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	idleAfter := m.cfg().Sessions.IdleEviction
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	cutoff := time.Now().Add(-idleAfter)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		evict := len(s.subscribers) == 0 &&
			s.active == nil &&
			s.queue.Len() == 0 &&
			s.UpdatedAt.Before(cutoff)
		s.mu.Unlock()
		if evict {
			delete(m.sessions, id)
			m.logger.Debug("evicted idle session", "sessionId", id)
		}
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	}
}

// Close stops the sweep and cancels all active turns. Subscribers are
// dropped; queued turns are discarded.
func (m *Manager) Close() {
	if m.closed.Swap(true) {
		return
	}
	close(m.sweepStop)
	<-m.sweepDone

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.activeCancel != nil {
			s.activeCancel()
		}
		s.subscribers = make(map[int64]*subscriber)
		s.mu.Unlock()
	}
}

// nextIngressSeq assigns the next daemon-wide turn ordinal. It resets
// to zero on process start; queues only exist within one daemon
// lifetime.
func (m *Manager) nextIngressSeq() int64 {
	return m.ingressSeq.Add(1)
}

// preflightModel verifies the target model is loaded before a turn
// runs, with a short TTL cache over the model listing. It returns the
// canonicalized model ID.
func (m *Manager) preflightModel(ctx context.Context, model string) (string, error) {
	cfg := m.cfg()
	ttl := cfg.LMX.PreflightTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	m.pfMu.Lock()
	models := m.pfModels
	fresh := models != nil && time.Since(m.pfAt) < ttl
	m.pfMu.Unlock()

	if !fresh {
		timeout := cfg.LMX.PreflightTimeout
		if timeout <= 0 {
			timeout = 8 * time.Second
		}
		listCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		listed, err := m.lmx.ListModels(listCtx)
		if err != nil {
			m.invalidatePreflight()
			return "", err
		}
		m.pfMu.Lock()
		m.pfModels = listed
		m.pfAt = time.Now()
		m.pfMu.Unlock()
		models = listed
	}

	loaded := models[:0:0]
	for _, mod := range models {
		if mod.Loaded {
			loaded = append(loaded, mod)
		}
	}
	if len(loaded) == 0 {
		m.invalidatePreflight()
		return "", lmx.ErrNoModels
	}
	if model == "" {
		return loaded[0].ID, nil
	}
	for _, mod := range loaded {
		if mod.ID == model {
			return mod.ID, nil
		}
	}
	for _, mod := range loaded {
		if strings.EqualFold(mod.ID, model) {
			return mod.ID, nil
		}
	}
	m.invalidatePreflight()
	return "", fmt.Errorf("%w: model %q not loaded", lmx.ErrNoModels, model)
}

func (m *Manager) invalidatePreflight() {
	m.pfMu.Lock()
	m.pfModels = nil
	m.pfMu.Unlock()
}
