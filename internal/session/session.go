package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lmx-sh/lmxd/internal/queue"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls this far behind live emission is closed; it reconnects and
// catches up through replay.
const subscriberBuffer = 256

// Session is one in-memory session: transcript, sequence counter, turn
// queue, live subscribers, and the tool-result cache. All mutable state
// is guarded by mu; events are emitted under mu so seq assignment and
// fan-out order agree.
type Session struct {
	m  *Manager
	ID string

	mu        sync.Mutex
	Model     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []protocol.Message
	ToolCalls int

	// seq is the session's monotonic event counter. Every emitted event
	// takes the next value; ephemeral kinds advance it but are never
	// written to the log, so the persisted stream may have gaps.
	seq int64

	queue        *queue.TurnQueue
	active       *queue.Turn
	activeCancel context.CancelFunc
	draining     bool

	subscribers map[int64]*subscriber
	nextSubID   int64

	cache map[string]cacheEntry
}

type subscriber struct {
	id   int64
	ch   chan protocol.Envelope
	done chan struct{}

	// While replaying, live events are parked in buffer instead of ch so
	// the subscriber sees replayed history strictly before live traffic.
	replaying bool
	buffer    []protocol.Envelope

	// cursor is the highest seq delivered; the buffer flush filters on
	// it so events covered by replay are not delivered twice.
	cursor int64

	closed bool
}

func newSession(m *Manager, id string) *Session {
	return &Session{
		m:           m,
		ID:          id,
		queue:       queue.New(),
		subscribers: make(map[int64]*subscriber),
		cache:       make(map[string]cacheEntry),
	}
}

// Snapshot returns the session's persistable state.
func (s *Session) Snapshot() *protocol.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *protocol.SessionSnapshot {
	return &protocol.SessionSnapshot{
		SessionID: s.ID,
		Model:     s.Model,
		Title:     s.Title,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Messages:  append([]protocol.Message(nil), s.Messages...),
		ToolCalls: s.ToolCalls,
		Seq:       s.seq,
	}
}

// Seq returns the session's current event sequence.
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// emitLocked assigns the next seq, persists non-ephemeral events, and
// fans out to subscribers. Must be called with s.mu held.
func (s *Session) emitLocked(kind protocol.EventKind, payload any) protocol.Envelope {
	s.seq++
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.m.logger.Error("marshal event payload", "sessionId", s.ID, "event", string(kind), "error", err)
		} else {
			raw = data
		}
	}
	env := protocol.Envelope{
		V:         protocol.Version,
		Event:     kind,
		DaemonID:  s.m.daemonID,
		SessionID: s.ID,
		Seq:       s.seq,
		TS:        time.Now().UTC(),
		Payload:   raw,
	}

	if !kind.Ephemeral() {
		if err := s.m.store.AppendEvent(s.ID, &env); err != nil {
			// Live delivery proceeds; the gap surfaces on the next replay.
			s.m.logger.Error("persist event failed", "sessionId", s.ID, "event", string(kind), "error", err)
		}
	}
	if s.m.metrics != nil {
		s.m.metrics.EventCounter.WithLabelValues(string(kind)).Inc()
	}

	for id, sub := range s.subscribers {
		if sub.closed {
			continue
		}
		if sub.replaying {
			sub.buffer = append(sub.buffer, env)
			continue
		}
		select {
		case sub.ch <- env:
			sub.cursor = env.Seq
		default:
			// A full channel means the consumer stopped draining. Drop the
			// subscriber; persisted events are recoverable via replay.
			s.m.logger.Warn("dropping slow subscriber", "sessionId", s.ID, "subscriber", id)
			s.closeSubscriberLocked(id)
		}
	}
	return env
}

// closeSubscriberLocked detaches a subscriber. The event channel is
// closed here only once the subscriber is live; during replay the
// replay goroutine owns the channel and closes it on its way out, which
// keeps a concurrent blocking send from racing the close.
func (s *Session) closeSubscriberLocked(id int64) {
	sub, ok := s.subscribers[id]
	if !ok || sub.closed {
		return
	}
	sub.closed = true
	delete(s.subscribers, id)
	close(sub.done)
	if !sub.replaying {
		close(sub.ch)
	}
	if s.m.metrics != nil {
		s.m.metrics.Subscribers.Dec()
	}
}

// Subscription is a live event feed with history replayed first.
type Subscription struct {
	Events <-chan protocol.Envelope

	s  *Session
	id int64
}

// Close detaches the subscription and closes its channel.
func (sub *Subscription) Close() {
	sub.s.mu.Lock()
	sub.s.closeSubscriberLocked(sub.id)
	sub.s.mu.Unlock()
}

// Subscribe attaches an event feed to the session. Persisted events
// with seq > afterSeq are replayed first; events emitted while replay
// runs are buffered and flushed afterwards, deduplicated against the
// replay, so the feed is gapless and strictly seq-ordered.
func (s *Session) Subscribe(afterSeq int64) *Subscription {
	s.mu.Lock()
	s.nextSubID++
	sub := &subscriber{
		id:        s.nextSubID,
		ch:        make(chan protocol.Envelope, subscriberBuffer),
		done:      make(chan struct{}),
		replaying: true,
		cursor:    afterSeq,
	}
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	if s.m.metrics != nil {
		s.m.metrics.Subscribers.Inc()
	}

	go s.replay(sub, afterSeq)

	return &Subscription{Events: sub.ch, s: s, id: sub.id}
}

// replay pumps the persisted backlog into the subscriber, then drains
// the events buffered during replay and switches the subscriber live.
func (s *Session) replay(sub *subscriber, afterSeq int64) {
	backlog, err := s.m.store.ReadEventsAfter(s.ID, afterSeq)
	if err != nil {
		s.m.logger.Error("replay read failed", "sessionId", s.ID, "error", err)
		// Fall through: the subscriber still goes live, just without
		// history.
	}
	for _, env := range backlog {
		if !s.deliverReplayed(sub, env) {
			return
		}
	}

	// Flush buffered live events. New emits keep landing in the buffer
	// until it is observed empty, at which point the subscriber flips to
	// direct delivery without dropping or reordering anything.
	for {
		s.mu.Lock()
		if sub.closed {
			s.mu.Unlock()
			close(sub.ch)
			return
		}
		if len(sub.buffer) == 0 {
			sub.replaying = false
			s.mu.Unlock()
			return
		}
		batch := sub.buffer
		sub.buffer = nil
		s.mu.Unlock()

		sort.Slice(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })
		for _, env := range batch {
			if !s.deliverReplayed(sub, env) {
				return
			}
		}
	}
}

// deliverReplayed sends one event to a replaying subscriber, skipping
// seqs at or below the cursor. It owns closing the channel when the
// subscriber was detached mid-replay, and returns false in that case.
func (s *Session) deliverReplayed(sub *subscriber, env protocol.Envelope) bool {
	if env.Seq <= sub.cursor {
		return true
	}
	select {
	case sub.ch <- env:
		sub.cursor = env.Seq
		return true
	case <-sub.done:
		close(sub.ch)
		return false
	}
}
