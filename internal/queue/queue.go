// Package queue implements the per-session turn queue: a deterministic
// FIFO ordered by the daemon-wide ingress sequence.
//
// The queue carries no locking of its own; the session manager
// serializes all access from its session actor.
package queue

import (
	"time"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// Turn is one queued unit of user input waiting to drive the agent.
type Turn struct {
	ID         string
	SessionID  string
	ClientID   string
	WriterID   string
	Content    string
	Mode       protocol.TurnMode
	Metadata   map[string]string
	IngressSeq int64
	CreatedAt  time.Time
}

// TurnQueue holds pending turns ordered by IngressSeq ascending.
type TurnQueue struct {
	turns []*Turn
}

// New creates an empty queue.
func New() *TurnQueue {
	return &TurnQueue{}
}

// Enqueue inserts a turn keeping IngressSeq order. Submissions arrive
// in near-monotonic order, so the scan starts at the tail and the
// common case is a plain append.
func (q *TurnQueue) Enqueue(t *Turn) {
	i := len(q.turns)
	for i > 0 && q.turns[i-1].IngressSeq > t.IngressSeq {
		i--
	}
	q.turns = append(q.turns, nil)
	copy(q.turns[i+1:], q.turns[i:])
	q.turns[i] = t
}

// Dequeue removes and returns the oldest turn, or nil when empty.
func (q *TurnQueue) Dequeue() *Turn {
	if len(q.turns) == 0 {
		return nil
	}
	t := q.turns[0]
	q.turns[0] = nil
	q.turns = q.turns[1:]
	return t
}

// Peek returns the oldest turn without removing it.
func (q *TurnQueue) Peek() *Turn {
	if len(q.turns) == 0 {
		return nil
	}
	return q.turns[0]
}

// Len returns the number of queued turns.
func (q *TurnQueue) Len() int {
	return len(q.turns)
}

// CancelByTurnID removes the turn with the given ID. Returns true when
// a turn was removed.
func (q *TurnQueue) CancelByTurnID(turnID string) bool {
	for i, t := range q.turns {
		if t.ID == turnID {
			q.turns = append(q.turns[:i], q.turns[i+1:]...)
			return true
		}
	}
	return false
}

// CancelByWriter removes every turn submitted by the given writer.
// Returns the number of turns removed.
func (q *TurnQueue) CancelByWriter(writerID string) int {
	kept := q.turns[:0]
	removed := 0
	for _, t := range q.turns {
		if t.WriterID == writerID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(q.turns); i++ {
		q.turns[i] = nil
	}
	q.turns = kept
	return removed
}
