// Package permission implements the tool approval gate: pending
// requests awaiting a client decision, first-decision-wins resolution,
// and auto-deny timeouts.
package permission

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is a client's verdict on a permission request.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// DefaultTimeout is the auto-deny window for unresolved requests.
const DefaultTimeout = 120 * time.Second

// Request describes one approval gate raised by the agent.
type Request struct {
	ID        string
	SessionID string
	ToolName  string
	Args      json.RawMessage
	CreatedAt time.Time
}

// Outcome is delivered to the agent awaiting the decision.
type Outcome struct {
	Decision  Decision
	DecidedBy string
	TimedOut  bool
}

// Result reports what a Resolve call achieved. Under concurrent
// resolves exactly one caller sees OK; the rest see Conflict.
type Result struct {
	OK       bool
	Conflict bool
	Message  string
}

type pending struct {
	req     *Request
	decided chan Outcome
	timer   *time.Timer
}

// Coordinator tracks pending permission requests for all sessions.
type Coordinator struct {
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex
	// pending holds unresolved requests by ID.
	pendingReqs map[string]*pending
	// recentlyResolved distinguishes duplicate resolves (conflict) from
	// unknown IDs. Entries age out after the timeout window.
	recentlyResolved map[string]time.Time
}

// New creates a Coordinator. A non-positive timeout selects the default.
func New(timeout time.Duration, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		timeout:          timeout,
		logger:           logger.With("component", "permissions"),
		pendingReqs:      make(map[string]*pending),
		recentlyResolved: make(map[string]time.Time),
	}
}

// Timeout returns the configured auto-deny window.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// Request registers a new pending request and returns it together with
// the channel the decision arrives on. The channel receives exactly one
// Outcome: the winning client decision, or an auto-deny on timeout.
func (c *Coordinator) Request(sessionID, toolName string, args json.RawMessage) (*Request, <-chan Outcome) {
	req := &Request{
		ID:        "perm_" + uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Args:      args,
		CreatedAt: time.Now(),
	}
	p := &pending{
		req:     req,
		decided: make(chan Outcome, 1),
	}
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(req.ID) })

	c.mu.Lock()
	c.gcLocked()
	c.pendingReqs[req.ID] = p
	c.mu.Unlock()

	c.logger.Debug("permission requested",
		"requestId", req.ID,
		"sessionId", sessionID,
		"tool", toolName)
	return req, p.decided
}

// Resolve applies a client decision. The first resolver wins; later
// resolvers on the same ID get Conflict; IDs that never existed or
// already timed out get an unknown result.
func (c *Coordinator) Resolve(requestID string, decision Decision, decidedBy string) Result {
	if decision != Allow && decision != Deny {
		return Result{Message: "invalid decision"}
	}

	c.mu.Lock()
	p, ok := c.pendingReqs[requestID]
	if !ok {
		_, recently := c.recentlyResolved[requestID]
		c.mu.Unlock()
		if recently {
			return Result{Conflict: true, Message: "already resolved"}
		}
		return Result{Message: "unknown"}
	}
	delete(c.pendingReqs, requestID)
	c.recentlyResolved[requestID] = time.Now()
	c.gcLocked()
	c.mu.Unlock()

	p.timer.Stop()
	p.decided <- Outcome{Decision: decision, DecidedBy: decidedBy}

	c.logger.Info("permission resolved",
		"requestId", requestID,
		"decision", string(decision),
		"decidedBy", decidedBy)
	return Result{OK: true}
}

// expire auto-denies a request whose timer fired. The timeout path does
// not populate recentlyResolved, so a late resolve reports unknown
// rather than conflict.
func (c *Coordinator) expire(requestID string) {
	c.mu.Lock()
	p, ok := c.pendingReqs[requestID]
	if ok {
		delete(c.pendingReqs, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	p.decided <- Outcome{Decision: Deny, TimedOut: true}
	c.logger.Info("permission timed out", "requestId", requestID)
}

// gcLocked drops recentlyResolved entries older than the timeout
// window. Must be called with c.mu held.
func (c *Coordinator) gcLocked() {
	cutoff := time.Now().Add(-c.timeout)
	for id, at := range c.recentlyResolved {
		if at.Before(cutoff) {
			delete(c.recentlyResolved, id)
		}
	}
}

// PendingCount returns the number of unresolved requests.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingReqs)
}

// CancelSession auto-denies every pending request of a session. Used
// when a turn is cancelled so the agent unblocks immediately.
func (c *Coordinator) CancelSession(sessionID string) int {
	c.mu.Lock()
	var expired []*pending
	for id, p := range c.pendingReqs {
		if p.req.SessionID == sessionID {
			delete(c.pendingReqs, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		p.timer.Stop()
		p.decided <- Outcome{Decision: Deny, TimedOut: true}
	}
	return len(expired)
}
