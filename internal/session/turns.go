package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lmx-sh/lmxd/internal/agent"
	"github.com/lmx-sh/lmxd/internal/lmx"
	"github.com/lmx-sh/lmxd/internal/permission"
	"github.com/lmx-sh/lmxd/internal/queue"
	"github.com/lmx-sh/lmxd/internal/workerpool"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// SubmitTurn validates and enqueues one turn, emitting turn.queued and
// kicking the drain loop if the session is idle. The optional
// lastSeenSeq guards against stale writers: a submission based on an
// outdated view of the session is rejected with ErrStateConflict.
func (s *Session) SubmitTurn(req protocol.SubmitTurnRequest) (*protocol.SubmitTurnResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}
	if req.WriterID == "" {
		return nil, fmt.Errorf("%w: writerId required", ErrInvalidTurn)
	}
	if err := s.m.store.CheckHeadroom(); err != nil {
		return nil, err
	}

	mode := req.Mode
	if mode == "" {
		mode = protocol.ModeChat
	}

	s.mu.Lock()
	if req.LastSeenSeq != nil && *req.LastSeenSeq < s.seq {
		seen := *req.LastSeenSeq
		cur := s.seq
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: lastSeenSeq %d behind session seq %d", ErrStateConflict, seen, cur)
	}

	t := &queue.Turn{
		ID:         "turn_" + uuid.NewString(),
		SessionID:  s.ID,
		ClientID:   req.ClientID,
		WriterID:   req.WriterID,
		Content:    req.Content,
		Mode:       mode,
		Metadata:   req.Metadata,
		IngressSeq: s.m.nextIngressSeq(),
		CreatedAt:  time.Now().UTC(),
	}
	s.queue.Enqueue(t)
	position := s.queue.Len()
	if s.active != nil {
		position++
	}

	s.emitLocked(protocol.EventTurnQueued, protocol.TurnQueuedPayload{
		TurnID:     t.ID,
		WriterID:   t.WriterID,
		ClientID:   t.ClientID,
		IngressSeq: t.IngressSeq,
		QueuedAt:   t.CreatedAt.Format(time.RFC3339Nano),
		Position:   position,
	})

	if !s.draining {
		s.draining = true
		go s.drain()
	}
	if s.m.metrics != nil {
		s.m.metrics.QueuedTurns.Inc()
	}
	s.mu.Unlock()

	s.m.logger.Info("turn queued",
		"sessionId", s.ID,
		"turnId", t.ID,
		"writerId", t.WriterID,
		"ingressSeq", t.IngressSeq,
		"position", position)

	return &protocol.SubmitTurnResponse{
		TurnID:     t.ID,
		IngressSeq: t.IngressSeq,
		Position:   position,
	}, nil
}

// CancelTurns removes matching queued turns and signals the active turn
// if it matches. The active turn terminates through its context and
// reports "Turn cancelled" on its own turn.error.
func (s *Session) CancelTurns(req protocol.CancelTurnsRequest) protocol.CancelTurnsResponse {
	var resp protocol.CancelTurnsResponse

	s.mu.Lock()
	if req.TurnID != "" {
		if s.queue.CancelByTurnID(req.TurnID) {
			resp.CancelledQueued++
		}
		if s.active != nil && s.active.ID == req.TurnID && s.activeCancel != nil {
			s.activeCancel()
			resp.CancelledActive = true
		}
	}
	if req.WriterID != "" {
		resp.CancelledQueued += s.queue.CancelByWriter(req.WriterID)
		if s.active != nil && s.active.WriterID == req.WriterID && s.activeCancel != nil {
			s.activeCancel()
			resp.CancelledActive = true
		}
	}
	if req.TurnID == "" && req.WriterID == "" {
		// Bare cancel: everything queued plus the active turn.
		for s.queue.Len() > 0 {
			s.queue.Dequeue()
			resp.CancelledQueued++
		}
		if s.active != nil && s.activeCancel != nil {
			s.activeCancel()
			resp.CancelledActive = true
		}
	}
	resp.Cancelled = resp.CancelledQueued
	if resp.CancelledActive {
		resp.Cancelled++
	}
	if resp.Cancelled > 0 {
		s.emitLocked(protocol.EventSessionCancelled, resp)
	}
	if s.m.metrics != nil && resp.CancelledQueued > 0 {
		s.m.metrics.QueuedTurns.Sub(float64(resp.CancelledQueued))
	}
	s.mu.Unlock()

	// Unblock an agent parked on a permission gate.
	if resp.CancelledActive {
		s.m.perms.CancelSession(s.ID)
	}

	if resp.Cancelled > 0 {
		s.m.logger.Info("turns cancelled",
			"sessionId", s.ID,
			"queued", resp.CancelledQueued,
			"active", resp.CancelledActive)
	}
	return resp
}

// drain runs queued turns one at a time until the queue empties. At
// most one drain goroutine exists per session; the single-active-turn
// invariant follows from it being the only dequeuer.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		t := s.queue.Dequeue()
		if t == nil {
			s.draining = false
			s.mu.Unlock()
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.active = t
		s.activeCancel = cancel
		s.mu.Unlock()

		if s.m.metrics != nil {
			s.m.metrics.QueuedTurns.Dec()
		}

		s.runTurn(ctx, t)
		cancel()

		s.mu.Lock()
		s.active = nil
		s.activeCancel = nil
		s.mu.Unlock()
	}
}

// turnState is the mutable streaming state of one running turn, touched
// only from agent callbacks which the driver invokes sequentially.
type turnState struct {
	tokens       int
	firstTokenAt time.Time
	toolStarted  time.Time
	prompt       int
	completion   int
}

func (s *Session) runTurn(ctx context.Context, t *queue.Turn) {
	start := time.Now()
	logger := s.m.logger.With("sessionId", s.ID, "turnId", t.ID)

	s.mu.Lock()
	model := s.Model
	existing := append([]protocol.Message(nil), s.Messages...)
	s.mu.Unlock()

	canonical, err := s.m.preflightModel(ctx, model)
	if err != nil {
		logger.Warn("turn preflight failed", "error", err)
		s.finishError(t, err, start)
		return
	}
	if canonical != model {
		s.mu.Lock()
		s.Model = canonical
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.emitLocked(protocol.EventTurnStart, protocol.TurnStartPayload{
		TurnID:   t.ID,
		WriterID: t.WriterID,
		ClientID: t.ClientID,
		Model:    canonical,
		Mode:     string(t.Mode),
	})
	s.mu.Unlock()

	st := &turnState{}
	cb := agent.Callbacks{
		OnToken: func(text string) {
			s.mu.Lock()
			if st.tokens == 0 {
				st.firstTokenAt = time.Now()
			}
			st.tokens++
			s.emitLocked(protocol.EventTurnToken, protocol.TokenPayload{TurnID: t.ID, Text: text})
			s.mu.Unlock()
		},
		OnThinking: func(text string) {
			s.mu.Lock()
			s.emitLocked(protocol.EventTurnThinking, protocol.TokenPayload{TurnID: t.ID, Text: text})
			s.mu.Unlock()
		},
		OnToolStart: func(name string, args json.RawMessage) {
			s.mu.Lock()
			st.toolStarted = time.Now()
			s.emitLocked(protocol.EventToolStart, protocol.ToolStartPayload{
				TurnID:   t.ID,
				ToolName: name,
				Args:     args,
			})
			s.mu.Unlock()
		},
		OnToolEnd: func(name, result string, cached bool, err error) {
			s.mu.Lock()
			elapsed := time.Since(st.toolStarted).Seconds()
			payload := protocol.ToolEndPayload{
				TurnID:   t.ID,
				ToolName: name,
				Result:   result,
				Cached:   cached,
				Elapsed:  elapsed,
			}
			if err != nil {
				payload.Error = err.Error()
			}
			s.emitLocked(protocol.EventToolEnd, payload)
			s.mu.Unlock()

			if s.m.metrics != nil {
				status := "success"
				switch {
				case err != nil:
					status = "error"
				case cached:
					status = "cached"
				}
				s.m.metrics.ToolCounter.WithLabelValues(name, status).Inc()
				s.m.metrics.ToolDuration.WithLabelValues(name).Observe(elapsed)
			}
		},
		OnUsage: func(prompt, completion int) {
			st.prompt = prompt
			st.completion = completion
		},
		OnPermissionRequest: func(ctx context.Context, toolName string, args json.RawMessage) (bool, error) {
			return s.awaitPermission(ctx, toolName, args)
		},
	}

	result, err := s.m.agent(ctx, agent.Request{
		UserInput: t.Content,
		Existing:  existing,
		Tools:     s.runToolWithCache,
		Callbacks: cb,
	}, agent.Config{Model: canonical, Mode: t.Mode})
	if err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(t, start)
			return
		}
		s.finishError(t, err, start)
		return
	}

	elapsed := time.Since(start)
	stats := protocol.TurnStats{
		Tokens:           st.tokens,
		PromptTokens:     st.prompt,
		CompletionTokens: st.completion,
		ToolCalls:        result.ToolCalls,
		Elapsed:          elapsed.Seconds(),
	}
	if elapsed > 0 && st.completion > 0 {
		stats.Speed = float64(st.completion) / elapsed.Seconds()
	}
	if !st.firstTokenAt.IsZero() {
		ms := float64(st.firstTokenAt.Sub(start)) / float64(time.Millisecond)
		stats.FirstTokenLatencyMs = &ms
	}

	s.mu.Lock()
	s.Messages = result.Messages
	s.ToolCalls += result.ToolCalls
	s.UpdatedAt = time.Now().UTC()
	s.emitLocked(protocol.EventTurnDone, protocol.TurnDonePayload{
		TurnID:   t.ID,
		WriterID: t.WriterID,
		ClientID: t.ClientID,
		Stats:    stats,
	})
	snap := s.snapshotLocked()
	s.emitLocked(protocol.EventSessionUpdated, snap)
	s.mu.Unlock()

	if err := s.m.store.WriteSnapshot(s.ID, snap); err != nil {
		logger.Error("snapshot write failed", "error", err)
	}

	if s.m.metrics != nil {
		s.m.metrics.TurnCounter.WithLabelValues("done").Inc()
		s.m.metrics.TurnDuration.Observe(elapsed.Seconds())
	}
	logger.Info("turn done",
		"elapsed", elapsed.Seconds(),
		"tokens", st.tokens,
		"toolCalls", result.ToolCalls)
}

// finishError emits turn.error with the mapped error code.
func (s *Session) finishError(t *queue.Turn, err error, start time.Time) {
	code := lmx.CodeForError(err)
	if errors.Is(err, ErrStorageFull) {
		code = protocol.CodeStorageFull
	}

	s.mu.Lock()
	s.UpdatedAt = time.Now().UTC()
	s.emitLocked(protocol.EventTurnError, protocol.TurnErrorPayload{
		TurnID:   t.ID,
		WriterID: t.WriterID,
		ClientID: t.ClientID,
		Message:  err.Error(),
		Code:     code,
	})
	s.mu.Unlock()

	if s.m.metrics != nil {
		s.m.metrics.TurnCounter.WithLabelValues("error").Inc()
		s.m.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}
}

// finishCancelled emits the terminal event for a cancelled turn. No
// error code: cancellation is a client action, not a fault.
func (s *Session) finishCancelled(t *queue.Turn, start time.Time) {
	s.mu.Lock()
	s.UpdatedAt = time.Now().UTC()
	s.emitLocked(protocol.EventTurnError, protocol.TurnErrorPayload{
		TurnID:   t.ID,
		WriterID: t.WriterID,
		ClientID: t.ClientID,
		Message:  "Turn cancelled",
	})
	s.mu.Unlock()

	if s.m.metrics != nil {
		s.m.metrics.TurnCounter.WithLabelValues("cancelled").Inc()
		s.m.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	}
}

// awaitPermission raises a permission gate, emits the request event,
// and blocks until a client decides, the timeout auto-denies, or the
// turn is cancelled. The resolved event is emitted here and only here,
// so every request has exactly one resolution in the stream.
func (s *Session) awaitPermission(ctx context.Context, toolName string, args json.RawMessage) (bool, error) {
	req, decided := s.m.perms.Request(s.ID, toolName, args)

	s.mu.Lock()
	s.emitLocked(protocol.EventPermissionReq, protocol.PermissionRequestPayload{
		RequestID: req.ID,
		ToolName:  toolName,
		Args:      args,
		CreatedAt: req.CreatedAt.UTC().Format(time.RFC3339Nano),
		TimeoutMs: s.m.perms.Timeout().Milliseconds(),
	})
	s.mu.Unlock()

	select {
	case out := <-decided:
		s.mu.Lock()
		s.emitLocked(protocol.EventPermissionDone, protocol.PermissionResolvedPayload{
			RequestID: req.ID,
			Decision:  string(out.Decision),
			DecidedBy: out.DecidedBy,
			TimedOut:  out.TimedOut,
		})
		s.mu.Unlock()

		if s.m.metrics != nil {
			outcome := string(out.Decision)
			if out.TimedOut {
				outcome = "timeout"
			}
			s.m.metrics.PermissionCounter.WithLabelValues(outcome).Inc()
		}
		return out.Decision == permission.Allow, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// cacheEntry is one memoized read-only tool result. mtime is the target
// file's modification time at execution, zero for tools without a path
// key.
type cacheEntry struct {
	result string
	at     time.Time
	mtime  time.Time
}

// cacheableTools are read-only tools whose results may be served from
// the per-session cache.
var cacheableTools = map[string]bool{
	"read_file":  true,
	"list_dir":   true,
	"glob":       true,
	"grep":       true,
	"web_fetch":  true,
	"web_search": true,
}

// pathKeyedTools are cacheable tools whose result depends on one
// filesystem path; their entries also pin the path's mtime so an
// external edit invalidates the hit before the TTL does.
var pathKeyedTools = map[string]bool{
	"read_file": true,
	"list_dir":  true,
}

// writeTools mutate the workspace; running one clears the session's
// entire cache since any cached read may now be stale.
var writeTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"delete_file": true,
	"move_file":   true,
	"make_dir":    true,
	"shell":       true,
}

// toolPathMtime stats the path argument of a path-keyed tool. Returns
// zero when the args carry no path or the stat fails; a zero mtime
// entry still honors the TTL.
func toolPathMtime(name string, args json.RawMessage) time.Time {
	if !pathKeyedTools[name] {
		return time.Time{}
	}
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &p); err != nil || p.Path == "" {
		return time.Time{}
	}
	info, err := os.Stat(p.Path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// runToolWithCache executes one tool via the worker pool. Write tools
// run and then clear the session cache; cacheable tools are memoized
// under "{name}:{args}" with a TTL and, for path-keyed tools, the
// target file's mtime; everything else runs uncached and leaves the
// cache alone.
func (s *Session) runToolWithCache(ctx context.Context, name string, args json.RawMessage) (string, bool, error) {
	key := name + ":" + string(args)
	cacheable := cacheableTools[name]
	ttl := s.m.cfg().Sessions.CacheTTL

	if cacheable && ttl > 0 {
		mtime := toolPathMtime(name, args)
		s.mu.Lock()
		entry, ok := s.cache[key]
		s.mu.Unlock()
		if ok && time.Since(entry.at) < ttl && entry.mtime.Equal(mtime) {
			return entry.result, true, nil
		}
	}

	result, err := s.m.pool.Run(ctx, name, args)
	if err != nil {
		if errors.Is(err, workerpool.ErrAskUser) {
			// ask_user routes through the permission gate, never a worker.
			allowed, permErr := s.awaitPermission(ctx, name, args)
			if permErr != nil {
				return "", false, permErr
			}
			if allowed {
				return "approved", false, nil
			}
			return "denied", false, nil
		}
		if writeTools[name] {
			// The tool may have mutated state before failing.
			s.mu.Lock()
			s.cache = make(map[string]cacheEntry)
			s.mu.Unlock()
		}
		return "", false, err
	}

	if writeTools[name] {
		s.mu.Lock()
		s.cache = make(map[string]cacheEntry)
		s.mu.Unlock()
		return result, false, nil
	}

	if cacheable && ttl > 0 {
		mtime := toolPathMtime(name, args)
		s.mu.Lock()
		s.cache[key] = cacheEntry{result: result, at: time.Now(), mtime: mtime}
		s.evictCacheLocked()
		s.mu.Unlock()
	}

	return result, false, nil
}

// evictCacheLocked drops the oldest entries once the cache exceeds its
// configured size. Must be called with s.mu held.
func (s *Session) evictCacheLocked() {
	max := s.m.cfg().Sessions.CacheMaxSize
	if max <= 0 {
		return
	}
	for len(s.cache) > max {
		var oldestKey string
		var oldestAt time.Time
		for k, e := range s.cache {
			if oldestKey == "" || e.at.Before(oldestAt) {
				oldestKey = k
				oldestAt = e.at
			}
		}
		delete(s.cache, oldestKey)
	}
}
