package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lmx-sh/lmxd/internal/background"
	"github.com/lmx-sh/lmxd/internal/permission"
	"github.com/lmx-sh/lmxd/internal/session"
	"github.com/lmx-sh/lmxd/internal/store"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeDomainError maps subsystem sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidSessionID):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, session.ErrInvalidTurn):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, session.ErrStateConflict):
		writeError(w, http.StatusConflict, err.Error(), string(protocol.CodeStateConflict))
	case errors.Is(err, session.ErrStorageFull):
		writeError(w, http.StatusInsufficientStorage, err.Error(), string(protocol.CodeStorageFull))
	case errors.Is(err, background.ErrProcessNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, background.ErrTooManyProcesses):
		writeError(w, http.StatusTooManyRequests, err.Error(), "")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return false
	}
	return true
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Stats()
	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		DaemonID: s.sessions.DaemonID(),
		Version:  s.version,
		Uptime:   time.Since(s.startTime).Seconds(),
		Sessions: st.Sessions,
		Contract: protocol.Contract,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	type metricsBody struct {
		session.Stats
		Background int     `json:"backgroundRunning"`
		Uptime     float64 `json:"uptime"`
	}
	body := metricsBody{
		Stats:  s.sessions.Stats(),
		Uptime: time.Since(s.startTime).Seconds(),
	}
	if s.background != nil {
		body.Background = s.background.RunningCount()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.sessions.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	summaries := make([]*protocol.SessionSnapshot, 0, len(ids))
	for _, id := range ids {
		sess, err := s.sessions.Get(id)
		if err != nil {
			continue
		}
		snap := sess.Snapshot()
		snap.Messages = nil
		summaries = append(summaries, snap)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := s.sessions.Create(req.SessionID, req.Model, req.Title)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req protocol.SubmitTurnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := sess.SubmitTurn(req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleCancelTurns(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	var req protocol.CancelTurnsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, sess.CancelTurns(req))
}

func (s *Server) handleResolvePermission(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.Get(r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	var req protocol.ResolvePermissionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res := s.sessions.ResolvePermission(r.PathValue("req"), permission.Decision(req.Decision), req.DecidedBy)
	switch {
	case res.OK:
		writeJSON(w, http.StatusOK, protocol.ResolvePermissionResponse{OK: true})
	case res.Conflict:
		writeJSON(w, http.StatusConflict, protocol.ResolvePermissionResponse{
			Conflict: true,
			Message:  res.Message,
		})
	default:
		writeJSON(w, http.StatusNotFound, protocol.ResolvePermissionResponse{
			Message: res.Message,
		})
	}
}

func (s *Server) handleReplayEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeDomainError(w, err)
		return
	}
	afterSeq := parseAfterSeq(r.URL.Query().Get("afterSeq"))
	events, err := s.sessions.ReadEventsAfter(id, afterSeq)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []protocol.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListBackground(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processes": s.background.List()})
}

func (s *Server) handleStartBackground(w http.ResponseWriter, r *http.Request) {
	var req protocol.StartBackgroundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !protocol.ValidSessionID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id", "")
		return
	}
	p, err := s.background.Start(background.StartRequest{
		SessionID: req.SessionID,
		Command:   req.Command,
		Label:     req.Label,
		CWD:       req.CWD,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	st, err := s.background.Status(p.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBackgroundStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.background.Status(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleBackgroundOutput(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterSeq := parseAfterSeq(q.Get("afterSeq"))
	limit := 1000
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	stream := q.Get("stream")
	if stream == "" {
		stream = "both"
	}
	out, err := s.background.Output(r.PathValue("id"), afterSeq, limit, stream)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKillBackground(w http.ResponseWriter, r *http.Request) {
	var req protocol.KillBackgroundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sig := req.Signal
	if sig == "" {
		sig = "SIGTERM"
	}
	if err := s.background.Kill(r.PathValue("id"), sig); err != nil {
		if errors.Is(err, background.ErrProcessNotFound) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// parseAfterSeq coerces the afterSeq query parameter to a non-negative
// integer, treating garbage as 0.
func parseAfterSeq(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
