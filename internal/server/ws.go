package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmx-sh/lmxd/internal/permission"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

const wsWriteTimeout = 10 * time.Second

// wsConn serializes writes to one websocket connection. Events arrive
// from the subscription goroutine and acks from the read loop; gorilla
// connections allow one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// handleWS is the streaming plane: replay-then-live events outbound,
// hello/turn.submit/permission.resolve/turn.cancel inbound.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId required", "")
		return
	}
	afterSeq := parseAfterSeq(q.Get("afterSeq"))

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	sub := sess.Subscribe(afterSeq)
	defer sub.Close()

	// Outbound: pump subscription events until the subscription or the
	// connection dies.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for env := range sub.Events {
			if err := conn.writeJSON(env); err != nil {
				s.logger.Debug("websocket write failed", "sessionId", sessionID, "error", err)
				return
			}
		}
	}()

	// Inbound: control messages from the client.
	for {
		var msg protocol.WSInbound
		if err := raw.ReadJSON(&msg); err != nil {
			break
		}
		s.handleWSInbound(conn, sessionID, &msg)
	}

	// Detach the subscription so the writer loop unblocks, then wait for
	// it before Close tears down the connection.
	sub.Close()
	<-writeDone
}

func (s *Server) handleWSInbound(conn *wsConn, sessionID string, msg *protocol.WSInbound) {
	switch msg.Type {
	case protocol.WSHello:
		_ = conn.writeJSON(protocol.WSAck{Type: "ack", Action: protocol.WSHello, OK: true})

	case protocol.WSTurnSubmit:
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			_ = conn.writeJSON(protocol.WSErrorReply{Error: "session not found", Details: err.Error()})
			return
		}
		resp, err := sess.SubmitTurn(protocol.SubmitTurnRequest{
			ClientID: msg.ClientID,
			WriterID: msg.WriterID,
			Content:  msg.Content,
			Mode:     msg.Mode,
		})
		if err != nil {
			_ = conn.writeJSON(protocol.WSErrorReply{Error: "turn rejected", Details: err.Error()})
			return
		}
		_ = conn.writeJSON(protocol.WSAck{
			Type:   "ack",
			Action: protocol.WSTurnSubmit,
			OK:     true,
			TurnID: resp.TurnID,
		})

	case protocol.WSPermissionResolve:
		res := s.sessions.ResolvePermission(msg.RequestID, permission.Decision(msg.Decision), msg.DecidedBy)
		_ = conn.writeJSON(protocol.WSAck{
			Type:     "ack",
			Action:   protocol.WSPermissionResolve,
			OK:       res.OK,
			Conflict: res.Conflict,
			Message:  res.Message,
		})

	case protocol.WSTurnCancel:
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			_ = conn.writeJSON(protocol.WSErrorReply{Error: "session not found", Details: err.Error()})
			return
		}
		resp := sess.CancelTurns(protocol.CancelTurnsRequest{
			TurnID:   msg.TurnID,
			WriterID: msg.WriterID,
		})
		_ = conn.writeJSON(protocol.WSAck{
			Type:   "ack",
			Action: protocol.WSTurnCancel,
			OK:     resp.Cancelled > 0,
		})

	default:
		_ = conn.writeJSON(protocol.WSErrorReply{
			Error:   "unknown message type",
			Details: msg.Type,
		})
	}
}
