// Package protocol defines the wire types shared by the lmxd daemon and
// its clients: the event envelope, event kinds, inbound websocket
// messages, and the control-plane DTOs.
package protocol

import (
	"encoding/json"
	"regexp"
	"time"
)

// Version is the protocol version tag carried in every envelope.
const Version = "3"

// EventKind identifies the type of an event envelope payload.
type EventKind string

const (
	EventSessionSnapshot  EventKind = "session.snapshot"
	EventSessionUpdated   EventKind = "session.updated"
	EventSessionCancelled EventKind = "session.cancelled"
	EventTurnQueued       EventKind = "turn.queued"
	EventTurnStart        EventKind = "turn.start"
	EventTurnToken        EventKind = "turn.token"
	EventTurnThinking     EventKind = "turn.thinking"
	EventTurnProgress     EventKind = "turn.progress"
	EventTurnDone         EventKind = "turn.done"
	EventTurnError        EventKind = "turn.error"
	EventToolStart        EventKind = "tool.start"
	EventToolEnd          EventKind = "tool.end"
	EventPermissionReq    EventKind = "permission.request"
	EventPermissionDone   EventKind = "permission.resolved"
	EventBackgroundOutput EventKind = "background.output"
	EventBackgroundStatus EventKind = "background.status"
)

// Ephemeral reports whether events of this kind are delivered live only
// and never written to the event log. Token and thinking deltas are too
// high-frequency to persist; reconnecting clients catch up from the
// persisted turn boundaries instead.
func (k EventKind) Ephemeral() bool {
	return k == EventTurnToken || k == EventTurnThinking
}

// Envelope is the wire record wrapping every event. The same shape is
// used on HTTP replay, websocket push, and SSE push.
type Envelope struct {
	V         string          `json:"v"`
	Event     EventKind       `json:"event"`
	DaemonID  string          `json:"daemonId"`
	SessionID string          `json:"sessionId,omitempty"`
	Seq       int64           `json:"seq"`
	TS        time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorCode enumerates the machine-readable codes carried by
// turn.error payloads and error responses.
type ErrorCode string

const (
	CodeNoModelLoaded        ErrorCode = "no-model-loaded"
	CodeLMXWSClosed          ErrorCode = "lmx-ws-closed"
	CodeLMXTimeout           ErrorCode = "lmx-timeout"
	CodeLMXConnectionRefused ErrorCode = "lmx-connection-refused"
	CodeStorageFull          ErrorCode = "storage-full"
	CodeStateConflict        ErrorCode = "state-conflict"
)

// TurnStats summarizes a completed turn for turn.done payloads.
type TurnStats struct {
	Tokens              int      `json:"tokens"`
	PromptTokens        int      `json:"promptTokens"`
	CompletionTokens    int      `json:"completionTokens"`
	ToolCalls           int      `json:"toolCalls"`
	Elapsed             float64  `json:"elapsed"`
	Speed               float64  `json:"speed"`
	FirstTokenLatencyMs *float64 `json:"firstTokenLatencyMs"`
}

// TurnDonePayload is the payload of a turn.done event.
type TurnDonePayload struct {
	TurnID   string    `json:"turnId"`
	WriterID string    `json:"writerId"`
	ClientID string    `json:"clientId"`
	Stats    TurnStats `json:"stats"`
}

// TurnErrorPayload is the payload of a turn.error event.
type TurnErrorPayload struct {
	TurnID   string    `json:"turnId"`
	WriterID string    `json:"writerId"`
	ClientID string    `json:"clientId"`
	Message  string    `json:"message"`
	Code     ErrorCode `json:"code,omitempty"`
}

// TurnQueuedPayload is the payload of a turn.queued event.
type TurnQueuedPayload struct {
	TurnID     string `json:"turnId"`
	WriterID   string `json:"writerId"`
	ClientID   string `json:"clientId"`
	IngressSeq int64  `json:"ingressSeq"`
	QueuedAt   string `json:"queuedAt"`
	Position   int    `json:"position"`
}

// TurnStartPayload is the payload of a turn.start event.
type TurnStartPayload struct {
	TurnID   string `json:"turnId"`
	WriterID string `json:"writerId"`
	ClientID string `json:"clientId"`
	Model    string `json:"model"`
	Mode     string `json:"mode"`
}

// TokenPayload carries one streamed token or reasoning delta.
type TokenPayload struct {
	TurnID string `json:"turnId"`
	Text   string `json:"text"`
}

// ToolStartPayload is the payload of a tool.start event.
type ToolStartPayload struct {
	TurnID   string          `json:"turnId"`
	ToolName string          `json:"toolName"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ToolEndPayload is the payload of a tool.end event.
type ToolEndPayload struct {
	TurnID   string  `json:"turnId"`
	ToolName string  `json:"toolName"`
	Result   string  `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Cached   bool    `json:"cached,omitempty"`
	Elapsed  float64 `json:"elapsed"`
}

// PermissionRequestPayload is the payload of a permission.request event.
type PermissionRequestPayload struct {
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args,omitempty"`
	CreatedAt string          `json:"createdAt"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// PermissionResolvedPayload is the payload of a permission.resolved event.
type PermissionResolvedPayload struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy,omitempty"`
	TimedOut  bool   `json:"timedOut,omitempty"`
}

// BackgroundOutputPayload carries one background process output chunk.
type BackgroundOutputPayload struct {
	ProcessID string `json:"processId"`
	Seq       int64  `json:"seq"`
	Stream    string `json:"stream"`
	Text      string `json:"text"`
	TS        string `json:"ts"`
}

// BackgroundStatusPayload carries a background process state change.
type BackgroundStatusPayload struct {
	ProcessID string `json:"processId"`
	State     string `json:"state"`
	PID       int    `json:"pid,omitempty"`
	ExitCode  *int   `json:"exitCode,omitempty"`
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id satisfies the session ID allowlist:
// 1-64 characters drawn from [A-Za-z0-9_-]. Everything else is rejected
// before any filesystem access.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
