package protocol

import "time"

// Message is one entry in a session transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnMode selects the agent behavior for a submitted turn.
type TurnMode string

const (
	ModeChat TurnMode = "chat"
	ModeDo   TurnMode = "do"
)

// SessionSnapshot is the persisted summary of a session: identity,
// model, transcript, and the running event sequence.
type SessionSnapshot struct {
	SessionID  string    `json:"sessionId"`
	Model      string    `json:"model"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Messages   []Message `json:"messages"`
	ToolCalls  int       `json:"toolCalls"`
	Seq        int64     `json:"seq"`
}

// CreateSessionRequest is the body of POST /v3/sessions.
type CreateSessionRequest struct {
	SessionID string `json:"sessionId"`
	Model     string `json:"model"`
	Title     string `json:"title,omitempty"`
}

// SubmitTurnRequest is the body of POST /v3/sessions/:id/turns.
type SubmitTurnRequest struct {
	ClientID    string            `json:"clientId"`
	WriterID    string            `json:"writerId"`
	Content     string            `json:"content"`
	Mode        TurnMode          `json:"mode,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastSeenSeq *int64            `json:"lastSeenSeq,omitempty"`
}

// SubmitTurnResponse acknowledges an enqueued turn.
type SubmitTurnResponse struct {
	TurnID     string `json:"turnId"`
	IngressSeq int64  `json:"ingressSeq"`
	Position   int    `json:"position"`
}

// CancelTurnsRequest is the body of POST /v3/sessions/:id/cancel.
// Exactly one of TurnID or WriterID should be set; setting both cancels
// the union.
type CancelTurnsRequest struct {
	TurnID   string `json:"turnId,omitempty"`
	WriterID string `json:"writerId,omitempty"`
}

// CancelTurnsResponse reports what a cancel request removed.
type CancelTurnsResponse struct {
	Cancelled       int  `json:"cancelled"`
	CancelledQueued int  `json:"cancelledQueued"`
	CancelledActive bool `json:"cancelledActive"`
}

// ResolvePermissionRequest is the body of
// POST /v3/sessions/:id/permissions/:req.
type ResolvePermissionRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decidedBy,omitempty"`
}

// ResolvePermissionResponse reports the outcome of a permission
// decision. Exactly one concurrent resolver observes OK=true.
type ResolvePermissionResponse struct {
	OK       bool   `json:"ok"`
	Conflict bool   `json:"conflict"`
	Message  string `json:"message,omitempty"`
}

// StartBackgroundRequest is the body of POST /v3/background/start.
type StartBackgroundRequest struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	Label     string `json:"label,omitempty"`
	CWD       string `json:"cwd,omitempty"`
	TimeoutMs int64  `json:"timeoutMs,omitempty"`
}

// BackgroundStatus is the externally visible state of a background
// process.
type BackgroundStatus struct {
	ProcessID string     `json:"processId"`
	SessionID string     `json:"sessionId"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Label     string     `json:"label,omitempty"`
	CWD       string     `json:"cwd,omitempty"`
	State     string     `json:"state"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// OutputChunk is one buffered piece of background process output.
type OutputChunk struct {
	Seq    int64     `json:"seq"`
	Stream string    `json:"stream"`
	Text   string    `json:"text"`
	TS     time.Time `json:"ts"`
}

// OutputSlice is the response of GET /v3/background/:id/output.
type OutputSlice struct {
	ProcessID string        `json:"processId"`
	Chunks    []OutputChunk `json:"chunks"`
	HasMore   bool          `json:"hasMore"`
}

// KillBackgroundRequest is the body of POST /v3/background/:id/kill.
type KillBackgroundRequest struct {
	Signal string `json:"signal,omitempty"`
}

// Inbound websocket messages. The Type field is the discriminant; the
// remaining fields are a union of every message's parameters.
type WSInbound struct {
	Type      string   `json:"type"`
	ClientID  string   `json:"clientId,omitempty"`
	WriterID  string   `json:"writerId,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	AfterSeq  int64    `json:"afterSeq,omitempty"`
	Content   string   `json:"content,omitempty"`
	Mode      TurnMode `json:"mode,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Decision  string   `json:"decision,omitempty"`
	DecidedBy string   `json:"decidedBy,omitempty"`
	TurnID    string   `json:"turnId,omitempty"`
}

// Inbound websocket message types.
const (
	WSHello             = "hello"
	WSTurnSubmit        = "turn.submit"
	WSPermissionResolve = "permission.resolve"
	WSTurnCancel        = "turn.cancel"
)

// WSAck acknowledges a processed inbound websocket message.
type WSAck struct {
	Type     string `json:"type"`
	Action   string `json:"action"`
	OK       bool   `json:"ok"`
	TurnID   string `json:"turnId,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
	Message  string `json:"message,omitempty"`
}

// WSErrorReply rejects an invalid inbound websocket message without
// closing the connection.
type WSErrorReply struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the body of GET /v3/health.
type HealthResponse struct {
	DaemonID string       `json:"daemonId"`
	Version  string       `json:"version"`
	Uptime   float64      `json:"uptime"`
	Sessions int          `json:"sessions"`
	Contract ContractInfo `json:"contract"`
}

// ContractInfo names the protocol contract a daemon speaks. Clients use
// it to detect incompatible daemons left over from older installs.
type ContractInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Contract is the contract lmxd daemons advertise.
var Contract = ContractInfo{Name: "lmxd", Version: Version}
