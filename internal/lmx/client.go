// Package lmx adapts the external LMX inference server: a fast HTTP
// model listing used for turn preflight, and a long-lived cancellable
// websocket chat stream.
//
// The daemon treats the server as exactly two capabilities; everything
// else about its wire protocol stays behind the Client interface so an
// alternative server can be injected.
package lmx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// Adapter errors, each mapped to a wire error code by CodeForError.
var (
	ErrNoModels          = errors.New("no models loaded on inference server")
	ErrConnectionRefused = errors.New("inference server connection refused")
	ErrTimeout           = errors.New("inference server timed out")
	ErrStreamClosed      = errors.New("inference server stream closed unexpectedly")
)

// CodeForError maps adapter errors to the protocol error codes carried
// by turn.error events. Unrecognized errors map to the empty code.
func CodeForError(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, ErrNoModels):
		return protocol.CodeNoModelLoaded
	case errors.Is(err, ErrConnectionRefused):
		return protocol.CodeLMXConnectionRefused
	case errors.Is(err, ErrTimeout):
		return protocol.CodeLMXTimeout
	case errors.Is(err, ErrStreamClosed):
		return protocol.CodeLMXWSClosed
	default:
		return ""
	}
}

// Model is one model the inference server reports as loaded.
type Model struct {
	ID     string `json:"id"`
	Loaded bool   `json:"loaded"`
}

// ChatRequest describes one streamed completion.
type ChatRequest struct {
	Model    string             `json:"model"`
	Messages []protocol.Message `json:"messages"`
}

// StreamEvent is one frame of the chat stream.
type StreamEvent struct {
	Type       string `json:"type"` // token | thinking | usage | done | error
	Text       string `json:"text,omitempty"`
	Prompt     int    `json:"promptTokens,omitempty"`
	Completion int    `json:"completionTokens,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Usage totals reported at the end of a stream.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamHandler receives stream frames as they arrive.
type StreamHandler func(ev StreamEvent)

// Client is the daemon's view of the inference server.
type Client interface {
	// ListModels returns the models currently loaded. Fast; used by
	// turn preflight.
	ListModels(ctx context.Context) ([]Model, error)

	// StreamChat runs one completion, invoking handler for every frame.
	// It returns the final usage or an adapter error. Cancelling ctx
	// aborts the stream.
	StreamChat(ctx context.Context, req ChatRequest, handler StreamHandler) (Usage, error)
}

// HTTPClient is the production Client speaking HTTP + websocket.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewHTTPClient creates a client for the server at baseURL
// (e.g. http://127.0.0.1:1234).
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
	}
}

// ListModels queries GET /api/v1/models.
func (c *HTTPClient) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference server returned %d", resp.StatusCode)
	}
	var body struct {
		Models []Model `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return body.Models, nil
}

// StreamChat dials the websocket chat endpoint, writes the request, and
// relays frames until done or error.
func (c *HTTPClient) StreamChat(ctx context.Context, req ChatRequest, handler StreamHandler) (Usage, error) {
	wsURL, err := c.chatURL()
	if err != nil {
		return Usage{}, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return Usage{}, classifyTransportError(err)
	}
	defer conn.Close()

	// Unblock the blocking read when the turn is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "cancelled"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(req); err != nil {
		return Usage{}, fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}

	var usage Usage
	for {
		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return usage, ctx.Err()
			}
			return usage, fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}
		switch ev.Type {
		case "done":
			return usage, nil
		case "usage":
			usage.PromptTokens = ev.Prompt
			usage.CompletionTokens = ev.Completion
		case "error":
			return usage, fmt.Errorf("inference server error: %s", ev.Message)
		default:
			handler(ev)
		}
	}
}

func (c *HTTPClient) chatURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/chat/stream"
	return u.String(), nil
}

// classifyTransportError folds net-level failures into the adapter's
// typed errors.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	return err
}
