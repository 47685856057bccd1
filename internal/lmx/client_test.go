package lmx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lmx-sh/lmxd/pkg/protocol"
)

func TestCodeForError(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.ErrorCode
	}{
		{ErrNoModels, protocol.CodeNoModelLoaded},
		{fmt.Errorf("preflight: %w", ErrNoModels), protocol.CodeNoModelLoaded},
		{ErrConnectionRefused, protocol.CodeLMXConnectionRefused},
		{fmt.Errorf("%w: dial tcp", ErrTimeout), protocol.CodeLMXTimeout},
		{ErrStreamClosed, protocol.CodeLMXWSClosed},
		{errors.New("something else"), ""},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := CodeForError(tc.err); got != tc.want {
			t.Errorf("CodeForError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestListModels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"id":"llama-3.1-8b","loaded":true},{"id":"qwen-2.5","loaded":false}]}`)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 2*time.Second)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].ID != "llama-3.1-8b" || !models[0].Loaded {
		t.Errorf("unexpected first model: %+v", models[0])
	}
	if models[1].Loaded {
		t.Error("second model should not be loaded")
	}
}

func TestListModels_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 2*time.Second)
	if _, err := c.ListModels(context.Background()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestListModels_ConnectionRefused(t *testing.T) {
	// Grab a port and close it so nothing listens there.
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := NewHTTPClient(url, 2*time.Second)
	_, err := c.ListModels(context.Background())
	if !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if CodeForError(err) != protocol.CodeLMXConnectionRefused {
		t.Errorf("wrong code for %v", err)
	}
}

var testUpgrader = websocket.Upgrader{}

// chatServer runs a fake inference server whose chat endpoint replays
// the given frames after reading the request.
func chatServer(t *testing.T, frames []StreamEvent) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		for _, fr := range frames {
			if err := conn.WriteJSON(fr); err != nil {
				return
			}
		}
	}))
}

func TestStreamChat(t *testing.T) {
	ts := chatServer(t, []StreamEvent{
		{Type: "thinking", Text: "hmm"},
		{Type: "token", Text: "Hello"},
		{Type: "token", Text: " world"},
		{Type: "usage", Prompt: 12, Completion: 2},
		{Type: "done"},
	})
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 2*time.Second)
	var tokens, thinking []string
	usage, err := c.StreamChat(context.Background(), ChatRequest{
		Model:    "llama-3.1-8b",
		Messages: []protocol.Message{{Role: "user", Content: "hi"}},
	}, func(ev StreamEvent) {
		switch ev.Type {
		case "token":
			tokens = append(tokens, ev.Text)
		case "thinking":
			thinking = append(thinking, ev.Text)
		}
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello world" {
		t.Errorf("tokens = %q, want %q", got, "Hello world")
	}
	if len(thinking) != 1 || thinking[0] != "hmm" {
		t.Errorf("thinking frames = %v", thinking)
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 2 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestStreamChat_ServerErrorFrame(t *testing.T) {
	ts := chatServer(t, []StreamEvent{
		{Type: "token", Text: "partial"},
		{Type: "error", Message: "model crashed"},
	})
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 2*time.Second)
	_, err := c.StreamChat(context.Background(), ChatRequest{Model: "m"}, func(StreamEvent) {})
	if err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestStreamChat_AbruptClose(t *testing.T) {
	// Server closes without a done frame.
	ts := chatServer(t, []StreamEvent{{Type: "token", Text: "a"}})
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 2*time.Second)
	_, err := c.StreamChat(context.Background(), ChatRequest{Model: "m"}, func(StreamEvent) {})
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestStreamChat_Cancel(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req ChatRequest
		_ = conn.ReadJSON(&req)
		_ = conn.WriteJSON(StreamEvent{Type: "token", Text: "a"})
		<-hold
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewHTTPClient(ts.URL, 2*time.Second)

	got := make(chan error, 1)
	go func() {
		_, err := c.StreamChat(ctx, ChatRequest{Model: "m"}, func(ev StreamEvent) {
			if ev.Type == "token" {
				cancel()
			}
		})
		got <- err
	}()

	select {
	case err := <-got:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled stream did not return")
	}
}
