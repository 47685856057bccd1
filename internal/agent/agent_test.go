package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/lmx-sh/lmxd/internal/lmx"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// scriptedClient replays frames through the stream handler and returns
// the configured usage or error.
type scriptedClient struct {
	frames []lmx.StreamEvent
	usage  lmx.Usage
	err    error
	gotReq lmx.ChatRequest
}

func (c *scriptedClient) ListModels(ctx context.Context) ([]lmx.Model, error) {
	return nil, nil
}

func (c *scriptedClient) StreamChat(ctx context.Context, req lmx.ChatRequest, handler lmx.StreamHandler) (lmx.Usage, error) {
	c.gotReq = req
	for _, fr := range c.frames {
		handler(fr)
	}
	return c.usage, c.err
}

func TestLMXDriver_BuildsTranscript(t *testing.T) {
	client := &scriptedClient{
		frames: []lmx.StreamEvent{
			{Type: "thinking", Text: "let me see"},
			{Type: "token", Text: "Hi"},
			{Type: "token", Text: " there"},
		},
		usage: lmx.Usage{PromptTokens: 9, CompletionTokens: 2},
	}
	drive := NewLMXDriver(client)

	var tokens, thinking int
	var usagePrompt, usageCompletion int
	existing := []protocol.Message{
		{Role: "user", Content: "earlier"},
		{Role: "assistant", Content: "earlier reply"},
	}
	res, err := drive(context.Background(), Request{
		UserInput: "hello",
		Existing:  existing,
		Callbacks: Callbacks{
			OnToken:    func(string) { tokens++ },
			OnThinking: func(string) { thinking++ },
			OnUsage: func(p, c int) {
				usagePrompt, usageCompletion = p, c
			},
		},
	}, Config{Model: "llama-3.1-8b"})
	if err != nil {
		t.Fatalf("driver: %v", err)
	}

	if client.gotReq.Model != "llama-3.1-8b" {
		t.Errorf("model sent = %q", client.gotReq.Model)
	}
	// The request carries history plus the new user message; the result
	// appends the assistant reply.
	if len(client.gotReq.Messages) != 3 {
		t.Fatalf("sent %d messages, want 3", len(client.gotReq.Messages))
	}
	if len(res.Messages) != 4 {
		t.Fatalf("result has %d messages, want 4", len(res.Messages))
	}
	last := res.Messages[len(res.Messages)-1]
	if last.Role != "assistant" || last.Content != "Hi there" {
		t.Errorf("assistant message = %+v", last)
	}
	if tokens != 2 || thinking != 1 {
		t.Errorf("callbacks: tokens=%d thinking=%d", tokens, thinking)
	}
	if usagePrompt != 9 || usageCompletion != 2 {
		t.Errorf("usage callback: %d/%d", usagePrompt, usageCompletion)
	}
	if res.PromptTokens != 9 || res.CompletionTokens != 2 {
		t.Errorf("result usage: %d/%d", res.PromptTokens, res.CompletionTokens)
	}
}

func TestLMXDriver_NilCallbacks(t *testing.T) {
	client := &scriptedClient{
		frames: []lmx.StreamEvent{{Type: "token", Text: "ok"}, {Type: "thinking", Text: "x"}},
	}
	drive := NewLMXDriver(client)
	if _, err := drive(context.Background(), Request{UserInput: "hi"}, Config{Model: "m"}); err != nil {
		t.Fatalf("driver with nil callbacks: %v", err)
	}
}

func TestLMXDriver_StreamErrorPropagates(t *testing.T) {
	want := errors.New("stream broke")
	drive := NewLMXDriver(&scriptedClient{err: want})
	_, err := drive(context.Background(), Request{UserInput: "hi"}, Config{Model: "m"})
	if !errors.Is(err, want) {
		t.Fatalf("expected stream error, got %v", err)
	}
}

func TestLMXDriver_ObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	// The stream "succeeds" but the turn was cancelled mid-flight; the
	// driver must not report a completed result.
	client := &scriptedClient{
		frames: []lmx.StreamEvent{{Type: "token", Text: "partial"}},
	}
	drive := NewLMXDriver(client)
	res, err := drive(ctx, Request{
		UserInput: "hi",
		Callbacks: Callbacks{OnToken: func(string) { cancel() }},
	}, Config{Model: "m"})
	if res != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got res=%v err=%v", res, err)
	}
}
