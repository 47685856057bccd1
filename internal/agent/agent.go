// Package agent defines the driver contract the session manager
// invokes for each turn, and a default driver backed by the LMX
// adapter.
//
// The daemon does not own agent-loop internals; it drives whatever
// Func is injected, feeding it streaming callbacks and a tool
// executor and collecting the updated transcript.
package agent

import (
	"context"
	"encoding/json"

	"github.com/lmx-sh/lmxd/internal/lmx"
	"github.com/lmx-sh/lmxd/pkg/protocol"
)

// ToolExecutor runs one tool call on behalf of the agent. The cached
// flag reports a tool-cache hit.
type ToolExecutor func(ctx context.Context, name string, args json.RawMessage) (result string, cached bool, err error)

// Callbacks stream turn progress back to the session manager. Every
// callback corresponds to exactly one emitted event. Nil members are
// skipped.
type Callbacks struct {
	OnToken     func(text string)
	OnThinking  func(text string)
	OnToolStart func(name string, args json.RawMessage)
	OnToolEnd   func(name, result string, cached bool, err error)
	OnUsage     func(promptTokens, completionTokens int)

	// OnPermissionRequest blocks until a client decides or the request
	// times out, and reports whether the tool may run.
	OnPermissionRequest func(ctx context.Context, toolName string, args json.RawMessage) (allowed bool, err error)
}

// Config selects the model and behavior for one turn.
type Config struct {
	Model string
	Mode  protocol.TurnMode
}

// Request carries one turn's input into the driver.
type Request struct {
	UserInput string
	Existing  []protocol.Message
	Tools     ToolExecutor
	Callbacks Callbacks
}

// Result is what a completed turn produced.
type Result struct {
	Messages         []protocol.Message
	ToolCalls        int
	PromptTokens     int
	CompletionTokens int
}

// Func is the injected agent loop. Implementations must observe ctx at
// every external I/O boundary and return promptly once it is done.
type Func func(ctx context.Context, req Request, cfg Config) (*Result, error)

// NewLMXDriver returns the default driver: a single streamed chat
// completion against the LMX server, with tokens and reasoning relayed
// through the callbacks. Tool dispatch and approval stay available to
// richer injected drivers through the same Request surface.
func NewLMXDriver(client lmx.Client) Func {
	return func(ctx context.Context, req Request, cfg Config) (*Result, error) {
		messages := append(append([]protocol.Message(nil), req.Existing...), protocol.Message{
			Role:    "user",
			Content: req.UserInput,
		})

		var assistant []byte
		usage, err := client.StreamChat(ctx, lmx.ChatRequest{
			Model:    cfg.Model,
			Messages: messages,
		}, func(ev lmx.StreamEvent) {
			switch ev.Type {
			case "token":
				assistant = append(assistant, ev.Text...)
				if req.Callbacks.OnToken != nil {
					req.Callbacks.OnToken(ev.Text)
				}
			case "thinking":
				if req.Callbacks.OnThinking != nil {
					req.Callbacks.OnThinking(ev.Text)
				}
			}
		})
		if err != nil {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if req.Callbacks.OnUsage != nil {
			req.Callbacks.OnUsage(usage.PromptTokens, usage.CompletionTokens)
		}

		messages = append(messages, protocol.Message{Role: "assistant", Content: string(assistant)})
		return &Result{
			Messages:         messages,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		}, nil
	}
}
