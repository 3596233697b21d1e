// Package llm defines the provider-agnostic chat/streaming abstraction shared
// by every LLM client (primary, alternates, local fallback).
package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is a single function-call the model asked to make.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is one turn of a conversation, in the shape every provider client
// accepts and returns. Role is one of "system", "user", "assistant", "tool".
type Message struct {
	Role      string
	Content   string
	ToolID    string // set on role "tool": the ToolCall.ID this is a result for
	ToolCalls []ToolCall
}

// ToolSchema describes one tool for a provider's function-calling API.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Usage is the additive monoid of token accounting (spec.md §3 Token usage).
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// Add returns the pointwise sum of two usage snapshots.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + o.InputTokens,
		OutputTokens:        u.OutputTokens + o.OutputTokens,
		CacheCreationTokens: u.CacheCreationTokens + o.CacheCreationTokens,
		CacheReadTokens:     u.CacheReadTokens + o.CacheReadTokens,
	}
}

// Total is input + output tokens, per spec.md §3.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// StreamEvent is a single decoded event from a provider's raw stream, prior to
// any convenience text-iterator flattening. Consuming raw events (rather than
// a text-only iterator) is what lets callers retrieve the final tool-use
// snapshot once the stream completes — see SPEC_FULL.md §7.H.
type StreamEvent struct {
	TextDelta    string    // non-empty on a text delta
	ToolStarted  *ToolCall // non-nil when the model begins a tool_use block (Args empty)
	ToolFinished *ToolCall // non-nil when a tool_use block's arguments are complete
}

// StreamResult is the final snapshot delivered once a stream completes.
type StreamResult struct {
	Message    Message
	StopReason string // "end_turn" | "tool_use" | "max_tokens" | ...
	Usage      Usage
}

// Provider is implemented by every LLM client (vendor SDK or HTTP/SSE based).
// Stream delivers raw StreamEvents on events and returns the final snapshot
// once the provider signals completion. Only the primary client is expected
// to honor a non-empty tools slice; alternates and the local fallback ignore
// it (spec.md §4.F).
type Provider interface {
	Name() string
	Stream(ctx context.Context, msgs []Message, system string, tools []ToolSchema, model string, events chan<- StreamEvent) (StreamResult, error)
}

// SupportsTools reports whether a provider implements tool-use.
type SupportsTools interface {
	SupportsTools() bool
}
