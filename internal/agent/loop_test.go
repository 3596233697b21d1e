package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/llm"
	"github.com/local/remy/internal/tools"
)

// scriptedProvider returns one canned StreamResult per call, emitting its
// text and tool starts as raw events first.
type scriptedProvider struct {
	mu      sync.Mutex
	results []llm.StreamResult
	errs    []error
	calls   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, msgs []llm.Message, system string, schemas []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx < len(p.errs) && p.errs[idx] != nil {
		return llm.StreamResult{}, p.errs[idx]
	}
	res := p.results[idx]
	if res.Message.Content != "" {
		events <- llm.StreamEvent{TextDelta: res.Message.Content}
	}
	for i := range res.Message.ToolCalls {
		tc := res.Message.ToolCalls[i]
		events <- llm.StreamEvent{ToolStarted: &llm.ToolCall{ID: tc.ID, Name: tc.Name}}
	}
	return res, nil
}

func echoRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(zerolog.Nop())
	r.Register(tools.Definition{
		Name:        "calendar_events",
		Description: "canned calendar",
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			return "2 events tomorrow", nil
		},
	})
	r.Register(tools.Definition{
		Name:        "broken_tool",
		Description: "always fails",
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			return "", errors.New("upstream 500")
		},
	})
	return r
}

func runLoop(t *testing.T, l *Loop, req Request) ([]Event, llm.Usage, error) {
	t.Helper()
	events := make(chan Event, 128)
	usage, err := l.Run(context.Background(), req, events)
	close(events)
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out, usage, err
}

func toolUseResult(text string, calls ...llm.ToolCall) llm.StreamResult {
	return llm.StreamResult{
		Message:    llm.Message{Role: "assistant", Content: text, ToolCalls: calls},
		StopReason: "tool_use",
		Usage:      llm.Usage{InputTokens: 100, OutputTokens: 20},
	}
}

func endTurnResult(text string) llm.StreamResult {
	return llm.StreamResult{
		Message:    llm.Message{Role: "assistant", Content: text},
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 150, OutputTokens: 30},
	}
}

func TestSingleToolRoundTrip(t *testing.T) {
	p := &scriptedProvider{results: []llm.StreamResult{
		toolUseResult("", llm.ToolCall{ID: "call_1", Name: "calendar_events", Args: json.RawMessage(`{}`)}),
		endTurnResult("You have 2 events tomorrow."),
	}}
	l := &Loop{Provider: p, Registry: echoRegistry(t), Log: zerolog.Nop()}

	events, usage, err := runLoop(t, l, Request{Messages: []llm.Message{{Role: "user", Content: "What's on my calendar tomorrow?"}}, UserID: 1})
	require.NoError(t, err)

	var statuses, results, completes, texts int
	for _, ev := range events {
		switch e := ev.(type) {
		case ToolStatusChunk:
			statuses++
			require.Equal(t, "calendar_events", e.Name)
		case ToolResultChunk:
			results++
			require.Equal(t, "2 events tomorrow", e.Result)
		case ToolTurnComplete:
			completes++
			require.Len(t, e.Results, 1)
			require.Equal(t, "call_1", e.Results[0].ID)
		case TextChunk:
			texts++
		}
	}
	require.Equal(t, 1, statuses)
	require.Equal(t, 1, results)
	require.Equal(t, 1, completes)
	require.GreaterOrEqual(t, texts, 1)

	// Usage additivity across iterations.
	require.Equal(t, 250, usage.InputTokens)
	require.Equal(t, 50, usage.OutputTokens)
}

func TestToolErrorSurfacesAsResultString(t *testing.T) {
	p := &scriptedProvider{results: []llm.StreamResult{
		toolUseResult("", llm.ToolCall{ID: "call_1", Name: "broken_tool", Args: json.RawMessage(`{}`)}),
		endTurnResult("That tool failed, sorry."),
	}}
	l := &Loop{Provider: p, Registry: echoRegistry(t), Log: zerolog.Nop()}

	events, _, err := runLoop(t, l, Request{Messages: []llm.Message{{Role: "user", Content: "go"}}})
	require.NoError(t, err)

	var found bool
	for _, ev := range events {
		if rc, ok := ev.(ToolResultChunk); ok {
			found = true
			require.Equal(t, "Tool broken_tool encountered an error: upstream 500", rc.Result)
		}
	}
	require.True(t, found)
	require.Equal(t, 2, p.calls, "the loop must continue after a tool error")
}

func TestIterationCeiling(t *testing.T) {
	// Provider asks for a tool on every call, forever.
	var results []llm.StreamResult
	for i := 0; i < 10; i++ {
		results = append(results, toolUseResult("", llm.ToolCall{ID: "c", Name: "calendar_events", Args: json.RawMessage(`{}`)}))
	}
	p := &scriptedProvider{results: results}
	l := &Loop{Provider: p, Registry: echoRegistry(t), MaxIterations: 3, Log: zerolog.Nop()}

	events, _, err := runLoop(t, l, Request{Messages: []llm.Message{{Role: "user", Content: "loop forever"}}})
	require.NoError(t, err)

	completes := 0
	for _, ev := range events {
		if _, ok := ev.(ToolTurnComplete); ok {
			completes++
		}
	}
	require.Equal(t, 3, completes)
	require.Equal(t, 3, p.calls)
}

func TestRetryOnInitiationFailure(t *testing.T) {
	p := &scriptedProvider{
		errs:    []error{&llm.StatusError{Provider: "scripted", Code: 529, Err: errors.New("overloaded")}},
		results: []llm.StreamResult{{}, endTurnResult("fine now")},
	}
	l := &Loop{
		Provider: p,
		Registry: echoRegistry(t),
		Retry:    llm.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, RateLimitDelays: []time.Duration{time.Millisecond}},
		Log:      zerolog.Nop(),
	}

	events, _, err := runLoop(t, l, Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, 2, p.calls)
	require.NotEmpty(t, events)
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	p := &scriptedProvider{
		errs: []error{&llm.StatusError{Provider: "scripted", Code: 400, Err: errors.New("bad request")}},
		results: []llm.StreamResult{{}},
	}
	l := &Loop{
		Provider: p,
		Registry: echoRegistry(t),
		Retry:    llm.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Log:      zerolog.Nop(),
	}

	_, _, err := runLoop(t, l, Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	require.Equal(t, 1, p.calls)
}

func TestMessagesFromTurnsRoundTrip(t *testing.T) {
	turns := []conversation.Turn{
		{Role: "user", Content: "check my calendar"},
		{Role: "assistant", Content: "checking", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "calendar_events", Args: json.RawMessage(`{}`)}}},
		{Role: "user", ToolResults: []conversation.ToolResult{{ToolUseID: "c1", Content: "2 events"}}},
		{Role: "assistant", Content: "You have 2 events."},
	}
	msgs := MessagesFromTurns(turns)
	require.Len(t, msgs, 4)
	require.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	require.Equal(t, "tool", msgs[2].Role)
	require.Equal(t, "c1", msgs[2].ToolID)
}

func TestDropTrailingOrphanToolTurns(t *testing.T) {
	msgs := []llm.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "ok"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "x"}}},
	}
	trimmed := DropTrailingOrphanToolTurns(msgs)
	require.Len(t, trimmed, 2)
	require.Equal(t, "ok", trimmed[1].Content)
}

func TestTrimToBudgetKeepsTail(t *testing.T) {
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'a'
	}
	msgs := []llm.Message{
		{Role: "user", Content: string(long)},
		{Role: "user", Content: string(long)},
		{Role: "user", Content: "latest"},
	}
	trimmed := TrimToBudget(msgs, 1100)
	require.Len(t, trimmed, 2)
	require.Equal(t, "latest", trimmed[1].Content)
}

func TestTurnsFromRoundTripSerialisable(t *testing.T) {
	tt := ToolTurnComplete{
		Assistant: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "calendar_events", Args: json.RawMessage(`{"day":"tomorrow"}`)}}},
		Results:   []ToolResult{{ID: "c1", Name: "calendar_events", Content: "2 events"}},
	}
	assistant, results := TurnsFromRoundTrip(tt)
	require.True(t, assistant.IsToolTurn())
	require.True(t, results.IsToolTurn())
	require.Equal(t, "c1", results.ToolResults[0].ToolUseID)
}
