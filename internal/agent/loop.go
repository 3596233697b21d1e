// Package agent implements the agentic tool-use loop (component H): bounded
// iteration of model-call -> tool-call -> feed-back, emitting a tagged event
// stream so the transport can update the UI in real time. The loop shape is
// grounded on manifold/internal/agent/engine.go's runStreamLoop, with two
// structural changes recorded in DESIGN.md: the callback fields are replaced
// by the Event sum type, and tool dispatch is strictly sequential in the
// provider's declared order.
package agent

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/llm"
	"github.com/local/remy/internal/tools"
)

const defaultMaxToolIterations = 5

// Loop drives tool-augmented streaming conversations against the primary
// provider.
type Loop struct {
	Provider      llm.Provider
	Registry      *tools.Registry
	MaxIterations int
	Retry         llm.RetryPolicy
	Log           zerolog.Logger
}

// Request is one loop invocation.
type Request struct {
	Messages []llm.Message
	System   string
	Model    string
	UserID   int64
	ChatID   int64
}

func (l *Loop) maxIterations() int {
	if l.MaxIterations <= 0 {
		return defaultMaxToolIterations
	}
	return l.MaxIterations
}

// Run executes the loop, sending events on events until it returns. The
// caller owns events and must drain it concurrently; Run never closes it.
// The returned usage is the additive accumulation across all iterations.
func (l *Loop) Run(ctx context.Context, req Request, events chan<- Event) (llm.Usage, error) {
	working := make([]llm.Message, len(req.Messages))
	copy(working, req.Messages)

	var accumulated llm.Usage
	schemas := l.Registry.Schemas()

	for iteration := 1; iteration <= l.maxIterations(); iteration++ {
		l.Log.Debug().
			Int("iteration", iteration).
			Int("max", l.maxIterations()).
			Int("messages", len(working)).
			Msg("agentic loop iteration")

		snapshot, err := l.streamIteration(ctx, working, req.System, req.Model, schemas, events)
		if err != nil {
			return accumulated, err
		}
		accumulated = accumulated.Add(snapshot.Usage)

		toolCalls := snapshot.Message.ToolCalls
		if snapshot.StopReason != "tool_use" || len(toolCalls) == 0 {
			return accumulated, nil
		}

		// Execute tool calls sequentially in the provider's declared order.
		// Dispatch errors never retry: they surface to the model as the
		// tool's result string.
		results := make([]ToolResult, 0, len(toolCalls))
		for _, tc := range toolCalls {
			l.Log.Info().
				Str("tool", tc.Name).
				Str("tool_use_id", tc.ID).
				Int64("user_id", req.UserID).
				Msg("executing tool")
			result := l.Registry.Dispatch(ctx, tc.Name, tc.Args, req.UserID, req.ChatID)
			send(ctx, events, ToolResultChunk{Name: tc.Name, ID: tc.ID, Result: result})
			results = append(results, ToolResult{ID: tc.ID, Name: tc.Name, Content: result})
		}

		send(ctx, events, ToolTurnComplete{Assistant: snapshot.Message, Results: results})

		working = append(working, snapshot.Message)
		for _, res := range results {
			working = append(working, llm.Message{Role: "tool", ToolID: res.ID, Content: res.Content})
		}
	}

	l.Log.Warn().
		Int("max_iterations", l.maxIterations()).
		Int64("user_id", req.UserID).
		Msg("agentic loop hit iteration ceiling")
	return accumulated, nil
}

// streamIteration opens one streaming call with retry. Retry applies only to
// initiation: once any event has been forwarded the state machine has
// advanced and the error propagates instead (spec.md §4.H).
func (l *Loop) streamIteration(ctx context.Context, msgs []llm.Message, system, model string, schemas []llm.ToolSchema, events chan<- Event) (llm.StreamResult, error) {
	var snapshot llm.StreamResult
	err := l.Retry.Retry(ctx, l.Log, func() (bool, error) {
		raw := make(chan llm.StreamEvent, 16)
		forwarded := false
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range raw {
				switch {
				case ev.TextDelta != "":
					forwarded = true
					send(ctx, events, TextChunk{Text: ev.TextDelta})
				case ev.ToolStarted != nil:
					forwarded = true
					send(ctx, events, ToolStatusChunk{Name: ev.ToolStarted.Name, ID: ev.ToolStarted.ID})
				case ev.ToolFinished != nil:
					// Arguments complete; the snapshot carries them.
				}
			}
		}()
		res, err := l.Provider.Stream(ctx, msgs, system, schemas, model, raw)
		close(raw)
		<-done
		if err != nil {
			return forwarded, err
		}
		snapshot = res
		return true, nil
	})
	return snapshot, err
}

func send(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// PreviewInput renders a compact preview of tool arguments for status
// display.
func PreviewInput(args json.RawMessage, max int) string {
	if len(args) == 0 {
		return ""
	}
	s := string(args)
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
