package llm

import (
	"context"
	"strings"
)

// Complete drives a provider stream to completion and returns the full text,
// for non-interactive callers (classifier one-shot calls, summarization, plan
// generation) that have no use for deltas.
func Complete(ctx context.Context, p Provider, msgs []Message, system, model string) (string, Usage, error) {
	events := make(chan StreamEvent, 16)
	done := make(chan struct{})
	var sb strings.Builder
	go func() {
		defer close(done)
		for ev := range events {
			if ev.TextDelta != "" {
				sb.WriteString(ev.TextDelta)
			}
		}
	}()
	res, err := p.Stream(ctx, msgs, system, nil, model, events)
	close(events)
	<-done
	if err != nil {
		return "", Usage{}, err
	}
	if res.Message.Content != "" {
		return res.Message.Content, res.Usage, nil
	}
	return sb.String(), res.Usage, nil
}
