// Package proactive bridges scheduler fires into the agentic loop so a
// trigger behaves exactly like a user message (component K). Grounded on
// original_source/remy/bot/pipeline.py's run_proactive_trigger: history
// load, orphan-drop, budget trim, synthetic "[Reminder]" turn, placeholder
// edit streaming, and sentinel-serialised persistence of tool round-trips.
package proactive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/agent"
	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/llm"
	"github.com/local/remy/internal/memory/injector"
	"github.com/local/remy/internal/queue"
	"github.com/local/remy/internal/scheduler"
	"github.com/local/remy/internal/session"
)

const (
	historyTurns = 20
	// editInterval batches streamed deltas into placeholder edits so the
	// transport is not hammered once per token.
	editInterval = 750 * time.Millisecond
)

// Pipeline runs scheduler triggers through the full agentic loop and
// delivers the result via the outbound queue.
type Pipeline struct {
	Sessions     *session.Manager
	Conversation *conversation.Log
	Injector     *injector.Injector
	Loop         *agent.Loop
	Queue        *queue.Queue
	Transport    queue.Transport
	Automations  *scheduler.AutomationStore
	BasePrompt   string
	// ChatIDFor maps a user to their chat; for this single-tenant assistant
	// the chat id is the user id unless the transport says otherwise.
	ChatIDFor func(userID int64) string
	// HistoryBudgetTokens trims loaded history before the loop runs.
	HistoryBudgetTokens int
	Log                 zerolog.Logger
}

func (p *Pipeline) chatID(userID int64) string {
	if p.ChatIDFor != nil {
		return p.ChatIDFor(userID)
	}
	return fmt.Sprintf("%d", userID)
}

// reminderSystemPrompt augments the persona + memory block with the
// reminder-trigger preamble: the model is acting proactively and must reason
// about the reminder, not echo it.
func reminderSystemPrompt(base, memoryBlock, label string) string {
	var b strings.Builder
	b.WriteString(base)
	if memoryBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(memoryBlock)
	}
	b.WriteString("\n\n---\n")
	b.WriteString("REMINDER TRIGGER: You have been woken up by a scheduled reminder the user set.\n")
	fmt.Fprintf(&b, "Reminder: %q\n\n", label)
	b.WriteString("You are initiating this conversation proactively — the user did not just send a message. " +
		"Reason about what this reminder means and take the most helpful action. " +
		"Do NOT just echo the reminder label back.\n" +
		"Use tools if appropriate. Be concise and action-oriented.")
	return b.String()
}

// Fire is the scheduler's FireFunc: it runs one trigger end to end.
func (p *Pipeline) Fire(ctx context.Context, a scheduler.Automation) {
	log := p.Log.With().Int64("user_id", a.UserID).Str("label", a.Label).Logger()

	unlock := p.Sessions.Lock(a.UserID)
	defer unlock()

	sessionKey := p.Sessions.SessionKey(a.UserID)

	// 1-3. Load, orphan-drop, trim.
	recent, err := p.Conversation.GetRecentTurns(ctx, a.UserID, sessionKey, historyTurns)
	if err != nil {
		log.Error().Err(err).Msg("proactive: history load failed")
		return
	}
	messages := agent.DropTrailingOrphanToolTurns(agent.MessagesFromTurns(recent))
	messages = agent.TrimToBudget(messages, p.HistoryBudgetTokens)

	// 4. Synthetic trigger turn.
	triggerText := fmt.Sprintf("[Reminder] %s", a.Label)
	messages = append(messages, llm.Message{Role: "user", Content: triggerText})

	// 5. Augmented system prompt.
	memoryBlock, err := p.Injector.BuildContext(ctx, a.UserID, triggerText)
	if err != nil {
		log.Warn().Err(err).Msg("proactive: memory injection failed, continuing without")
		memoryBlock = ""
	}
	systemPrompt := reminderSystemPrompt(p.BasePrompt, memoryBlock, a.Label)

	// 6. Placeholder through the write-ahead queue, keeping the handle.
	chatID := p.chatID(a.UserID)
	placeholderID, err := p.Queue.Send(ctx, chatID, "⏰ …", 0, "Markdown")
	if err != nil {
		log.Error().Err(err).Msg("proactive: placeholder send failed")
		return
	}

	// 7. Agentic loop with streaming edits into the placeholder.
	events := make(chan agent.Event, 64)
	var toolTurns []agent.ToolTurnComplete
	streamDone := make(chan string, 1)
	go func() {
		streamDone <- p.streamIntoPlaceholder(ctx, chatID, placeholderID, events, &toolTurns)
	}()

	_, err = p.Loop.Run(ctx, agent.Request{
		Messages: messages,
		System:   systemPrompt,
		UserID:   a.UserID,
		ChatID:   a.UserID,
	}, events)
	close(events)
	finalText := strings.TrimSpace(<-streamDone)

	if err != nil {
		log.Error().Err(err).Msg("proactive: stream failed")
		_ = p.Transport.EditMessage(ctx, chatID, placeholderID,
			fmt.Sprintf("⏰ Reminder: %s\n\n(Error generating response.)", a.Label), "")
		return
	}

	// 8. Persist: trigger turn, tool round-trips, final text.
	now := time.Now().UTC()
	if err := p.Conversation.AppendTurn(ctx, a.UserID, sessionKey,
		conversation.Turn{Role: "user", Content: triggerText, Timestamp: now}); err != nil {
		log.Error().Err(err).Msg("proactive: persist trigger turn failed")
		return
	}
	for _, tt := range toolTurns {
		assistantTurn, resultTurn := agent.TurnsFromRoundTrip(tt)
		assistantTurn.Timestamp = now
		resultTurn.Timestamp = now
		if err := p.Conversation.AppendTurn(ctx, a.UserID, sessionKey, assistantTurn); err != nil {
			log.Error().Err(err).Msg("proactive: persist tool turn failed")
			return
		}
		if err := p.Conversation.AppendTurn(ctx, a.UserID, sessionKey, resultTurn); err != nil {
			log.Error().Err(err).Msg("proactive: persist tool result turn failed")
			return
		}
	}
	if finalText != "" {
		if err := p.Conversation.AppendTurn(ctx, a.UserID, sessionKey,
			conversation.Turn{Role: "assistant", Content: finalText, Timestamp: now}); err != nil {
			log.Error().Err(err).Msg("proactive: persist assistant turn failed")
			return
		}
	}

	// last_run_at only moves once persistence succeeded (idempotence rule).
	if a.ID > 0 {
		if err := p.Automations.MarkRan(ctx, a.ID, now); err != nil {
			log.Warn().Err(err).Msg("proactive: mark ran failed")
		}
	}

	log.Info().Int("tool_turns", len(toolTurns)).Int("response_len", len(finalText)).Msg("proactive trigger complete")
}

// streamIntoPlaceholder consumes loop events, editing the placeholder with
// accumulated text on an interval, and "⚙️ Using <tool>…" while a tool runs.
// It records completed round-trips into toolTurns (read by the caller only
// after this returns) and returns the final accumulated text once the
// channel closes.
func (p *Pipeline) streamIntoPlaceholder(ctx context.Context, chatID string, messageID int64, events <-chan agent.Event, toolTurns *[]agent.ToolTurnComplete) string {
	var text strings.Builder
	lastEdit := time.Time{}
	inToolTurn := false

	flush := func(force bool) {
		if text.Len() == 0 || inToolTurn {
			return
		}
		if !force && time.Since(lastEdit) < editInterval {
			return
		}
		if err := p.Transport.EditMessage(ctx, chatID, messageID, text.String(), "Markdown"); err == nil {
			lastEdit = time.Now()
		}
	}

	for ev := range events {
		switch e := ev.(type) {
		case agent.TextChunk:
			if !inToolTurn {
				text.WriteString(e.Text)
				flush(false)
			}
		case agent.ToolStatusChunk:
			inToolTurn = true
			_ = p.Transport.EditMessage(ctx, chatID, messageID, fmt.Sprintf("⚙️ Using %s…", e.Name), "Markdown")
		case agent.ToolTurnComplete:
			inToolTurn = false
			*toolTurns = append(*toolTurns, e)
			// The final text response starts fresh after a tool round.
			text.Reset()
		}
	}
	flush(true)
	return text.String()
}
