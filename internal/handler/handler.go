// Package handler drives an inbound user message through the full pipeline
// of spec.md §2: allow-list, rate limit, session lock, memory injection,
// agentic loop, conversation persistence, and streamed delivery through the
// outbound queue. The chat transport itself stays an external collaborator;
// this is the core-side receive path it calls into, shaped after
// original_source/remy/bot/handlers.py.
package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/agent"
	"github.com/local/remy/internal/apperr"
	"github.com/local/remy/internal/config"
	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/llm"
	"github.com/local/remy/internal/memory/injector"
	"github.com/local/remy/internal/queue"
	"github.com/local/remy/internal/ratelimit"
	"github.com/local/remy/internal/router"
	"github.com/local/remy/internal/session"
)

const historyTurns = 20

// Handler processes inbound messages.
type Handler struct {
	Config       config.Config
	Sessions     *session.Manager
	Limiter      ratelimit.Limiter
	Conversation *conversation.Log
	Injector     *injector.Injector
	Loop         *agent.Loop
	Router       *router.Router
	Queue        *queue.Queue
	Transport    queue.Transport
	BasePrompt   string
	HistoryBudgetTokens int
	Log          zerolog.Logger
}

// HandleMessage runs one inbound message end to end. Messages from users not
// on the allow-list are logged and dropped with a validation error; nothing
// is sent back. Rate-limit and concurrency refusals are delivered to the
// user as plain messages without any provider call.
func (h *Handler) HandleMessage(ctx context.Context, userID int64, chatID string, text string) error {
	log := h.Log.With().Int64("user_id", userID).Logger()

	if !h.Config.IsAllowedUser(userID) {
		log.Warn().Msg("message from user not on allow-list dropped")
		return apperr.Validation("user not on allow-list")
	}
	if err := h.Limiter.AllowMessage(ctx, userID); err != nil {
		_, _ = h.Queue.Enqueue(ctx, chatID, refusalText(err), 0, "", 3)
		return err
	}
	release, err := h.Limiter.AcquireStream(userID)
	if err != nil {
		_, _ = h.Queue.Enqueue(ctx, chatID, refusalText(err), 0, "", 3)
		return err
	}
	defer release()

	unlock := h.Sessions.Lock(userID)
	defer unlock()
	h.Sessions.ClearCancel(userID)

	sessionKey := h.Sessions.SessionKey(userID)
	recent, err := h.Conversation.GetRecentTurns(ctx, userID, sessionKey, historyTurns)
	if err != nil {
		return err
	}
	messages := agent.DropTrailingOrphanToolTurns(agent.MessagesFromTurns(recent))
	messages = agent.TrimToBudget(messages, h.HistoryBudgetTokens)
	messages = append(messages, llm.Message{Role: "user", Content: text})

	systemPrompt, err := h.Injector.BuildSystemPrompt(ctx, userID, text, h.BasePrompt)
	if err != nil {
		log.Warn().Err(err).Msg("memory injection failed, using base prompt")
		systemPrompt = h.BasePrompt
	}

	placeholderID, err := h.Queue.Send(ctx, chatID, "…", 0, "Markdown")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := h.Conversation.AppendTurn(ctx, userID, sessionKey,
		conversation.Turn{Role: "user", Content: text, Timestamp: now}); err != nil {
		return err
	}

	finalText, toolTurns, loopErr := h.runLoop(ctx, userID, chatID, placeholderID, messages, systemPrompt)
	if loopErr != nil {
		// The primary (with its own retries) is down; restart on the router's
		// fallback chain with the full message list.
		log.Warn().Err(loopErr).Msg("agentic loop failed, restarting via router fallback")
		finalText, err = h.streamViaRouter(ctx, text, messages, userID, chatID, placeholderID, systemPrompt)
		if err != nil {
			_ = h.Transport.EditMessage(ctx, chatID, placeholderID,
				"Sorry — all models are unavailable right now. Please try again later.", "")
			return err
		}
		toolTurns = nil
	}

	for _, tt := range toolTurns {
		assistantTurn, resultTurn := agent.TurnsFromRoundTrip(tt)
		assistantTurn.Timestamp = now
		resultTurn.Timestamp = now
		if err := h.Conversation.AppendTurn(ctx, userID, sessionKey, assistantTurn); err != nil {
			return err
		}
		if err := h.Conversation.AppendTurn(ctx, userID, sessionKey, resultTurn); err != nil {
			return err
		}
	}
	if finalText != "" {
		if err := h.Conversation.AppendTurn(ctx, userID, sessionKey,
			conversation.Turn{Role: "assistant", Content: finalText, Timestamp: now}); err != nil {
			return err
		}
	}
	return nil
}

func refusalText(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	return "⛔ " + msg
}

func (h *Handler) runLoop(ctx context.Context, userID int64, chatID string, placeholderID int64, messages []llm.Message, system string) (string, []agent.ToolTurnComplete, error) {
	events := make(chan agent.Event, 64)
	var toolTurns []agent.ToolTurnComplete
	done := make(chan string, 1)
	go func() {
		done <- h.consumeEvents(ctx, userID, chatID, placeholderID, events, &toolTurns)
	}()
	_, err := h.Loop.Run(ctx, agent.Request{
		Messages: messages,
		System:   system,
		UserID:   userID,
	}, events)
	close(events)
	finalText := strings.TrimSpace(<-done)
	return finalText, toolTurns, err
}

// consumeEvents streams text into the placeholder message, showing tool
// activity while a round-trip runs and checking the cancel flag between
// chunks.
func (h *Handler) consumeEvents(ctx context.Context, userID int64, chatID string, messageID int64, events <-chan agent.Event, toolTurns *[]agent.ToolTurnComplete) string {
	var text strings.Builder
	lastEdit := time.Time{}
	inToolTurn := false
	cancelled := false

	for ev := range events {
		if cancelled {
			continue // drain without acting
		}
		if h.Sessions.IsCancelled(userID) {
			cancelled = true
			continue
		}
		switch e := ev.(type) {
		case agent.TextChunk:
			if inToolTurn {
				continue
			}
			text.WriteString(e.Text)
			if time.Since(lastEdit) >= 750*time.Millisecond {
				if err := h.Transport.EditMessage(ctx, chatID, messageID, text.String(), "Markdown"); err == nil {
					lastEdit = time.Now()
				}
			}
		case agent.ToolStatusChunk:
			inToolTurn = true
			_ = h.Transport.EditMessage(ctx, chatID, messageID, fmt.Sprintf("⚙️ Using %s…", e.Name), "Markdown")
		case agent.ToolTurnComplete:
			inToolTurn = false
			*toolTurns = append(*toolTurns, e)
			text.Reset()
		}
	}
	if text.Len() > 0 {
		_ = h.Transport.EditMessage(ctx, chatID, messageID, text.String(), "Markdown")
	}
	return text.String()
}

func (h *Handler) streamViaRouter(ctx context.Context, text string, messages []llm.Message, userID int64, chatID string, placeholderID int64, system string) (string, error) {
	chunks := make(chan string, 64)
	done := make(chan string, 1)
	go func() {
		var sb strings.Builder
		lastEdit := time.Time{}
		for c := range chunks {
			sb.WriteString(c)
			if time.Since(lastEdit) >= 750*time.Millisecond {
				if err := h.Transport.EditMessage(ctx, chatID, placeholderID, sb.String(), "Markdown"); err == nil {
					lastEdit = time.Now()
				}
			}
		}
		_ = h.Transport.EditMessage(ctx, chatID, placeholderID, sb.String(), "Markdown")
		done <- sb.String()
	}()
	err := h.Router.Stream(ctx, text, messages, userID, system, chunks)
	close(chunks)
	out := strings.TrimSpace(<-done)
	if err != nil {
		return "", err
	}
	return out, nil
}
