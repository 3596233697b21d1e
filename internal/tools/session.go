package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/local/remy/internal/conversation"
)

// Session control tool executors: compaction and deletion of today's
// conversation log (spec.md §4.E's "control operation" effect class).

func registerSessionTools(r *Registry, deps Deps) {
	log := deps.Conversation

	r.Register(Definition{
		Name:        "compact_conversation",
		Description: "Summarise and compact today's conversation history to free up context.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			key := conversation.SessionKeyForUserDay(userID, time.Now())
			turns, err := log.GetRecentTurns(ctx, userID, key, 0)
			if err != nil {
				return "", err
			}
			if len(turns) == 0 {
				return "Nothing to compact — today's session is empty.", nil
			}
			summary, err := summarizeTurns(ctx, deps, turns)
			if err != nil {
				return "", err
			}
			if err := log.Compact(ctx, userID, key, summary); err != nil {
				return "", err
			}
			return fmt.Sprintf("✅ Compacted %d turns into a summary.", len(turns)), nil
		},
	})

	r.Register(Definition{
		Name:        "delete_conversation",
		Description: "Delete today's conversation history entirely.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			key := conversation.SessionKeyForUserDay(userID, time.Now())
			if err := log.Delete(ctx, userID, key); err != nil {
				return "", err
			}
			return "✅ Today's conversation history deleted.", nil
		},
	})

	r.Register(Definition{
		Name:        "end_session",
		Description: "Wrap up the current session: compact history and say goodbye.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			key := conversation.SessionKeyForUserDay(userID, time.Now())
			turns, err := log.GetRecentTurns(ctx, userID, key, 0)
			if err != nil {
				return "", err
			}
			if len(turns) > 0 {
				summary, err := summarizeTurns(ctx, deps, turns)
				if err == nil {
					_ = log.Compact(ctx, userID, key, summary)
				}
			}
			return "Session wrapped up. Talk soon!", nil
		},
	})
}

// summarizeTurns delegates to the injected Summarize hook, falling back to a
// mechanical recap when none is wired (e.g. in tests).
func summarizeTurns(ctx context.Context, deps Deps, turns []conversation.Turn) (string, error) {
	if deps.Summarize != nil {
		return deps.Summarize(ctx, turns)
	}
	var lines []string
	for _, t := range turns {
		if t.IsToolTurn() || strings.TrimSpace(t.Content) == "" {
			continue
		}
		line := t.Role + ": " + t.Content
		if len(line) > 120 {
			line = line[:120] + "…"
		}
		lines = append(lines, line)
		if len(lines) >= 10 {
			break
		}
	}
	return strings.Join(lines, "\n"), nil
}
