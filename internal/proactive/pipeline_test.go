package proactive

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/agent"
	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/llm"
	"github.com/local/remy/internal/memory/injector"
	"github.com/local/remy/internal/memory/knowledge"
	"github.com/local/remy/internal/queue"
	"github.com/local/remy/internal/scheduler"
	"github.com/local/remy/internal/session"
	"github.com/local/remy/internal/store"
	"github.com/local/remy/internal/tools"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends []string
	edits []string
}

func (f *fakeTransport) SendMessage(ctx context.Context, chatID, text string, replyTo int64, parseMode string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return int64(len(f.sends)), nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, chatID string, messageID int64, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

// scriptedProvider first asks for one reminder tool call, then closes with
// text.
type scriptedProvider struct {
	calls int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, msgs []llm.Message, system string, schemas []llm.ToolSchema, model string, events chan<- llm.StreamEvent) (llm.StreamResult, error) {
	p.calls++
	if p.calls == 1 {
		events <- llm.StreamEvent{ToolStarted: &llm.ToolCall{ID: "c1", Name: "set_one_time_reminder"}}
		return llm.StreamResult{
			Message: llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{
				{ID: "c1", Name: "set_one_time_reminder", Args: json.RawMessage(`{}`)},
			}},
			StopReason: "tool_use",
			Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}
	text := "Rent reminder handled — follow-up scheduled."
	events <- llm.StreamEvent{TextDelta: text}
	return llm.StreamResult{
		Message:    llm.Message{Role: "assistant", Content: text},
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 12, OutputTokens: 8},
	}, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeTransport, *conversation.Log, *scheduler.AutomationStore) {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "file:"+t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conv, err := conversation.New(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)

	know := knowledge.New(db, nil, 0)
	autos := scheduler.NewAutomationStore(db)
	tr := &fakeTransport{}
	q := queue.New(db, tr, time.Second, nil, zerolog.Nop())

	reg := tools.NewRegistry(zerolog.Nop())
	reg.Register(tools.Definition{
		Name:        "set_one_time_reminder",
		Description: "canned",
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			return "✅ One-time reminder set (ID 1)", nil
		},
	})

	p := &Pipeline{
		Sessions:     session.NewManager(),
		Conversation: conv,
		Injector:     injector.New(know, nil),
		Loop:         &agent.Loop{Provider: &scriptedProvider{}, Registry: reg, Log: zerolog.Nop()},
		Queue:        q,
		Transport:    tr,
		Automations:  autos,
		BasePrompt:   "You are a helpful assistant.",
		Log:          zerolog.Nop(),
	}
	return p, tr, conv, autos
}

func TestFirePersistsTriggerToolTurnsAndFinalText(t *testing.T) {
	p, tr, conv, autos := newTestPipeline(t)
	ctx := context.Background()

	id, err := autos.Add(ctx, 1, "pay rent", "0 9 * * *", "")
	require.NoError(t, err)

	p.Fire(ctx, scheduler.Automation{ID: id, UserID: 1, Label: "pay rent", Cron: "0 9 * * *"})

	// Placeholder went out through the queue, then got edited.
	require.NotEmpty(t, tr.sends)
	require.Equal(t, "⏰ …", tr.sends[0])
	require.NotEmpty(t, tr.edits)
	require.Contains(t, strings.Join(tr.edits, "\n"), "⚙️ Using set_one_time_reminder…")
	require.Contains(t, tr.edits[len(tr.edits)-1], "Rent reminder handled")

	// Session log: trigger turn, <TOOLS> assistant, <TOOLS> user, final text.
	key := conversation.SessionKeyForUserDay(1, time.Now())
	turns, err := conv.GetRecentTurns(ctx, 1, key, 0)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	require.Equal(t, "[Reminder] pay rent", turns[0].Content)
	require.True(t, turns[1].IsToolTurn())
	require.Len(t, turns[1].ToolCalls, 1)
	require.True(t, turns[2].IsToolTurn())
	require.Equal(t, "c1", turns[2].ToolResults[0].ToolUseID)
	require.Equal(t, "Rent reminder handled — follow-up scheduled.", turns[3].Content)

	// last_run_at moved only after persistence.
	rows, err := autos.GetAll(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, rows[0].LastRunAt)
}

func TestReminderSystemPromptContainsPreamble(t *testing.T) {
	got := reminderSystemPrompt("BASE", "<memory></memory>", "water plants")
	require.Contains(t, got, "BASE")
	require.Contains(t, got, "<memory></memory>")
	require.Contains(t, got, "woken up by a scheduled reminder")
	require.Contains(t, got, `"water plants"`)
}
