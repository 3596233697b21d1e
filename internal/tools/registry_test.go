package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/memory/knowledge"
	"github.com/local/remy/internal/plan"
	"github.com/local/remy/internal/scheduler"
	"github.com/local/remy/internal/store"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	db, err := store.Open(context.Background(), "file:"+t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dataDir := t.TempDir()
	conv, err := conversation.New(filepath.Join(dataDir, "sessions"))
	require.NoError(t, err)

	return Deps{
		Knowledge:    knowledge.New(db, nil, 0),
		Conversation: conv,
		Plans:        plan.NewStore(db),
		Automations:  scheduler.NewAutomationStore(db),
		Scheduler:    &scheduler.Handle{},
		DataDir:      dataDir,
		AllowedDirs:  []string{dataDir},
		Log:          zerolog.Nop(),
	}
}

func newTestRegistry(t *testing.T) *Registry {
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, testDeps(t))
	return r
}

func TestSchemasCoverRoster(t *testing.T) {
	r := newTestRegistry(t)
	schemas := r.Schemas()
	byName := map[string]bool{}
	for _, s := range schemas {
		byName[s.Name] = true
		require.NotEmpty(t, s.Description, "tool %s needs a description", s.Name)
		require.Equal(t, "object", s.Parameters["type"])
	}
	for _, name := range []string{
		"get_current_time", "get_facts", "get_goals", "manage_memory", "manage_goal",
		"get_memory_summary", "grocery_list", "calendar_events", "create_calendar_event",
		"read_emails", "search_mail", "read_email", "create_email_draft",
		"search_contacts", "upcoming_birthdays",
		"read_file", "write_file", "list_directory", "find_files",
		"web_search", "price_check",
		"schedule_reminder", "list_reminders", "remove_reminder", "set_one_time_reminder",
		"create_plan", "get_plan", "list_plans", "update_plan_step", "update_plan_status",
		"compact_conversation", "delete_conversation", "end_session",
		"check_status", "get_logs",
	} {
		require.True(t, byName[name], "missing tool %s", name)
	}
}

func TestDispatchUnknownToolReturnsErrorString(t *testing.T) {
	r := newTestRegistry(t)
	out := r.Dispatch(context.Background(), "no_such_tool", nil, 1, 1)
	require.Equal(t, "Tool no_such_tool encountered an error: unknown tool", out)
}

func TestDispatchCapturesExecutorError(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(Definition{
		Name:       "boom",
		Parameters: objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			return "", errors.New("kaput")
		},
	})
	out := r.Dispatch(context.Background(), "boom", nil, 1, 1)
	require.Equal(t, "Tool boom encountered an error: kaput", out)
}

func TestDispatchCapturesPanic(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(Definition{
		Name:       "explode",
		Parameters: objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			panic("boom")
		},
	})
	out := r.Dispatch(context.Background(), "explode", nil, 1, 1)
	require.Contains(t, out, "Tool explode encountered an error")
}

func TestManageMemoryAddAndDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	out := r.Dispatch(ctx, "manage_memory", json.RawMessage(`{"action":"add","content":"Lives in Sydney","category":"location"}`), 1, 0)
	require.Contains(t, out, "Remembered")

	out = r.Dispatch(ctx, "get_facts", json.RawMessage(`{}`), 1, 0)
	require.Contains(t, out, "Lives in Sydney")
	require.Contains(t, out, "location")

	// Extract the ID from the listing format "[ID:<n>]".
	var id int64
	_, err := fmt.Sscanf(out[len("Known facts (1):\n• [ID:"):], "%d", &id)
	require.NoError(t, err)

	out = r.Dispatch(ctx, "manage_memory", json.RawMessage(fmt.Sprintf(`{"action":"delete","id":%d}`, id)), 1, 0)
	require.Contains(t, out, "forgotten")
}

func TestGroceryListLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	out := r.Dispatch(ctx, "grocery_list", json.RawMessage(`{"action":"add","items":"milk, eggs"}`), 1, 0)
	require.Contains(t, out, "milk")
	require.Contains(t, out, "eggs")

	out = r.Dispatch(ctx, "grocery_list", json.RawMessage(`{"action":"show"}`), 1, 0)
	require.Contains(t, out, "milk")

	out = r.Dispatch(ctx, "grocery_list", json.RawMessage(`{"action":"remove","items":"milk"}`), 1, 0)
	require.Contains(t, out, "Removed 1")

	out = r.Dispatch(ctx, "grocery_list", json.RawMessage(`{"action":"clear"}`), 1, 0)
	require.Contains(t, out, "cleared")
}

func TestFileToolsRejectTraversal(t *testing.T) {
	r := newTestRegistry(t)
	out := r.Dispatch(context.Background(), "read_file", json.RawMessage(`{"path":"/etc/passwd"}`), 1, 0)
	require.Contains(t, out, "encountered an error")
	require.Contains(t, out, "outside the allowed directories")
}

func TestFileToolsReadEscapesTags(t *testing.T) {
	deps := testDeps(t)
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, deps)

	path := filepath.Join(deps.DataDir, "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("see <script>alert(1)</script> and <memory>"), 0o644))

	out := r.Dispatch(context.Background(), "read_file", json.RawMessage(`{"path":"`+path+`"}`), 1, 0)
	require.Contains(t, out, "&lt;script&gt;")
	require.Contains(t, out, "<memory>", "allowed memory tag must survive")
}

func TestFileWriteThenRead(t *testing.T) {
	deps := testDeps(t)
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, deps)
	ctx := context.Background()

	path := filepath.Join(deps.DataDir, "todo.txt")
	out := r.Dispatch(ctx, "write_file", json.RawMessage(`{"path":"`+path+`","content":"buy stamps"}`), 1, 0)
	require.Contains(t, out, "Wrote")

	out = r.Dispatch(ctx, "read_file", json.RawMessage(`{"path":"`+path+`"}`), 1, 0)
	require.Equal(t, "buy stamps", out)
}

func TestCalendarCreateAndList(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	start := time.Now().Add(24 * time.Hour).Format("2006-01-02 15:04")
	out := r.Dispatch(ctx, "create_calendar_event", json.RawMessage(`{"title":"Dentist","start":"`+start+`"}`), 1, 0)
	require.Contains(t, out, "Event created")

	out = r.Dispatch(ctx, "calendar_events", json.RawMessage(`{}`), 1, 0)
	require.Contains(t, out, "Dentist")
}

func TestScheduleReminderPersistsAutomation(t *testing.T) {
	deps := testDeps(t)
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, deps)
	ctx := context.Background()

	out := r.Dispatch(ctx, "schedule_reminder", json.RawMessage(`{"label":"pay rent","frequency":"daily","time":"09:00"}`), 1, 0)
	require.Contains(t, out, "Reminder set")
	require.Contains(t, out, "every day at 09:00")

	rows, err := deps.Automations.GetAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "0 9 * * *", rows[0].Cron)

	out = r.Dispatch(ctx, "list_reminders", json.RawMessage(`{}`), 1, 0)
	require.Contains(t, out, "pay rent")
}

func TestPlanToolsLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	out := r.Dispatch(ctx, "create_plan", json.RawMessage(`{"title":"move house","steps":["book movers","pack"]}`), 1, 0)
	require.Contains(t, out, "move house")
	require.Contains(t, out, "book movers")

	out = r.Dispatch(ctx, "list_plans", json.RawMessage(`{"status":"active"}`), 1, 0)
	require.Contains(t, out, "move house")
}

func TestCheckStatusReportsProvidersAndQueue(t *testing.T) {
	deps := testDeps(t)
	deps.ProviderStatus = func(ctx context.Context) map[string]string {
		return map[string]string{"anthropic": "ok", "ollama": "unreachable: connection refused"}
	}
	deps.QueueDepth = func(ctx context.Context) (int, int, error) { return 2, 1, nil }
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, deps)

	out := r.Dispatch(context.Background(), "check_status", json.RawMessage(`{}`), 1, 0)
	require.Contains(t, out, "provider anthropic: ok")
	require.Contains(t, out, "provider ollama: unreachable")
	require.Contains(t, out, "2 pending, 1 failed")
}

func TestCheckStatusUnconfigured(t *testing.T) {
	r := newTestRegistry(t)
	out := r.Dispatch(context.Background(), "check_status", json.RawMessage(`{}`), 1, 0)
	require.Equal(t, "Status checks not configured.", out)
}

func TestGetLogsTailAndErrors(t *testing.T) {
	deps := testDeps(t)
	logsDir := filepath.Join(deps.DataDir, "logs")
	require.NoError(t, os.MkdirAll(logsDir, 0o755))
	content := "info: started\nwarn: slow embed\nerror: anthropic stream: 529\ninfo: recovered\n"
	require.NoError(t, os.WriteFile(filepath.Join(logsDir, "remy.log"), []byte(content), 0o644))

	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, deps)
	ctx := context.Background()

	out := r.Dispatch(ctx, "get_logs", json.RawMessage(`{"mode":"tail","lines":2}`), 1, 0)
	require.Contains(t, out, "recovered")
	require.NotContains(t, out, "started")

	out = r.Dispatch(ctx, "get_logs", json.RawMessage(`{"mode":"errors"}`), 1, 0)
	require.Contains(t, out, "529")
	require.NotContains(t, out, "slow embed")

	out = r.Dispatch(ctx, "get_logs", json.RawMessage(`{}`), 1, 0)
	require.Contains(t, out, "1 warnings, 1 errors")
}

func TestGetLogsWithoutLogDir(t *testing.T) {
	r := newTestRegistry(t)
	out := r.Dispatch(context.Background(), "get_logs", json.RawMessage(`{}`), 1, 0)
	require.Equal(t, "No log files found.", out)
}

func TestCompactConversationTool(t *testing.T) {
	deps := testDeps(t)
	r := NewRegistry(zerolog.Nop())
	RegisterBuiltins(r, deps)
	ctx := context.Background()

	key := conversation.SessionKeyForUserDay(1, time.Now())
	require.NoError(t, deps.Conversation.AppendTurn(ctx, 1, key, conversation.Turn{Role: "user", Content: "hello", Timestamp: time.Now()}))

	out := r.Dispatch(ctx, "compact_conversation", json.RawMessage(`{}`), 1, 0)
	require.Contains(t, out, "Compacted 1 turns")

	turns, err := deps.Conversation.GetRecentTurns(ctx, 1, key, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Contains(t, turns[0].Content, conversation.CompactedPrefix)
}
