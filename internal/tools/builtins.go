package tools

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/local/remy/internal/conversation"
	"github.com/local/remy/internal/memory/knowledge"
	"github.com/local/remy/internal/plan"
	"github.com/local/remy/internal/scheduler"
)

// Deps carries every collaborator the built-in executors reach. Scheduler is
// a late-binding handle because the registry is constructed before the
// scheduler exists (spec.md §9); executors dereference it at call time.
type Deps struct {
	Knowledge    *knowledge.Store
	Conversation *conversation.Log
	Plans        *plan.Store
	Automations  *scheduler.AutomationStore
	Scheduler    *scheduler.Handle
	Web          *WebClient

	// ProviderStatus reports each provider's reachability for check_status;
	// nil means provider checks are unavailable.
	ProviderStatus func(ctx context.Context) map[string]string
	// QueueDepth reports outbound-queue pending/failed counts for
	// check_status; nil means queue depth is unavailable.
	QueueDepth func(ctx context.Context) (pending, failed int, err error)

	// GenerateSteps produces a step breakdown for create_plan; nil means
	// plans get a single step per goal.
	GenerateSteps func(ctx context.Context, goal string) []string
	// Summarize condenses a session's turns for compact_conversation; nil
	// falls back to a mechanical summary.
	Summarize func(ctx context.Context, turns []conversation.Turn) (string, error)

	DataDir     string
	AllowedDirs []string
	Timezone    *time.Location

	Log zerolog.Logger
}

func (d Deps) loc() *time.Location {
	if d.Timezone != nil {
		return d.Timezone
	}
	return time.UTC
}

// RegisterBuiltins wires the full executor roster into r.
func RegisterBuiltins(r *Registry, deps Deps) {
	registerTimeTools(r, deps)
	registerMemoryTools(r, deps)
	registerCalendarTools(r, deps)
	registerEmailTools(r, deps)
	registerContactTools(r, deps)
	registerFileTools(r, deps)
	registerWebTools(r, deps)
	registerAutomationTools(r, deps)
	registerPlanTools(r, deps)
	registerSessionTools(r, deps)
	registerDiagnosticsTools(r, deps)
}

func registerTimeTools(r *Registry, deps Deps) {
	r.Register(Definition{
		Name:        "get_current_time",
		Description: "Get the current date and time in the configured local timezone.",
		Parameters:  objSchema(map[string]any{}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			now := time.Now().In(deps.loc())
			return now.Format("Monday, 2 January 2006 15:04 (MST)"), nil
		},
	})
}
