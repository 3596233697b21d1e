package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/local/remy/internal/plan"
)

// Plan tool executors over the plan store (spec.md §3 Plan/PlanStep/Attempt).

var stepStatuses = map[string]bool{
	plan.StepPending: true, plan.StepInProgress: true, plan.StepDone: true,
	plan.StepSkipped: true, plan.StepBlocked: true,
}

var planStatuses = map[string]bool{
	plan.StatusActive: true, plan.StatusComplete: true, plan.StatusAbandoned: true,
}

func formatPlan(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %d: %s [%s]", p.ID, p.Title, p.Status)
	if p.Description != "" {
		fmt.Fprintf(&b, "\n%s", p.Description)
	}
	for _, st := range p.Steps {
		fmt.Fprintf(&b, "\n  %d. [%s] %s (step ID %d)", st.Position, st.Status, st.Title, st.ID)
		if st.Notes != "" {
			fmt.Fprintf(&b, " — %s", st.Notes)
		}
	}
	return b.String()
}

func registerPlanTools(r *Registry, deps Deps) {
	plans := deps.Plans

	r.Register(Definition{
		Name:        "create_plan",
		Description: "Create a multi-step plan for a goal. Steps are generated automatically unless provided.",
		Parameters: objSchema(map[string]any{
			"title":       prop("string", "Plan title / goal."),
			"description": prop("string", "Optional longer description."),
			"steps":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Optional explicit step titles."},
		}, "title"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			title := strings.TrimSpace(strInput(input, "title"))
			if title == "" {
				return "Please provide a plan title.", nil
			}
			var steps []string
			if raw, ok := input["steps"].([]any); ok {
				for _, s := range raw {
					if str, ok := s.(string); ok && strings.TrimSpace(str) != "" {
						steps = append(steps, strings.TrimSpace(str))
					}
				}
			}
			if len(steps) == 0 {
				if deps.GenerateSteps != nil {
					steps = deps.GenerateSteps(ctx, title)
				} else {
					steps = []string{title}
				}
			}
			id, err := plans.Create(ctx, userID, title, strInput(input, "description"), steps)
			if err != nil {
				return "", err
			}
			p, err := plans.Get(ctx, userID, id)
			if err != nil {
				return "", err
			}
			return "✅ " + formatPlan(p), nil
		},
	})

	r.Register(Definition{
		Name:        "get_plan",
		Description: "Show a plan with its steps by plan ID.",
		Parameters: objSchema(map[string]any{
			"id": prop("integer", "Plan ID."),
		}, "id"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			id := intInput(input, "id")
			p, err := plans.Get(ctx, userID, id)
			if err != nil {
				return "", err
			}
			if p == nil {
				return fmt.Sprintf("No plan with ID %d.", id), nil
			}
			return formatPlan(p), nil
		},
	})

	r.Register(Definition{
		Name:        "list_plans",
		Description: "List plans, optionally filtered by status (active/complete/abandoned).",
		Parameters: objSchema(map[string]any{
			"status": enumProp("Optional status filter.", plan.StatusActive, plan.StatusComplete, plan.StatusAbandoned),
		}),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			status := strInput(input, "status")
			if status != "" && !planStatuses[status] {
				return fmt.Sprintf("Unknown status %q.", status), nil
			}
			list, err := plans.List(ctx, userID, status)
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return "No plans found.", nil
			}
			var lines []string
			for _, p := range list {
				lines = append(lines, fmt.Sprintf("• [ID %d] %s (%s)", p.ID, p.Title, p.Status))
			}
			return strings.Join(lines, "\n"), nil
		},
	})

	r.Register(Definition{
		Name:        "update_plan_step",
		Description: "Update a plan step's status, recording an attempt.",
		Parameters: objSchema(map[string]any{
			"step_id": prop("integer", "Step ID from get_plan."),
			"status":  enumProp("New status.", plan.StepPending, plan.StepInProgress, plan.StepDone, plan.StepSkipped, plan.StepBlocked),
			"notes":   prop("string", "Optional notes about the attempt."),
		}, "step_id", "status"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			stepID := intInput(input, "step_id")
			status := strInput(input, "status")
			if !stepStatuses[status] {
				return fmt.Sprintf("Unknown step status %q.", status), nil
			}
			ok, err := plans.UpdateStepStatus(ctx, userID, stepID, status, strInput(input, "notes"))
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("No step with ID %d.", stepID), nil
			}
			return fmt.Sprintf("✅ Step %d marked %s.", stepID, status), nil
		},
	})

	r.Register(Definition{
		Name:        "update_plan_status",
		Description: "Mark a whole plan active, complete, or abandoned.",
		Parameters: objSchema(map[string]any{
			"id":     prop("integer", "Plan ID."),
			"status": enumProp("New status.", plan.StatusActive, plan.StatusComplete, plan.StatusAbandoned),
		}, "id", "status"),
		Exec: func(ctx context.Context, input map[string]any, userID, chatID int64) (string, error) {
			id := intInput(input, "id")
			status := strInput(input, "status")
			if !planStatuses[status] {
				return fmt.Sprintf("Unknown plan status %q.", status), nil
			}
			ok, err := plans.UpdateStatus(ctx, userID, id, status)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("No plan with ID %d.", id), nil
			}
			return fmt.Sprintf("✅ Plan %d marked %s.", id, status), nil
		},
	})
}
