// Package plan persists multi-step plans with per-step attempt history
// (spec.md §3 Plan/PlanStep/Attempt) and generates step breakdowns with an
// LLM. The step-generation shape is adapted from the teacher's LLMPlanner
// (manifold/internal/agent/planner.go), rewritten against the shared
// llm.Provider interface.
package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/local/remy/internal/llm"
)

// Plan statuses.
const (
	StatusActive    = "active"
	StatusComplete  = "complete"
	StatusAbandoned = "abandoned"
)

// Step statuses.
const (
	StepPending    = "pending"
	StepInProgress = "in_progress"
	StepDone       = "done"
	StepSkipped    = "skipped"
	StepBlocked    = "blocked"
)

// Plan is a persisted multi-step plan.
type Plan struct {
	ID          int64
	UserID      int64
	Title       string
	Description string
	Status      string
	Steps       []Step
}

// Step is one ordered action within a plan.
type Step struct {
	ID       int64
	PlanID   int64
	Position int
	Title    string
	Status   string
	Notes    string
}

// Attempt is one append-only execution record against a step.
type Attempt struct {
	ID          int64
	StepID      int64
	Outcome     string
	Notes       string
	AttemptedAt time.Time
}

type db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists plans, steps, and attempts.
type Store struct {
	db db
}

// NewStore builds a plan store over the shared knowledge.db handle.
func NewStore(d db) *Store {
	return &Store{db: d}
}

// Create inserts a plan with its ordered steps and returns the plan id.
func (s *Store) Create(ctx context.Context, userID int64, title, description string, steps []string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO plans (user_id, title, description, status) VALUES (?, ?, ?, ?)`,
		userID, title, description, StatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("create plan: %w", err)
	}
	planID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for i, stepTitle := range steps {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO plan_steps (plan_id, position, title, status) VALUES (?, ?, ?, ?)`,
			planID, i+1, stepTitle, StepPending,
		); err != nil {
			return 0, fmt.Errorf("create plan step %d: %w", i+1, err)
		}
	}
	return planID, nil
}

// Get returns a plan with its steps, scoped to userID.
func (s *Store) Get(ctx context.Context, userID, planID int64) (*Plan, error) {
	var p Plan
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, status FROM plans WHERE id=? AND user_id=?`,
		planID, userID,
	).Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plan_id, position, title, status, notes FROM plan_steps WHERE plan_id=? ORDER BY position`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("get plan steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st Step
		if err := rows.Scan(&st.ID, &st.PlanID, &st.Position, &st.Title, &st.Status, &st.Notes); err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, st)
	}
	return &p, rows.Err()
}

// List returns a user's plans (without steps), optionally filtered by status.
func (s *Store) List(ctx context.Context, userID int64, status string) ([]Plan, error) {
	query := `SELECT id, user_id, title, description, status FROM plans WHERE user_id=?`
	args := []any{userID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()
	var out []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateStepStatus changes a step's status and appends an attempt record.
// Attempts are append-only; the step row carries only the latest state.
func (s *Store) UpdateStepStatus(ctx context.Context, userID, stepID int64, status, notes string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_steps SET status=?, notes=? WHERE id=? AND plan_id IN (SELECT id FROM plans WHERE user_id=?)`,
		status, notes, stepID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_attempts (step_id, outcome, notes, attempted_at) VALUES (?, ?, ?, datetime('now'))`,
		stepID, status, notes,
	); err != nil {
		return false, fmt.Errorf("append attempt: %w", err)
	}
	return true, nil
}

// UpdateStatus changes a plan's status.
func (s *Store) UpdateStatus(ctx context.Context, userID, planID int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plans SET status=? WHERE id=? AND user_id=?`, status, planID, userID)
	if err != nil {
		return false, fmt.Errorf("update plan status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Attempts returns a step's append-only attempt history, oldest first.
func (s *Store) Attempts(ctx context.Context, stepID int64) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_id, outcome, notes, attempted_at FROM plan_attempts WHERE step_id=? ORDER BY id`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.StepID, &a.Outcome, &a.Notes, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const plannerSystem = "You break tasks into short, concrete, actionable steps. " +
	"Respond with ONLY a JSON array of step titles, e.g. [\"step one\", \"step two\"]. " +
	"Five steps or fewer. No commentary."

// GenerateSteps asks a model for a step breakdown of a goal. On any parse
// failure it falls back to a single step containing the goal itself, so plan
// creation never fails on a chatty model.
func GenerateSteps(ctx context.Context, p llm.Provider, model, goal string) []string {
	text, _, err := llm.Complete(ctx, p,
		[]llm.Message{{Role: "user", Content: "Goal: " + goal}},
		plannerSystem, model)
	if err != nil {
		return []string{goal}
	}
	text = strings.TrimSpace(text)
	// Models sometimes wrap the array in a code fence.
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var steps []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &steps); err != nil || len(steps) == 0 {
		return []string{goal}
	}
	if len(steps) > 5 {
		steps = steps[:5]
	}
	return steps
}
