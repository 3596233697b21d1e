package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Automation is one scheduled trigger row (spec.md §3). Exactly one of Cron
// or FireAt is set: recurring reminders carry a five-field cron expression,
// one-shots carry an ISO timestamp.
type Automation struct {
	ID        int64
	UserID    int64
	Label     string
	Cron      string
	FireAt    string
	LastRunAt string
}

// IsOneShot reports whether this automation fires once and self-removes.
func (a Automation) IsOneShot() bool { return a.FireAt != "" }

type db interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AutomationStore persists automations; the scheduler holds only weak
// references to them, this store is the source of truth.
type AutomationStore struct {
	db db
}

// NewAutomationStore builds a store over the shared knowledge.db handle.
func NewAutomationStore(d db) *AutomationStore {
	return &AutomationStore{db: d}
}

// Add inserts an automation and returns its id. Exactly one of cron/fireAt
// must be non-empty.
func (s *AutomationStore) Add(ctx context.Context, userID int64, label, cronExpr, fireAt string) (int64, error) {
	if (cronExpr == "") == (fireAt == "") {
		return 0, fmt.Errorf("automation: exactly one of cron or fire_at must be set")
	}
	var fire any
	if fireAt != "" {
		fire = fireAt
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO automations (user_id, label, cron, fire_at) VALUES (?, ?, ?, ?)`,
		userID, label, cronExpr, fire,
	)
	if err != nil {
		return 0, fmt.Errorf("add automation: %w", err)
	}
	return res.LastInsertId()
}

// GetAll returns every automation for a user.
func (s *AutomationStore) GetAll(ctx context.Context, userID int64) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, label, cron, fire_at, last_run_at FROM automations WHERE user_id=? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// All returns every automation across users, used by startup loading.
func (s *AutomationStore) All(ctx context.Context) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, label, cron, fire_at, last_run_at FROM automations ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("load automations: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

func scanAutomations(rows *sql.Rows) ([]Automation, error) {
	var out []Automation
	for rows.Next() {
		var a Automation
		var fireAt, lastRun sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &a.Label, &a.Cron, &fireAt, &lastRun); err != nil {
			return nil, err
		}
		a.FireAt = fireAt.String
		a.LastRunAt = lastRun.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// Remove deletes an automation owned by userID, reporting whether a row was
// removed.
func (s *AutomationStore) Remove(ctx context.Context, userID, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return false, fmt.Errorf("remove automation: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkRan records a successful fire. Called only after the proactive
// pipeline has persisted its turns, so a crash mid-fire leaves last_run_at
// untouched and the trigger eligible again (spec.md §4.K idempotence).
func (s *AutomationStore) MarkRan(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE automations SET last_run_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id)
	return err
}
