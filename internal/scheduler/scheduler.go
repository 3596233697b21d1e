// Package scheduler drives cron and one-shot triggers (component J) on
// github.com/robfig/cron/v3, loading user automations from the automation
// store at startup and exposing a late-binding Handle that breaks the
// scheduler <-> tool-registry construction cycle (spec.md §9, grounded on
// original_source/remy/ai/tools/automations.py's scheduler_ref pattern).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/local/remy/internal/config"
)

// FireFunc receives each trigger fire. The proactive pipeline supplies this.
type FireFunc func(ctx context.Context, a Automation)

// Built-in job ids, registered alongside user automations with fixed
// negative ids so they never collide with store rows.
const (
	builtinMorningBriefing int64 = -1
	builtinEveningCheckin  int64 = -2
	builtinNightlyJobs     int64 = -3
)

// Scheduler owns the live cron engine and one-shot timers.
type Scheduler struct {
	store *AutomationStore
	fire  FireFunc
	cfg   config.SchedulerConfig
	loc   *time.Location
	log   zerolog.Logger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	timers  map[int64]*time.Timer

	baseCtx context.Context
}

// New builds a scheduler. fire is invoked for every trigger; the optional
// callback for the built-in consolidation/reindex job is passed to Start.
func New(ctx context.Context, store *AutomationStore, cfg config.SchedulerConfig, fire FireFunc, log zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{
		store:   store,
		fire:    fire,
		cfg:     cfg,
		loc:     loc,
		log:     log,
		cron:    cron.New(cron.WithLocation(loc)),
		entries: map[int64]cron.EntryID{},
		timers:  map[int64]*time.Timer{},
		baseCtx: ctx,
	}, nil
}

// Start registers built-in jobs, loads persisted automations, and starts the
// cron engine.
func (s *Scheduler) Start(ctx context.Context, nightly func(context.Context)) error {
	builtins := []struct {
		id    int64
		label string
		expr  string
	}{
		{builtinMorningBriefing, "morning briefing", s.cfg.MorningBriefingCron},
		{builtinEveningCheckin, "evening check-in", s.cfg.EveningCheckinCron},
	}
	for _, b := range builtins {
		if err := s.AddAutomation(b.id, 0, b.label, b.expr, ""); err != nil {
			return fmt.Errorf("register builtin %q: %w", b.label, err)
		}
	}
	if nightly != nil {
		id, err := s.cron.AddFunc(s.cfg.NightlyConsolidation, func() { nightly(s.baseCtx) })
		if err != nil {
			return fmt.Errorf("register nightly job: %w", err)
		}
		s.mu.Lock()
		s.entries[builtinNightlyJobs] = id
		s.mu.Unlock()
	}

	if err := s.LoadUserAutomations(ctx); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info().Str("timezone", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts the cron engine and cancels pending one-shot timers. Blocks
// until running jobs return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// LoadUserAutomations registers every persisted automation with the live
// engine. Past-due one-shots are not pruned: AddAutomation fires them
// immediately.
func (s *Scheduler) LoadUserAutomations(ctx context.Context) error {
	rows, err := s.store.All(ctx)
	if err != nil {
		return err
	}
	loaded := 0
	for _, a := range rows {
		if err := s.AddAutomation(a.ID, a.UserID, a.Label, a.Cron, a.FireAt); err != nil {
			s.log.Warn().Err(err).Int64("automation_id", a.ID).Msg("skipping invalid automation")
			continue
		}
		loaded++
	}
	s.log.Info().Int("count", loaded).Msg("loaded user automations")
	return nil
}

// AddAutomation registers a trigger with the live engine. For one-shots a
// timer is armed for fireAt; past-due one-shots fire immediately.
func (s *Scheduler) AddAutomation(id, userID int64, label, cronExpr, fireAt string) error {
	a := Automation{ID: id, UserID: userID, Label: label, Cron: cronExpr, FireAt: fireAt}
	if fireAt != "" {
		when, err := parseFireAt(fireAt, s.loc)
		if err != nil {
			return fmt.Errorf("one-shot %d: %w", id, err)
		}
		delay := time.Until(when)
		if delay < 0 {
			delay = 0
		}
		s.mu.Lock()
		s.timers[id] = time.AfterFunc(delay, func() { s.fireOneShot(a) })
		s.mu.Unlock()
		return nil
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() { s.fire(s.baseCtx, a) })
	if err != nil {
		return fmt.Errorf("cron %q: %w", cronExpr, err)
	}
	s.mu.Lock()
	if old, ok := s.entries[id]; ok {
		s.cron.Remove(old)
	}
	s.entries[id] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) fireOneShot(a Automation) {
	s.fire(s.baseCtx, a)
	s.RemoveAutomation(a.ID)
	// One-shots self-remove from the store after firing.
	if a.ID > 0 {
		if _, err := s.store.Remove(s.baseCtx, a.UserID, a.ID); err != nil {
			s.log.Warn().Err(err).Int64("automation_id", a.ID).Msg("one-shot store removal failed")
		}
	}
}

// RemoveAutomation detaches a trigger from the live engine. The store row is
// the caller's responsibility.
func (s *Scheduler) RemoveAutomation(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Store exposes the automation store for tool executors reached through the
// Handle.
func (s *Scheduler) Store() *AutomationStore { return s.store }

func parseFireAt(fireAt string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, fireAt, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable fire_at %q", fireAt)
}

// Handle is the late-binding single-slot box of spec.md §9: the tool
// registry is constructed before the scheduler exists, so it receives this
// handle and dereferences it at call time.
type Handle struct {
	ptr atomic.Pointer[Scheduler]
}

// Set fills the slot once the scheduler is constructed.
func (h *Handle) Set(s *Scheduler) { h.ptr.Store(s) }

// Get returns the live scheduler, or nil before startup completes.
func (h *Handle) Get() *Scheduler { return h.ptr.Load() }
