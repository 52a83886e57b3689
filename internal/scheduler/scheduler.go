// Package scheduler fires due scheduled actions: follow-up nudges for
// completed runs. A backlog of missed ticks collapses into a single nudge
// per action rather than one per missed interval.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hanoi-build/steward/internal/store"
)

// Nudger is the orchestrator's follow-up entry point.
type Nudger interface {
	FollowUp(ctx context.Context, action *store.ScheduledAction) error
}

// Options configure the scheduler.
type Options struct {
	Interval  time.Duration
	NudgeGap  time.Duration
	BatchSize int
}

// Scheduler polls the store for due actions.
type Scheduler struct {
	st     *store.Store
	nudger Nudger
	opts   Options
	log    *slog.Logger
}

// New creates a Scheduler.
func New(st *store.Store, nudger Nudger, opts Options, log *slog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.NudgeGap <= 0 {
		opts.NudgeGap = 4 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	return &Scheduler{st: st, nudger: nudger, opts: opts, log: log}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now()); err != nil {
				s.log.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires everything due at now. Multiple due actions owned by the same
// run collapse into one nudge; the extras are just rescheduled.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.st.DueActions(now, s.opts.BatchSize)
	if err != nil {
		return err
	}

	nudged := make(map[string]bool)
	for _, action := range due {
		if action.Kind != store.ActionFollowUp {
			continue
		}
		if nudged[action.RunID] {
			if err := s.st.MarkActionFired(action.ID, now.Add(s.opts.NudgeGap)); err != nil {
				s.log.Error("rescheduling collapsed action", "id", action.ID, "error", err)
			}
			continue
		}
		if err := s.nudger.FollowUp(ctx, action); err != nil {
			s.log.Error("follow-up failed", "run_id", action.RunID, "error", err)
			continue
		}
		nudged[action.RunID] = true
		if err := s.st.MarkActionFired(action.ID, now.Add(s.opts.NudgeGap)); err != nil {
			s.log.Error("marking action fired", "id", action.ID, "error", err)
		}
	}
	return nil
}
