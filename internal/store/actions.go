package store

import (
	"fmt"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

// Scheduled action kinds.
const (
	ActionFollowUp = "follow-up"
	ActionDigest   = "digest"
	ActionReview   = "review"
)

// ScheduledAction is a time-triggered nudge owned by a run or the companion.
type ScheduledAction struct {
	ID         int64
	RunID      string
	Sender     sender.ID
	Channel    string
	Kind       string
	FireAt     time.Time
	NudgesSent int
	MaxNudges  int
	Payload    string
	Done       bool
}

// ScheduleAction inserts a pending action.
func (s *Store) ScheduleAction(runID string, who sender.ID, channel, kind string, fireAt time.Time, maxNudges int, payload string) (int64, error) {
	if maxNudges <= 0 {
		maxNudges = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO scheduled_actions (run_id, sender, channel, kind, fire_at, max_nudges, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, string(who), channel, kind, fireAt.UnixMilli(), maxNudges, payload)
	if err != nil {
		return 0, fmt.Errorf("store: schedule action: %w", err)
	}
	return res.LastInsertId()
}

// DueActions lists undone actions whose fire time has elapsed, oldest first.
func (s *Store) DueActions(at time.Time, limit int) ([]*ScheduledAction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, sender, channel, kind, fire_at, nudges_sent, max_nudges, payload, done
		FROM scheduled_actions
		WHERE done = 0 AND fire_at <= ?
		ORDER BY fire_at ASC LIMIT ?`,
		at.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due actions: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledAction
	for rows.Next() {
		var a ScheduledAction
		var who string
		var fireAt int64
		var done int
		if err := rows.Scan(&a.ID, &a.RunID, &who, &a.Channel, &a.Kind, &fireAt,
			&a.NudgesSent, &a.MaxNudges, &a.Payload, &done); err != nil {
			return nil, err
		}
		a.Sender = sender.ID(who)
		a.FireAt = fromMillis(fireAt)
		a.Done = done != 0
		out = append(out, &a)
	}
	return out, rows.Err()
}

// MarkActionFired increments the nudge counter and either reschedules the
// action at nextFireAt or retires it when the budget is exhausted.
func (s *Store) MarkActionFired(id int64, nextFireAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE scheduled_actions
		SET nudges_sent = nudges_sent + 1,
		    fire_at = ?,
		    done = CASE WHEN nudges_sent + 1 >= max_nudges THEN 1 ELSE 0 END
		WHERE id = ? AND done = 0`,
		nextFireAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("store: mark action fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RetireAction marks an action done regardless of its nudge budget.
func (s *Store) RetireAction(id int64) error {
	_, err := s.db.Exec(`UPDATE scheduled_actions SET done = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: retire action: %w", err)
	}
	return nil
}
