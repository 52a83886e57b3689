package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hanoi-build/steward/internal/sender"
)

// RunState is one node in the run lifecycle state machine.
type RunState string

const (
	RunReceived         RunState = "RECEIVED"
	RunPlanning         RunState = "PLANNING"
	RunAwaitingApproval RunState = "AWAITING_APPROVAL"
	RunExecuting        RunState = "EXECUTING"
	RunVerifying        RunState = "VERIFYING"
	RunCheckpointed     RunState = "CHECKPOINTED"
	RunCompleted        RunState = "COMPLETED"
	RunFailed           RunState = "FAILED"
	RunDenied           RunState = "DENIED"
	RunExpired          RunState = "EXPIRED"
	RunCancelled        RunState = "CANCELLED"
)

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunDenied, RunExpired, RunCancelled:
		return true
	}
	return false
}

// validTransitions encodes the run state machine. A run never leaves
// AWAITING_APPROVAL except through its approval (enforced by the approval
// manager being the only caller making those transitions).
var validTransitions = map[RunState][]RunState{
	RunReceived:         {RunPlanning, RunAwaitingApproval, RunExecuting, RunFailed},
	RunPlanning:         {RunExecuting, RunAwaitingApproval, RunFailed},
	RunAwaitingApproval: {RunExecuting, RunDenied, RunExpired},
	RunExecuting:        {RunVerifying, RunCompleted, RunFailed, RunCheckpointed, RunCancelled},
	RunVerifying:        {RunCompleted, RunFailed, RunCancelled},
	RunCheckpointed:     {RunAwaitingApproval, RunExecuting, RunFailed, RunDenied, RunExpired, RunCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to RunState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run tracks one executed user command.
type Run struct {
	RunID             string
	Sender            sender.ID
	Channel           string
	Kind              string
	State             RunState
	PromptSummary     string
	CommandPreview    string
	Workspace         string
	Result            string
	Error             string
	Attempts          int
	ResumeAttempts    int
	CheckpointContext string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RunUpdate carries the optional fields of UpdateRunState.
type RunUpdate struct {
	Result            *string
	Error             *string
	CheckpointContext *string
	IncrAttempts      bool
	IncrResume        bool
}

// CreateRun inserts a new run in RECEIVED.
func (s *Store) CreateRun(who sender.ID, channel, kind, promptSummary, preview, workspace string) (string, error) {
	id := uuid.NewString()
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, sender, channel, kind, state, prompt_summary, command_preview, workspace, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(who), channel, kind, string(RunReceived), promptSummary, preview, workspace, ts, ts)
	if err != nil {
		return "", fmt.Errorf("store: create run: %w", err)
	}
	return id, nil
}

// UpdateRunState moves a run along the state machine, applying optional
// field updates atomically. Illegal transitions are rejected.
func (s *Store) UpdateRunState(runID string, next RunState, upd RunUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var cur string
	if err := tx.QueryRow(`SELECT state FROM runs WHERE run_id = ?`, runID).Scan(&cur); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: read run state: %w", err)
	}
	if RunState(cur) != next && !CanTransition(RunState(cur), next) {
		return fmt.Errorf("store: illegal run transition %s -> %s for %s", cur, next, runID)
	}

	q := `UPDATE runs SET state = ?, updated_at = ?`
	args := []any{string(next), now()}
	if upd.Result != nil {
		q += `, result = ?`
		args = append(args, *upd.Result)
	}
	if upd.Error != nil {
		q += `, error = ?`
		args = append(args, *upd.Error)
	}
	if upd.CheckpointContext != nil {
		q += `, checkpoint_context = ?`
		args = append(args, *upd.CheckpointContext)
	}
	if upd.IncrAttempts {
		q += `, attempts = attempts + 1`
	}
	if upd.IncrResume {
		q += `, resume_attempts = resume_attempts + 1`
	}
	q += ` WHERE run_id = ?`
	args = append(args, runID)

	if _, err := tx.Exec(q, args...); err != nil {
		return fmt.Errorf("store: update run: %w", err)
	}
	return tx.Commit()
}

// FailRunDelivery marks a run FAILED after its reply could not be delivered.
// This bypasses the transition table: a completed run whose result never
// reached the user is not complete.
func (s *Store) FailRunDelivery(runID, detail string) error {
	res, err := s.db.Exec(`UPDATE runs SET state = ?, error = ?, updated_at = ? WHERE run_id = ?`,
		string(RunFailed), "delivery failed: "+detail, now(), runID)
	if err != nil {
		return fmt.Errorf("store: fail run delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun loads one run or ErrNotFound.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(runSelect+` WHERE run_id = ?`, runID)
	return scanRun(row)
}

// RunsByState lists runs in a given state, oldest first.
func (s *Store) RunsByState(state RunState, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(runSelect+` WHERE state = ? ORDER BY created_at ASC LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("store: runs by state: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// RecentRuns lists a sender's runs, newest first. An empty sender lists all.
func (s *Store) RecentRuns(who sender.ID, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if who == "" {
		rows, err = s.db.Query(runSelect+` ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(runSelect+` WHERE sender = ? ORDER BY created_at DESC LIMIT ?`, string(who), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recent runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

// CountRunsByState returns state → count for the metrics endpoint.
func (s *Store) CountRunsByState() (map[RunState]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM runs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("store: count runs: %w", err)
	}
	defer rows.Close()

	out := make(map[RunState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[RunState(state)] = n
	}
	return out, rows.Err()
}

const runSelect = `
	SELECT run_id, sender, channel, kind, state, prompt_summary, command_preview,
	       workspace, result, error, attempts, resume_attempts, checkpoint_context,
	       created_at, updated_at
	FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var who, state string
	var created, updated int64
	err := row.Scan(&r.RunID, &who, &r.Channel, &r.Kind, &state, &r.PromptSummary,
		&r.CommandPreview, &r.Workspace, &r.Result, &r.Error, &r.Attempts,
		&r.ResumeAttempts, &r.CheckpointContext, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	r.Sender = sender.ID(who)
	r.State = RunState(state)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func collectRuns(rows *sql.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StrPtr is a small helper for RunUpdate fields.
func StrPtr(s string) *string { return &s }
