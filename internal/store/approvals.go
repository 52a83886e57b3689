package store

import (
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

// ApprovalStatus is the lifecycle of an approval record. At most one
// transition away from PENDING ever happens.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalDenied   ApprovalStatus = "DENIED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Approval authorizes one run, bound to its originating sender.
type Approval struct {
	RequestID      string
	RunID          string
	Sender         sender.ID
	Summary        string
	CommandPreview string
	Status         ApprovalStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// requestIDAlphabet is unambiguous and URL-safe: no 0/O, 1/l/I.
const requestIDAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

func newRequestID() string {
	b := make([]byte, 6)
	rand.Read(b)
	for i := range b {
		b[i] = requestIDAlphabet[int(b[i])%len(requestIDAlphabet)]
	}
	return string(b)
}

// CreateApproval inserts a PENDING approval for a run. Any prior pending
// approval for the same run is expired first so exactly one is live.
func (s *Store) CreateApproval(runID string, who sender.ID, summary, preview string, ttl time.Duration) (string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	ts := now()
	if _, err := tx.Exec(`
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE run_id = ? AND status = ?`,
		string(ApprovalExpired), ts, runID, string(ApprovalPending)); err != nil {
		return "", fmt.Errorf("store: supersede approvals: %w", err)
	}

	id := newRequestID()
	_, err = tx.Exec(`
		INSERT INTO approvals (request_id, run_id, sender, summary, command_preview, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, runID, string(who), summary, preview, string(ApprovalPending), ts, ts+ttl.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("store: create approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetApproval loads one approval or ErrNotFound.
func (s *Store) GetApproval(requestID string) (*Approval, error) {
	row := s.db.QueryRow(approvalSelect+` WHERE request_id = ?`, requestID)
	return scanApproval(row)
}

// ResolveApproval transitions a PENDING approval to APPROVED or DENIED. The
// conditional UPDATE guarantees at most one transition even under races.
func (s *Store) ResolveApproval(requestID string, status ApprovalStatus) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE request_id = ? AND status = ?`,
		string(status), now(), requestID, string(ApprovalPending))
	if err != nil {
		return false, fmt.Errorf("store: resolve approval: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PendingApprovals lists live approvals, optionally for one sender.
func (s *Store) PendingApprovals(who sender.ID) ([]*Approval, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if who == "" {
		rows, err = s.db.Query(approvalSelect+` WHERE status = ? ORDER BY created_at ASC`, string(ApprovalPending))
	} else {
		rows, err = s.db.Query(approvalSelect+` WHERE status = ? AND sender = ? ORDER BY created_at ASC`,
			string(ApprovalPending), string(who))
	}
	if err != nil {
		return nil, fmt.Errorf("store: pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ExpireDueApprovals transitions every PENDING approval past its deadline to
// EXPIRED and returns their request ids.
func (s *Store) ExpireDueApprovals(at time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	ms := at.UnixMilli()
	rows, err := tx.Query(`SELECT request_id FROM approvals WHERE status = ? AND expires_at <= ?`,
		string(ApprovalPending), ms)
	if err != nil {
		return nil, fmt.Errorf("store: due approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.Exec(`
		UPDATE approvals SET status = ?, resolved_at = ?
		WHERE status = ? AND expires_at <= ?`,
		string(ApprovalExpired), now(), string(ApprovalPending), ms); err != nil {
		return nil, fmt.Errorf("store: expire approvals: %w", err)
	}
	return ids, tx.Commit()
}

const approvalSelect = `
	SELECT request_id, run_id, sender, summary, command_preview, status, created_at, expires_at
	FROM approvals`

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var who, status string
	var created, expires int64
	err := row.Scan(&a.RequestID, &a.RunID, &who, &a.Summary, &a.CommandPreview, &status, &created, &expires)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan approval: %w", err)
	}
	a.Sender = sender.ID(who)
	a.Status = ApprovalStatus(status)
	a.CreatedAt = fromMillis(created)
	a.ExpiresAt = fromMillis(expires)
	return &a, nil
}
