// Package approvals creates, resolves and expires run approvals with strict
// sender binding. Every transition out of AWAITING_APPROVAL goes through
// this manager and nowhere else.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
)

// Reason classifies a rejected resolve.
type Reason string

const (
	ReasonUnknownID       Reason = "unknown-id"
	ReasonWrongSender     Reason = "wrong-sender"
	ReasonAlreadyResolved Reason = "already-resolved"
	ReasonExpired         Reason = "expired"
)

// ResolveError is the typed failure of Resolve. The run is never mutated
// when one is returned.
type ResolveError struct {
	Reason Reason
}

func (e *ResolveError) Error() string { return "approval: " + string(e.Reason) }

// UserMessage renders the failure for the requesting channel.
func (e *ResolveError) UserMessage(requestID string) string {
	switch e.Reason {
	case ReasonUnknownID:
		return fmt.Sprintf("No pending approval %q. Send status to see what's waiting.", requestID)
	case ReasonWrongSender:
		return "That approval belongs to someone else."
	case ReasonAlreadyResolved:
		return fmt.Sprintf("Approval %s was already resolved.", requestID)
	case ReasonExpired:
		return fmt.Sprintf("Approval %s has expired. Re-send the original request if you still want it.", requestID)
	}
	return "Could not resolve that approval."
}

// Options configure a Manager.
type Options struct {
	TTL            time.Duration
	ExpireInterval time.Duration
}

// Manager owns the approval lifecycle.
type Manager struct {
	st   *store.Store
	opts Options
	log  *slog.Logger
}

// New creates a Manager.
func New(st *store.Store, opts Options, log *slog.Logger) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.ExpireInterval <= 0 {
		opts.ExpireInterval = time.Minute
	}
	return &Manager{st: st, opts: opts, log: log}
}

// Create records an approval for the run and moves the run into
// AWAITING_APPROVAL. Returns the short request id the sender will quote
// back.
func (m *Manager) Create(runID string, who sender.ID, summary, preview string) (string, error) {
	requestID, err := m.st.CreateApproval(runID, who, summary, preview, m.opts.TTL)
	if err != nil {
		return "", err
	}
	if err := m.st.UpdateRunState(runID, store.RunAwaitingApproval, store.RunUpdate{}); err != nil {
		return "", err
	}
	m.event(store.EventApprovalCreated, map[string]string{
		"request_id": requestID, "run_id": runID,
	})
	return requestID, nil
}

// CreateResume records an approval for a checkpointed run without touching
// the run state; the run stays CHECKPOINTED until the sender decides.
func (m *Manager) CreateResume(runID string, who sender.ID, summary, preview string) (string, error) {
	requestID, err := m.st.CreateApproval(runID, who, summary, preview, m.opts.TTL)
	if err != nil {
		return "", err
	}
	m.event(store.EventApprovalCreated, map[string]string{
		"request_id": requestID, "run_id": runID, "resume": "true",
	})
	return requestID, nil
}

// Resolve applies the sender's decision. On approve the run moves to
// EXECUTING and is returned for the orchestrator to pick up; on deny it
// moves to DENIED.
func (m *Manager) Resolve(requestID string, who sender.ID, approve bool) (*store.Run, error) {
	a, err := m.st.GetApproval(requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ResolveError{Reason: ReasonUnknownID}
	}
	if err != nil {
		return nil, err
	}

	// Sender binding is checked before anything is mutated.
	if a.Sender != who {
		return nil, &ResolveError{Reason: ReasonWrongSender}
	}
	if a.Status == store.ApprovalExpired || (a.Status == store.ApprovalPending && time.Now().After(a.ExpiresAt)) {
		return nil, &ResolveError{Reason: ReasonExpired}
	}
	if a.Status != store.ApprovalPending {
		return nil, &ResolveError{Reason: ReasonAlreadyResolved}
	}

	status := store.ApprovalApproved
	next := store.RunExecuting
	if !approve {
		status = store.ApprovalDenied
		next = store.RunDenied
	}
	ok, err := m.st.ResolveApproval(requestID, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another resolve or the expiry sweep.
		return nil, &ResolveError{Reason: ReasonAlreadyResolved}
	}

	if err := m.st.UpdateRunState(a.RunID, next, store.RunUpdate{}); err != nil {
		return nil, err
	}
	m.event(store.EventApprovalResolved, map[string]string{
		"request_id": requestID, "run_id": a.RunID, "status": string(status),
	})
	return m.st.GetRun(a.RunID)
}

// DenyAll denies every pending approval owned by the sender and returns how
// many were denied.
func (m *Manager) DenyAll(who sender.ID) (int, error) {
	pending, err := m.st.PendingApprovals(who)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range pending {
		if _, err := m.Resolve(a.RequestID, who, false); err != nil {
			var re *ResolveError
			if errors.As(err, &re) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// Pending lists the sender's live approvals.
func (m *Manager) Pending(who sender.ID) ([]*store.Approval, error) {
	return m.st.PendingApprovals(who)
}

// ExpireDue sweeps approvals past their deadline and fails their runs.
func (m *Manager) ExpireDue(at time.Time) (int, error) {
	ids, err := m.st.ExpireDueApprovals(at)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		a, err := m.st.GetApproval(id)
		if err != nil {
			m.log.Error("loading expired approval", "request_id", id, "error", err)
			continue
		}
		if err := m.st.UpdateRunState(a.RunID, store.RunExpired, store.RunUpdate{}); err != nil {
			m.log.Error("expiring run", "run_id", a.RunID, "error", err)
		}
		m.event(store.EventApprovalExpired, map[string]string{
			"request_id": id, "run_id": a.RunID,
		})
	}
	return len(ids), nil
}

// Run sweeps expirations on a ticker until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.ExpireDue(time.Now()); err != nil {
				m.log.Error("expiry sweep failed", "error", err)
			} else if n > 0 {
				m.log.Info("expired approvals", "count", n)
			}
		}
	}
}

func (m *Manager) event(kind string, payload any) {
	if err := m.st.AppendEvent(kind, payload); err != nil {
		m.log.Error("appending event", "kind", kind, "error", err)
	}
}
