package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event kinds written by the daemon. The table is append-only audit state.
const (
	EventMessageIgnored     = "message_ignored"
	EventMessageAccepted    = "message_accepted"
	EventRunStateChanged    = "run_state_changed"
	EventOutboundSent       = "outbound_sent"
	EventOutboundSuppressed = "outbound_suppressed"
	EventEgressFailed       = "egress_failed"
	EventApprovalCreated    = "approval_created"
	EventApprovalResolved   = "approval_resolved"
	EventApprovalExpired    = "approval_expired"
	EventStoreError         = "store_error"
	EventCompanionBrief     = "companion_brief"
	EventFollowUpSent       = "follow_up_sent"
	EventDaemonStarted      = "daemon_started"
	EventDaemonStopped      = "daemon_stopped"
	EventTaskSubmitted      = "task_submitted"
)

// Event is one append-only audit row.
type Event struct {
	ID      int64     `json:"id"`
	TS      time.Time `json:"ts"`
	Kind    string    `json:"kind"`
	Payload string    `json:"payload"`
}

// AppendEvent writes an audit row. payload may be any JSON-encodable value;
// strings pass through as-is.
func (s *Store) AppendEvent(kind string, payload any) error {
	var body string
	switch v := payload.(type) {
	case nil:
		body = ""
	case string:
		body = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("store: encode event payload: %w", err)
		}
		body = string(data)
	}
	_, err := s.db.Exec(`INSERT INTO events (ts, kind, payload) VALUES (?, ?, ?)`, now(), kind, body)
	if err != nil {
		return fmt.Errorf("store: append event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, ts, kind, payload FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEventsSince counts events of one kind at or after a cutoff. Used by
// the companion's sliding-hour accounting and the metrics endpoint.
func (s *Store) CountEventsSince(kind string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE kind = ? AND ts >= ?`,
		kind, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}
