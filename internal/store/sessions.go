package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

// Exchange is one completed (input, reply) pair on a session.
type Exchange struct {
	Input string    `json:"input"`
	Reply string    `json:"reply"`
	At    time.Time `json:"at"`
}

// Session is an ongoing thread keyed by (channel, sender).
type Session struct {
	ID        int64
	Channel   string
	Sender    sender.ID
	Exchanges []Exchange
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateSession returns the session for (channel, sender), creating it lazily
// on first inbound.
func (s *Store) CreateSession(channel string, who sender.ID) (*Session, error) {
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO sessions (channel, sender, exchanges, created_at, updated_at)
		VALUES (?, ?, '[]', ?, ?)
		ON CONFLICT (channel, sender) DO NOTHING`,
		channel, string(who), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return s.GetSession(channel, who)
}

// GetSession loads a session or ErrNotFound.
func (s *Store) GetSession(channel string, who sender.ID) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, channel, sender, exchanges, created_at, updated_at
		FROM sessions WHERE channel = ? AND sender = ?`,
		channel, string(who))
	return scanSession(row)
}

// AppendExchange records a completed (input, reply) pair, trimming the
// history to keepLast entries oldest-first.
func (s *Store) AppendExchange(channel string, who sender.ID, ex Exchange, keepLast int) error {
	sess, err := s.CreateSession(channel, who)
	if err != nil {
		return err
	}
	sess.Exchanges = append(sess.Exchanges, ex)
	if keepLast > 0 && len(sess.Exchanges) > keepLast {
		sess.Exchanges = sess.Exchanges[len(sess.Exchanges)-keepLast:]
	}
	data, err := json.Marshal(sess.Exchanges)
	if err != nil {
		return fmt.Errorf("store: encode exchanges: %w", err)
	}
	_, err = s.db.Exec(`UPDATE sessions SET exchanges = ?, updated_at = ? WHERE id = ?`,
		string(data), now(), sess.ID)
	if err != nil {
		return fmt.Errorf("store: append exchange: %w", err)
	}
	return nil
}

// ResetSession clears the exchange history (the "clear context" command).
func (s *Store) ResetSession(channel string, who sender.ID) error {
	_, err := s.db.Exec(`UPDATE sessions SET exchanges = '[]', updated_at = ? WHERE channel = ? AND sender = ?`,
		now(), channel, string(who))
	if err != nil {
		return fmt.Errorf("store: reset session: %w", err)
	}
	return nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, channel, sender, exchanges, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var who, exchanges string
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.Channel, &who, &exchanges, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	sess.Sender = sender.ID(who)
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(exchanges), &sess.Exchanges); err != nil {
		return nil, fmt.Errorf("store: decode exchanges: %w", err)
	}
	return &sess, nil
}
