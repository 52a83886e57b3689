package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

// Message directions.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// Message is one recorded inbound or outbound message.
type Message struct {
	ID         int64
	Channel    string
	ExternalID string
	Sender     sender.ID
	Direction  string
	Body       string
	ReceivedAt time.Time
}

// RecordMessage appends a message. The (channel, external_id) unique index is
// the ingestion idempotency key: a duplicate insert reports inserted=false.
func (s *Store) RecordMessage(m Message) (bool, error) {
	ts := m.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (channel, external_id, sender, direction, body, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel, external_id) DO NOTHING`,
		m.Channel, m.ExternalID, string(m.Sender), m.Direction, m.Body, ts.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("store: record message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SeenMessage reports whether (channel, externalID) was already ingested.
func (s *Store) SeenMessage(channel, externalID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE channel = ? AND external_id = ?`,
		channel, externalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: seen message: %w", err)
	}
	return true, nil
}

// SearchMessages finds a sender's messages matching pattern, newest first.
// LIKE metacharacters in the pattern are escaped so user input is literal.
func (s *Store) SearchMessages(who sender.ID, pattern string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + escapeLike(pattern) + "%"
	rows, err := s.db.Query(`
		SELECT id, channel, external_id, sender, direction, body, received_at
		FROM messages
		WHERE sender = ? AND body LIKE ? ESCAPE '\'
		ORDER BY received_at DESC LIMIT ?`,
		string(who), like, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var rawSender string
		var ts int64
		if err := rows.Scan(&m.ID, &m.Channel, &m.ExternalID, &rawSender, &m.Direction, &m.Body, &ts); err != nil {
			return nil, err
		}
		m.Sender = sender.ID(rawSender)
		m.ReceivedAt = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// MessagesAfterID returns inbound messages with an id past the cursor,
// restricted to the named channels, oldest first. The ambient scanner walks
// the table with this.
func (s *Store) MessagesAfterID(channels []string, afterID int64, limit int) ([]Message, error) {
	if len(channels) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	placeholders := strings.Repeat("?,", len(channels))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(channels)+2)
	for _, ch := range channels {
		args = append(args, ch)
	}
	args = append(args, afterID, limit)

	rows, err := s.db.Query(`
		SELECT id, channel, external_id, sender, direction, body, received_at
		FROM messages
		WHERE channel IN (`+placeholders+`) AND direction = 'in' AND id > ?
		ORDER BY id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: messages after id: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var rawSender string
		var ts int64
		if err := rows.Scan(&m.ID, &m.Channel, &m.ExternalID, &rawSender, &m.Direction, &m.Body, &ts); err != nil {
			return nil, err
		}
		m.Sender = sender.ID(rawSender)
		m.ReceivedAt = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// escapeLike escapes %, _ and the escape character itself.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
