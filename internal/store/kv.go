package store

import (
	"database/sql"
	"fmt"
)

// Well-known kv keys. The kv map also holds per-channel ingestion cursors
// under "cursor.<channel>.*" keys.
const (
	KVDaemonStartedAt = "daemon.started_at"
	KVMuted           = "companion.muted"
	KVEngine          = "connector.engine"
	KVKillswitch      = "daemon.killswitch"
)

// KVGet reads a key. Missing keys return ok=false, not an error.
func (s *Store) KVGet(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: kv get: %w", err)
	}
	return v, true, nil
}

// KVPut upserts a key.
func (s *Store) KVPut(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("store: kv put: %w", err)
	}
	return nil
}

// KVDelete removes a key; deleting a missing key is a no-op.
func (s *Store) KVDelete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("store: kv delete: %w", err)
	}
	return nil
}
