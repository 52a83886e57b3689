package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
)

type memKV struct{ m map[string]string }

func (k *memKV) KVGet(key string) (string, bool, error) {
	v, ok := k.m[key]
	return v, ok, nil
}

func (k *memKV) KVPut(key, value string) error {
	k.m[key] = value
	return nil
}

// buildChatDB writes a minimal chat.db with n inbound messages from one
// handle, rowids and dates both 1..n.
func buildChatDB(t *testing.T, path string, n int) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		t.Fatalf("open fixture db: %v", err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE message (ROWID INTEGER PRIMARY KEY, guid TEXT, text TEXT, date INTEGER, is_from_me INTEGER, handle_id INTEGER)`,
		`CREATE TABLE handle (ROWID INTEGER PRIMARY KEY, id TEXT)`,
		`CREATE TABLE attachment (ROWID INTEGER PRIMARY KEY, transfer_name TEXT, filename TEXT, total_bytes INTEGER)`,
		`CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER)`,
		`INSERT INTO handle (ROWID, id) VALUES (1, '+15551234567')`,
	}
	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("fixture schema: %v", err)
		}
	}
	for i := 1; i <= n; i++ {
		_, err := db.Exec(`INSERT INTO message (ROWID, guid, text, date, is_from_me, handle_id) VALUES (?, ?, ?, ?, 0, 1)`,
			i, fmt.Sprintf("msg-%d", i), fmt.Sprintf("message %d", i), i)
		if err != nil {
			t.Fatalf("fixture insert: %v", err)
		}
	}
}

func newPollFixture(t *testing.T, msgBus *bus.MessageBus, rows int) *Channel {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	buildChatDB(t, dbPath, rows)

	kv := &memKV{m: map[string]string{}}
	c := New(Options{DBPath: dbPath, ProcessHistorical: true}, msgBus, kv, nil, slog.Default())

	reader, err := openReader(dbPath)
	if err != nil {
		t.Fatalf("openReader: %v", err)
	}
	t.Cleanup(func() { reader.Close() })
	c.reader = reader
	if err := c.positionCursor(); err != nil {
		t.Fatalf("positionCursor: %v", err)
	}
	return c
}

func TestPollIngestsInOrder(t *testing.T) {
	msgBus := bus.New()
	c := newPollFixture(t, msgBus, 3)

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 1; i <= 3; i++ {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("message %d never arrived", i)
		}
		if msg.ExternalID != fmt.Sprintf("msg-%d", i) {
			t.Errorf("message %d = %q", i, msg.ExternalID)
		}
	}
	if cur, _ := c.getCursor(); cur.RowID != 3 {
		t.Errorf("cursor rowid = %d, want 3", cur.RowID)
	}
}

func TestPollHoldsCursorWhenQueueFull(t *testing.T) {
	msgBus := bus.New()
	c := newPollFixture(t, msgBus, 3)

	// Leave exactly one free slot so the first row fits and the second is
	// dropped.
	junk := 0
	for msgBus.PublishInbound(bus.InboundMessage{
		ExternalID: fmt.Sprintf("junk-%d", junk),
		Channel:    bus.ChannelIMessage,
		Sender:     "+15550000000",
		Text:       "x",
	}) {
		junk++
		if junk >= 255 {
			break
		}
	}

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if cur, _ := c.getCursor(); cur.RowID != 1 {
		t.Fatalf("cursor rowid = %d, want 1 (deferred rows must be retried)", cur.RowID)
	}

	// Drain the queue, then the next poll delivers the deferred rows.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < junk+1; i++ {
		if _, ok := msgBus.ConsumeInbound(ctx); !ok {
			t.Fatal("drain came up short")
		}
	}

	if err := c.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	for i := 2; i <= 3; i++ {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("deferred message %d never arrived", i)
		}
		if msg.ExternalID != fmt.Sprintf("msg-%d", i) {
			t.Errorf("deferred message %d = %q", i, msg.ExternalID)
		}
	}
	if cur, _ := c.getCursor(); cur.RowID != 3 {
		t.Errorf("cursor rowid = %d, want 3", cur.RowID)
	}
}
