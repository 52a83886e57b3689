package ambient

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/connector"
	"github.com/hanoi-build/steward/internal/memory"
	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
)

const owner = sender.ID("+15551234567")

func newScanner(t *testing.T, engine string) (*Scanner, *store.Store, *memory.Office) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	conn := connector.New(connector.Options{
		Engine:  connector.Engine{Command: "sh", Args: []string{"-c", engine}},
		Timeout: 5 * time.Second,
	}, nil)
	office := memory.New(filepath.Join(t.TempDir(), "office"))
	s := New(Options{}, st, conn, office, slog.Default())
	return s, st, office
}

func record(t *testing.T, st *store.Store, channel, externalID, body string) {
	t.Helper()
	if _, err := st.RecordMessage(store.Message{
		Channel: channel, ExternalID: externalID, Sender: owner,
		Direction: store.DirectionInbound, Body: body,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestTickAppendsTopicAndAdvancesCursor(t *testing.T) {
	s, st, office := newScanner(t, "cat >/dev/null; echo gist of things")
	record(t, st, bus.ChannelNotes, "note-1", "groceries: milk, eggs")
	record(t, st, bus.ChannelNotes, "note-2", "trip planning draft")

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(office.Root(), "topics", "notes.md"))
	if err != nil {
		t.Fatalf("topic note missing: %v", err)
	}
	if !strings.Contains(string(data), "gist of things") {
		t.Errorf("topic note = %q", data)
	}

	// Cursor advanced: a second tick with no new messages writes nothing new.
	before := len(data)
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	data, _ = os.ReadFile(filepath.Join(office.Root(), "topics", "notes.md"))
	if len(data) != before {
		t.Error("tick with no new messages grew the topic note")
	}
}

func TestTickIgnoresActiveChannels(t *testing.T) {
	s, st, office := newScanner(t, "cat >/dev/null; echo gist")
	record(t, st, bus.ChannelIMessage, "msg-1", "hey, how's it going")

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, err := os.Stat(filepath.Join(office.Root(), "topics")); !os.IsNotExist(err) {
		entries, _ := os.ReadDir(filepath.Join(office.Root(), "topics"))
		if len(entries) != 0 {
			t.Errorf("imessage traffic leaked into topics: %v", entries)
		}
	}
}

func TestSummaryFailureKeepsRawList(t *testing.T) {
	s, st, office := newScanner(t, "exit 1")
	record(t, st, bus.ChannelMail, "mail-1", "invoice from the plumber")

	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(office.Root(), "topics", "mail.md"))
	if err != nil {
		t.Fatalf("topic note missing: %v", err)
	}
	if !strings.Contains(string(data), "invoice from the plumber") {
		t.Errorf("raw material lost: %q", data)
	}
}
