package companion

import (
	"context"
	"log/slog"
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

type fixture struct {
	c      *Companion
	st     *store.Store
	bus    *bus.MessageBus
	office *memory.Office
}

func newFixture(t *testing.T, opts Options, extra ...ObserveFunc) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	msgBus := bus.New()
	conn := connector.New(connector.Options{
		Engine:  connector.Engine{Command: "sh", Args: []string{"-c", "cat >/dev/null; echo heads up"}},
		Timeout: 5 * time.Second,
	}, nil)
	office := memory.New(filepath.Join(t.TempDir(), "office"))

	opts.Owner = owner
	c := New(opts, st, msgBus, conn, office, extra, slog.Default())
	return &fixture{c: c, st: st, bus: msgBus, office: office}
}

func TestQuietHoursCrossingMidnight(t *testing.T) {
	f := newFixture(t, Options{QuietStart: 22 * 60, QuietEnd: 7 * 60})

	cases := []struct {
		hour, min int
		quiet     bool
	}{
		{23, 30, true},
		{2, 0, true},
		{6, 59, true},
		{7, 0, false},
		{12, 0, false},
		{21, 59, false},
		{22, 0, true},
	}
	for _, tc := range cases {
		at := time.Date(2026, 3, 1, tc.hour, tc.min, 0, 0, time.Local)
		if got := f.c.inQuietHours(at); got != tc.quiet {
			t.Errorf("inQuietHours(%02d:%02d) = %v, want %v", tc.hour, tc.min, got, tc.quiet)
		}
	}
}

func TestQuietHoursSameDayWindow(t *testing.T) {
	f := newFixture(t, Options{QuietStart: 13 * 60, QuietEnd: 14 * 60})
	if !f.c.inQuietHours(time.Date(2026, 3, 1, 13, 30, 0, 0, time.Local)) {
		t.Error("13:30 should be quiet")
	}
	if f.c.inQuietHours(time.Date(2026, 3, 1, 15, 0, 0, 0, time.Local)) {
		t.Error("15:00 should not be quiet")
	}
}

func TestTickSendsConsolidatedBrief(t *testing.T) {
	src := func(ctx context.Context) ([]Observation, error) {
		return []Observation{{Topic: "reminder", Detail: "water the plants"}}, nil
	}
	f := newFixture(t, Options{MaxProactivePerHour: 5}, src)
	f.c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) }

	f.c.Tick(context.Background())

	msg, ok := f.bus.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("no brief on the outbound queue")
	}
	if msg.Channel != bus.ChannelIMessage || msg.Recipient != owner {
		t.Errorf("brief addressed to %s/%s", msg.Channel, msg.Recipient)
	}
	if strings.TrimSpace(msg.Text) == "" {
		t.Error("empty brief")
	}
}

func TestTickQuietWithNothingToSay(t *testing.T) {
	f := newFixture(t, Options{})
	f.c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) }

	f.c.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := f.bus.ConsumeOutbound(ctx); ok {
		t.Error("brief sent with no observations")
	}
}

func TestHourlyCap(t *testing.T) {
	src := func(ctx context.Context) ([]Observation, error) {
		return []Observation{{Topic: "x", Detail: "y"}}, nil
	}
	f := newFixture(t, Options{MaxProactivePerHour: 1}, src)
	f.c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) }

	f.c.Tick(context.Background())
	f.c.Tick(context.Background())

	count := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, ok := f.bus.ConsumeOutbound(ctx)
		cancel()
		if !ok {
			break
		}
		count++
	}
	if count != 1 {
		t.Errorf("sent %d briefs under a 1/hour cap", count)
	}
}

func TestMuteSuppressesBriefs(t *testing.T) {
	src := func(ctx context.Context) ([]Observation, error) {
		return []Observation{{Topic: "x", Detail: "y"}}, nil
	}
	f := newFixture(t, Options{}, src)
	f.c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) }
	if err := f.st.KVPut(store.KVMuted, "1"); err != nil {
		t.Fatal(err)
	}

	f.c.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := f.bus.ConsumeOutbound(ctx); ok {
		t.Error("brief sent while muted")
	}
}

func TestObservesStaleApprovals(t *testing.T) {
	f := newFixture(t, Options{StaleApprovalAfter: time.Hour})
	runID, err := f.st.CreateRun(owner, "imessage", "task", "deploy the thing", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.CreateApproval(runID, owner, "deploy the thing", "", 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	// Pretend the approval was created two hours ago.
	f.c.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	obs := f.c.observe(context.Background())
	found := false
	for _, o := range obs {
		if o.Topic == "stale approval" {
			found = true
		}
	}
	if !found {
		t.Errorf("stale approval not observed: %+v", obs)
	}
}

func TestDigestWritesDailyNote(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.c.writeDigest(); err != nil {
		t.Fatalf("writeDigest: %v", err)
	}

	daily := filepath.Join(f.office.Root(), "daily")
	matches, err := filepath.Glob(filepath.Join(daily, "*-digest.md"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("digest note not written: %v (%v)", matches, err)
	}
}

func TestCronFiresOncePerMinuteMark(t *testing.T) {
	f := newFixture(t, Options{DigestCron: "0 18 * * *"})
	f.c.now = func() time.Time { return time.Date(2026, 3, 1, 18, 0, 30, 0, time.Local) }

	f.c.runCrons()
	f.c.runCrons()

	daily := filepath.Join(f.office.Root(), "daily")
	matches, _ := filepath.Glob(filepath.Join(daily, "*-digest.md"))
	if len(matches) != 1 {
		t.Errorf("expected exactly one digest, got %v", matches)
	}
}
