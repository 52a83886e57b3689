package channels

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/store"
)

type flakyChannel struct {
	name  string
	fails int

	mu    sync.Mutex
	sends int
}

func (c *flakyChannel) Name() string                    { return c.name }
func (c *flakyChannel) Start(ctx context.Context) error { return nil }
func (c *flakyChannel) Stop(ctx context.Context) error  { return nil }
func (c *flakyChannel) IsRunning() bool                 { return true }

func (c *flakyChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.sends <= c.fails {
		return errors.New("osascript exploded")
	}
	return nil
}

type recordingStore struct {
	mu         sync.Mutex
	events     []string
	failedRuns []string
}

func (r *recordingStore) AppendEvent(kind string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	return nil
}

func (r *recordingStore) RecordMessage(m store.Message) (bool, error) { return true, nil }

func (r *recordingStore) FailRunDelivery(runID, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failedRuns = append(r.failedRuns, runID)
	return nil
}

func (r *recordingStore) has(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == kind {
			return true
		}
	}
	return false
}

func newTestManager(rec Recorder, ch Channel) *Manager {
	m := NewManager(bus.New(), rec, 90*time.Second, slog.Default())
	m.retryDelay = time.Millisecond
	m.Register(ch)
	return m
}

func TestDeliverRetriesOnceThenSucceeds(t *testing.T) {
	rec := &recordingStore{}
	ch := &flakyChannel{name: bus.ChannelIMessage, fails: 1}
	m := newTestManager(rec, ch)

	m.deliver(context.Background(), bus.OutboundMessage{
		Channel: bus.ChannelIMessage, Recipient: "+15551234567", Text: "done", RunID: "r1",
	})

	if ch.sends != 2 {
		t.Errorf("sends = %d, want 2", ch.sends)
	}
	if !rec.has(store.EventOutboundSent) {
		t.Error("no outbound_sent event")
	}
	if len(rec.failedRuns) != 0 {
		t.Errorf("run failed despite successful retry: %v", rec.failedRuns)
	}
}

func TestDeliverFailureFailsOwningRun(t *testing.T) {
	rec := &recordingStore{}
	ch := &flakyChannel{name: bus.ChannelIMessage, fails: 2}
	m := newTestManager(rec, ch)

	m.deliver(context.Background(), bus.OutboundMessage{
		Channel: bus.ChannelIMessage, Recipient: "+15551234567", Text: "done", RunID: "r1",
	})

	if ch.sends != 2 {
		t.Errorf("sends = %d, want 2 (one retry)", ch.sends)
	}
	if !rec.has(store.EventEgressFailed) {
		t.Error("no egress_failed event")
	}
	if len(rec.failedRuns) != 1 || rec.failedRuns[0] != "r1" {
		t.Errorf("failed runs = %v, want [r1]", rec.failedRuns)
	}
}
