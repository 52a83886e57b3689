package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "steward.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

const owner = sender.ID("+15551234567")

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	sess, err := s.CreateSession("imessage", owner)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Channel != "imessage" || sess.Sender != owner {
		t.Errorf("session = %+v", sess)
	}

	// Creating again returns the same row.
	again, err := s.CreateSession("imessage", owner)
	if err != nil {
		t.Fatalf("CreateSession again: %v", err)
	}
	if again.ID != sess.ID {
		t.Errorf("expected same session id, got %d and %d", sess.ID, again.ID)
	}

	for i := 0; i < 5; i++ {
		if err := s.AppendExchange("imessage", owner, Exchange{Input: "q", Reply: "a", At: time.Now()}, 3); err != nil {
			t.Fatalf("AppendExchange: %v", err)
		}
	}
	sess, _ = s.GetSession("imessage", owner)
	if len(sess.Exchanges) != 3 {
		t.Errorf("expected history trimmed to 3, got %d", len(sess.Exchanges))
	}

	if err := s.ResetSession("imessage", owner); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	sess, _ = s.GetSession("imessage", owner)
	if len(sess.Exchanges) != 0 {
		t.Errorf("expected empty history after reset, got %d", len(sess.Exchanges))
	}
}

func TestMessageIdempotency(t *testing.T) {
	s := openTestStore(t)

	m := Message{Channel: "imessage", ExternalID: "guid-1", Sender: owner, Direction: DirectionInbound, Body: "hello"}
	ins, err := s.RecordMessage(m)
	if err != nil || !ins {
		t.Fatalf("first insert: inserted=%v err=%v", ins, err)
	}
	ins, err = s.RecordMessage(m)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ins {
		t.Error("duplicate external id must not insert")
	}

	seen, err := s.SeenMessage("imessage", "guid-1")
	if err != nil || !seen {
		t.Errorf("SeenMessage = %v, %v", seen, err)
	}
	seen, _ = s.SeenMessage("imessage", "guid-2")
	if seen {
		t.Error("unexpected seen for unknown id")
	}
}

func TestSearchMessagesEscapesWildcards(t *testing.T) {
	s := openTestStore(t)

	s.RecordMessage(Message{Channel: "imessage", ExternalID: "a", Sender: owner, Direction: DirectionInbound, Body: "100% done"})
	s.RecordMessage(Message{Channel: "imessage", ExternalID: "b", Sender: owner, Direction: DirectionInbound, Body: "1000 done"})

	got, err := s.SearchMessages(owner, "100%", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(got) != 1 || got[0].Body != "100% done" {
		t.Errorf("expected literal %% match only, got %d rows", len(got))
	}
}

func TestRunStateMachine(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateRun(owner, "imessage", "task", "create file foo", "task: create file foo", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.UpdateRunState(id, RunAwaitingApproval, RunUpdate{}); err != nil {
		t.Fatalf("to AWAITING_APPROVAL: %v", err)
	}
	// Illegal: AWAITING_APPROVAL → COMPLETED.
	if err := s.UpdateRunState(id, RunCompleted, RunUpdate{}); err == nil {
		t.Error("expected illegal transition to be rejected")
	}
	if err := s.UpdateRunState(id, RunExecuting, RunUpdate{IncrAttempts: true}); err != nil {
		t.Fatalf("to EXECUTING: %v", err)
	}
	if err := s.UpdateRunState(id, RunCompleted, RunUpdate{Result: StrPtr("done")}); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}

	r, err := s.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != RunCompleted || r.Result != "done" || r.Attempts != 1 {
		t.Errorf("run = state %s result %q attempts %d", r.State, r.Result, r.Attempts)
	}
}

func TestFailRunDeliveryOverridesTerminalState(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateRun(owner, "imessage", "chat", "hello", "hello", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunState(id, RunExecuting, RunUpdate{}); err != nil {
		t.Fatalf("to EXECUTING: %v", err)
	}
	if err := s.UpdateRunState(id, RunCompleted, RunUpdate{Result: StrPtr("done")}); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}

	if err := s.FailRunDelivery(id, "osascript exploded"); err != nil {
		t.Fatalf("FailRunDelivery: %v", err)
	}
	r, err := s.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != RunFailed || r.Error != "delivery failed: osascript exploded" {
		t.Errorf("run = state %s error %q", r.State, r.Error)
	}

	if err := s.FailRunDelivery("no-such-run", "x"); err != ErrNotFound {
		t.Errorf("missing run err = %v, want ErrNotFound", err)
	}
}

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		{RunReceived, RunAwaitingApproval, true},
		{RunAwaitingApproval, RunExecuting, true},
		{RunAwaitingApproval, RunCompleted, false},
		{RunExecuting, RunCheckpointed, true},
		{RunCheckpointed, RunExecuting, true},
		{RunCompleted, RunExecuting, false},
		{RunExecuting, RunCancelled, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApprovalSingleTransition(t *testing.T) {
	s := openTestStore(t)

	runID, _ := s.CreateRun(owner, "imessage", "task", "x", "x", "")
	reqID, err := s.CreateApproval(runID, owner, "summary", "preview", 30*time.Minute)
	if err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}

	ok, err := s.ResolveApproval(reqID, ApprovalApproved)
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}
	ok, err = s.ResolveApproval(reqID, ApprovalDenied)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if ok {
		t.Error("approval must transition away from PENDING at most once")
	}

	a, _ := s.GetApproval(reqID)
	if a.Status != ApprovalApproved {
		t.Errorf("status = %s", a.Status)
	}
}

func TestApprovalSupersede(t *testing.T) {
	s := openTestStore(t)

	runID, _ := s.CreateRun(owner, "imessage", "task", "x", "x", "")
	first, _ := s.CreateApproval(runID, owner, "s", "p", time.Minute)
	second, _ := s.CreateApproval(runID, owner, "s", "p", time.Minute)

	a, _ := s.GetApproval(first)
	if a.Status != ApprovalExpired {
		t.Errorf("first approval should be superseded, status = %s", a.Status)
	}
	pending, _ := s.PendingApprovals(owner)
	if len(pending) != 1 || pending[0].RequestID != second {
		t.Errorf("expected exactly one live approval (%s), got %d", second, len(pending))
	}
}

func TestExpireDueApprovals(t *testing.T) {
	s := openTestStore(t)

	runID, _ := s.CreateRun(owner, "imessage", "task", "x", "x", "")
	reqID, _ := s.CreateApproval(runID, owner, "s", "p", time.Millisecond)

	ids, err := s.ExpireDueApprovals(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ExpireDueApprovals: %v", err)
	}
	if len(ids) != 1 || ids[0] != reqID {
		t.Errorf("expired ids = %v", ids)
	}
	a, _ := s.GetApproval(reqID)
	if a.Status != ApprovalExpired {
		t.Errorf("status = %s", a.Status)
	}

	// Second sweep finds nothing.
	ids, _ = s.ExpireDueApprovals(time.Now().Add(time.Second))
	if len(ids) != 0 {
		t.Errorf("second sweep expired %v", ids)
	}
}

func TestScheduledActions(t *testing.T) {
	s := openTestStore(t)

	fireAt := time.Now().Add(-time.Minute)
	id, err := s.ScheduleAction("run-1", owner, "imessage", ActionFollowUp, fireAt, 2, "nudge")
	if err != nil {
		t.Fatalf("ScheduleAction: %v", err)
	}

	due, err := s.DueActions(time.Now(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("DueActions = %d, %v", len(due), err)
	}

	if err := s.MarkActionFired(id, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkActionFired: %v", err)
	}
	// Budget 2: still alive but not due until the next hour.
	due, _ = s.DueActions(time.Now(), 10)
	if len(due) != 0 {
		t.Errorf("expected no due actions after reschedule, got %d", len(due))
	}

	if err := s.MarkActionFired(id, time.Now()); err != nil {
		t.Fatalf("MarkActionFired 2: %v", err)
	}
	// Budget exhausted: done, never due again.
	due, _ = s.DueActions(time.Now().Add(2*time.Hour), 10)
	if len(due) != 0 {
		t.Errorf("exhausted action still due: %d", len(due))
	}
}

func TestKV(t *testing.T) {
	s := openTestStore(t)

	if _, ok, _ := s.KVGet("missing"); ok {
		t.Error("missing key reported present")
	}
	if err := s.KVPut(KVMuted, "1"); err != nil {
		t.Fatalf("KVPut: %v", err)
	}
	v, ok, err := s.KVGet(KVMuted)
	if err != nil || !ok || v != "1" {
		t.Errorf("KVGet = %q, %v, %v", v, ok, err)
	}
	if err := s.KVPut(KVMuted, "0"); err != nil {
		t.Fatalf("KVPut overwrite: %v", err)
	}
	v, _, _ = s.KVGet(KVMuted)
	if v != "0" {
		t.Errorf("overwrite failed, v = %q", v)
	}
	if err := s.KVDelete(KVMuted); err != nil {
		t.Fatalf("KVDelete: %v", err)
	}
	if _, ok, _ := s.KVGet(KVMuted); ok {
		t.Error("deleted key still present")
	}
}

func TestEvents(t *testing.T) {
	s := openTestStore(t)

	s.AppendEvent(EventMessageIgnored, map[string]string{"reason": "unknown-sender"})
	s.AppendEvent(EventOutboundSent, "plain payload")

	events, err := s.RecentEvents(10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	// Newest first.
	if events[0].Kind != EventOutboundSent {
		t.Errorf("order wrong: %s first", events[0].Kind)
	}

	n, err := s.CountEventsSince(EventMessageIgnored, time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Errorf("CountEventsSince = %d, %v", n, err)
	}
}
