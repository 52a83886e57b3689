package connector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func shellEngine(script string) Engine {
	return Engine{Command: "sh", Args: []string{"-c", script}}
}

func TestRunTurnHappyPath(t *testing.T) {
	c := New(Options{Engine: shellEngine(`cat`), Timeout: 10 * time.Second}, nil)
	out, err := c.RunTurn(context.Background(), "r1", "hello from the prompt", "")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if out != "hello from the prompt" {
		t.Errorf("out = %q", out)
	}
}

func TestRunTurnCommandNotFound(t *testing.T) {
	c := New(Options{Engine: Engine{Command: "definitely-not-a-real-binary-xyz"}, Timeout: time.Second}, nil)
	_, err := c.RunTurn(context.Background(), "r1", "hi", "")
	ce, ok := AsError(err)
	if !ok || ce.Kind != ErrCommandNotFound {
		t.Errorf("err = %v, want command-not-found", err)
	}
}

func TestRunTurnNonZeroExit(t *testing.T) {
	c := New(Options{Engine: shellEngine(`echo boom >&2; exit 3`), Timeout: 10 * time.Second}, nil)
	_, err := c.RunTurn(context.Background(), "r1", "hi", "")
	ce, ok := AsError(err)
	if !ok || ce.Kind != ErrNonZeroExit {
		t.Fatalf("err = %v, want non-zero-exit", err)
	}
	if !strings.Contains(ce.Detail, "boom") {
		t.Errorf("detail = %q, want stderr content", ce.Detail)
	}
}

func TestRunTurnEmptyOutput(t *testing.T) {
	c := New(Options{Engine: shellEngine(`true`), Timeout: 10 * time.Second}, nil)
	_, err := c.RunTurn(context.Background(), "r1", "hi", "")
	ce, ok := AsError(err)
	if !ok || ce.Kind != ErrEmptyOutput {
		t.Errorf("err = %v, want empty-output", err)
	}
}

func TestRunTurnTimeoutKeepsPartial(t *testing.T) {
	c := New(Options{
		Engine:  shellEngine(`echo partial progress; sleep 30`),
		Timeout: 500 * time.Millisecond,
	}, nil)
	start := time.Now()
	_, err := c.RunTurn(context.Background(), "r1", "hi", "")
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout not enforced")
	}
	ce, ok := AsError(err)
	if !ok || ce.Kind != ErrTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	if ce.Partial != "partial progress" {
		t.Errorf("partial = %q", ce.Partial)
	}
}

func TestCancelTerminatesChild(t *testing.T) {
	c := New(Options{Engine: shellEngine(`sleep 30`), Timeout: time.Minute}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RunTurn(context.Background(), "r1", "hi", "")
		errCh <- err
	}()

	// Wait until the child is registered.
	deadline := time.After(5 * time.Second)
	for len(c.Active()) == 0 {
		select {
		case <-deadline:
			t.Fatal("child never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !c.Cancel("r1") {
		t.Fatal("Cancel found no child")
	}
	select {
	case err := <-errCh:
		ce, ok := AsError(err)
		if !ok || ce.Kind != ErrCancelled {
			t.Errorf("err = %v, want kind %s", err, ErrCancelled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if c.Cancel("r1") {
		t.Error("Cancel after completion should find nothing")
	}
}

func TestCancelKillsForkedGrandchild(t *testing.T) {
	// The inner background sleep inherits the stdout pipe; a group kill must
	// unblock Wait without waiting out the deadline.
	c := New(Options{Engine: shellEngine(`sleep 30 & wait`), Timeout: time.Minute}, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RunTurn(context.Background(), "r1", "hi", "")
		errCh <- err
	}()

	deadline := time.After(5 * time.Second)
	for len(c.Active()) == 0 {
		select {
		case <-deadline:
			t.Fatal("child never registered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	start := time.Now()
	c.Cancel("r1")
	select {
	case err := <-errCh:
		if ce, ok := AsError(err); !ok || ce.Kind != ErrCancelled {
			t.Errorf("err = %v, want kind %s", err, ErrCancelled)
		}
		if time.Since(start) > 10*time.Second {
			t.Error("cancel did not promptly unblock the turn")
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunTurnStreaming(t *testing.T) {
	c := New(Options{
		Engine:         shellEngine(`echo first; sleep 1; echo second`),
		Timeout:        10 * time.Second,
		StreamInterval: 200 * time.Millisecond,
	}, nil)

	var (
		mu  sync.Mutex
		got []string
	)
	out, err := c.RunTurnStreaming(context.Background(), "r1", "hi", "", func(partial string) {
		mu.Lock()
		got = append(got, partial)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("RunTurnStreaming: %v", err)
	}
	if out != "first\nsecond" {
		t.Errorf("out = %q", out)
	}
	mu.Lock()
	calls := len(got)
	mu.Unlock()
	if calls == 0 {
		t.Error("no progress callbacks fired")
	}
}

func TestSoulBoundAndCopy(t *testing.T) {
	s := NewSoul(10)
	s.Set(strings.Repeat("x", 50))
	if got := s.Get(); len(got) != 10 {
		t.Errorf("soul not trimmed: %d chars", len(got))
	}
	s.Set("  padded  ")
	if got := s.Get(); got != "padded" {
		t.Errorf("soul = %q", got)
	}
}

func TestResolveEngine(t *testing.T) {
	if _, ok := ResolveEngine("claude", nil); !ok {
		t.Error("builtin claude missing")
	}
	custom := map[string]Engine{"claude": {Command: "my-claude"}}
	e, ok := ResolveEngine("claude", custom)
	if !ok || e.Command != "my-claude" {
		t.Error("override not preferred")
	}
	if _, ok := ResolveEngine("nope", nil); ok {
		t.Error("unknown engine resolved")
	}
}
