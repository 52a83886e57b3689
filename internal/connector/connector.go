// Package connector executes one AI turn per call by spawning a fresh CLI
// engine subprocess, piping the prompt on stdin and collecting stdout. Every
// failure mode maps to a typed Error; long turns can be cancelled per run.
package connector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Engine describes one CLI assistant binary.
type Engine struct {
	Command   string
	Args      []string
	ModelFlag string
}

// Builtin engines. A custom engine comes from config with the same shape.
var builtinEngines = map[string]Engine{
	"claude": {Command: "claude", Args: []string{"-p"}, ModelFlag: "--model"},
	"gemini": {Command: "gemini", Args: []string{"-p"}, ModelFlag: "--model"},
	"codex":  {Command: "codex", Args: []string{"exec"}, ModelFlag: "--model"},
}

// ResolveEngine returns the engine for name, preferring overrides over the
// builtin table.
func ResolveEngine(name string, overrides map[string]Engine) (Engine, bool) {
	if e, ok := overrides[name]; ok {
		return e, true
	}
	e, ok := builtinEngines[name]
	return e, ok
}

// Options configure a Connector.
type Options struct {
	Engine         Engine
	Model          string
	ExtraArgs      []string
	Timeout        time.Duration
	StreamInterval time.Duration
}

// ProgressFunc receives the accumulated partial output during a streaming
// turn.
type ProgressFunc func(partial string)

// Connector spawns engine subprocesses. Safe for concurrent calls; each turn
// owns its own child. The only shared state is the soul prompt and the
// process registry backing Cancel.
type Connector struct {
	opts Options
	soul *Soul

	mu    sync.Mutex
	turns map[string]context.CancelFunc
}

// New creates a Connector.
func New(opts Options, soul *Soul) *Connector {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 5 * time.Second
	}
	if soul == nil {
		soul = NewSoul(0)
	}
	return &Connector{opts: opts, soul: soul, turns: make(map[string]context.CancelFunc)}
}

// Soul returns the shared soul prompt holder.
func (c *Connector) Soul() *Soul { return c.soul }

// EngineCommand returns the engine binary name, for health reporting.
func (c *Connector) EngineCommand() string { return c.opts.Engine.Command }

// RunTurn executes one turn and returns the full response text.
func (c *Connector) RunTurn(ctx context.Context, runID, prompt, workspace string) (string, error) {
	return c.run(ctx, runID, prompt, workspace, nil)
}

// RunTurnStreaming is RunTurn with periodic partial-output callbacks.
func (c *Connector) RunTurnStreaming(ctx context.Context, runID, prompt, workspace string, onProgress ProgressFunc) (string, error) {
	return c.run(ctx, runID, prompt, workspace, onProgress)
}

func (c *Connector) run(ctx context.Context, runID, prompt, workspace string, onProgress ProgressFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	args := append([]string{}, c.opts.Engine.Args...)
	if c.opts.Model != "" && c.opts.Engine.ModelFlag != "" {
		args = append(args, c.opts.Engine.ModelFlag, c.opts.Model)
	}
	args = append(args, c.opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, c.opts.Engine.Command, args...)
	if workspace != "" {
		cmd.Dir = workspace
	}
	cmd.Stdin = strings.NewReader(prompt)
	// Children run in their own process group so cancellation kills
	// grandchildren too; otherwise a forked helper holding the stdout pipe
	// keeps Wait blocked until the deadline.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr syncBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return "", &Error{Kind: ErrCommandNotFound, Detail: c.opts.Engine.Command}
		}
		return "", &Error{Kind: ErrSpawnFailed, Detail: err.Error()}
	}

	c.register(runID, cancel)
	defer c.unregister(runID)

	if onProgress != nil {
		progressCtx, stopProgress := context.WithCancel(ctx)
		defer stopProgress()
		go func() {
			ticker := time.NewTicker(c.opts.StreamInterval)
			defer ticker.Stop()
			for {
				select {
				case <-progressCtx.Done():
					return
				case <-ticker.C:
					if partial := strings.TrimSpace(stdout.String()); partial != "" {
						onProgress(partial)
					}
				}
			}
		}()
	}

	err := cmd.Wait()
	out := strings.TrimSpace(stdout.String())

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return "", &Error{Kind: ErrTimeout, Detail: c.opts.Timeout.String(), Partial: out}
	case ctx.Err() == context.Canceled:
		return "", &Error{Kind: ErrCancelled, Partial: out}
	case err != nil:
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", &Error{Kind: ErrNonZeroExit, Detail: detail, Partial: out}
	case out == "":
		return "", &Error{Kind: ErrEmptyOutput}
	}
	return out, nil
}

func (c *Connector) register(runID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[runID] = cancel
}

func (c *Connector) unregister(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.turns, runID)
}

// Cancel terminates the in-flight turn for runID, if any, by cancelling its
// context so the failure surfaces as ErrCancelled. Safe from any goroutine.
func (c *Connector) Cancel(runID string) bool {
	c.mu.Lock()
	cancel, ok := c.turns[runID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// KillAll terminates every in-flight turn. Used by the killswitch and at
// shutdown.
func (c *Connector) KillAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.turns {
		cancel()
	}
	return len(c.turns)
}

// Active returns the run IDs with a live child.
func (c *Connector) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.turns))
	for id := range c.turns {
		ids = append(ids, id)
	}
	return ids
}

// syncBuffer is an io.Writer safe to read while the child is still writing.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
