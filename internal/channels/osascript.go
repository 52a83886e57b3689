package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrScriptTimeout is returned when an osascript invocation exceeds its
// deadline.
var ErrScriptTimeout = errors.New("osascript timed out")

// ScriptRunner executes AppleScript through /usr/bin/osascript with a
// per-invocation timeout. The exec seam is swappable for tests.
type ScriptRunner struct {
	Timeout time.Duration

	// run is the exec seam; nil means the real osascript binary.
	run func(ctx context.Context, script string) (string, error)
}

// NewScriptRunner creates a runner with the given timeout.
func NewScriptRunner(timeout time.Duration) *ScriptRunner {
	return &ScriptRunner{Timeout: timeout}
}

// Run executes the script and returns its trimmed stdout.
func (r *ScriptRunner) Run(ctx context.Context, script string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	if r.run != nil {
		out, err := r.run(ctx, script)
		return strings.TrimSpace(out), err
	}

	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", ErrScriptTimeout
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("osascript: %s", msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// EscapeAppleScript makes s safe for interpolation inside a double-quoted
// AppleScript string literal. Backslashes first, then quotes; newlines become
// escaped line feeds.
func EscapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\n", `\n`)
	return s
}
