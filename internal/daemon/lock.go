package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrLocked reports that another daemon instance holds the lock. Callers map
// it to exit code 3.
var ErrLocked = errors.New("daemon: another instance is running")

// staleAfter is how old a lock's heartbeat may be before it is treated as
// abandoned even when the PID check is inconclusive.
const staleAfter = 5 * time.Minute

// Lock is the single-instance lock file: the holder's PID inside, liveness
// via mtime heartbeats.
type Lock struct {
	path string
	stop chan struct{}
}

// AcquireLock takes the lock at path or returns ErrLocked. A lock whose
// owner is dead or whose heartbeat is stale is broken and re-acquired.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("daemon: creating lock dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			l := &Lock{path: path, stop: make(chan struct{})}
			go l.heartbeat()
			return l, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("daemon: creating lock: %w", err)
		}
		if !lockIsStale(path) {
			return nil, ErrLocked
		}
		// Holder is gone; break the lock and retry once.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("daemon: breaking stale lock: %w", err)
		}
	}
	return nil, ErrLocked
}

// lockIsStale reports whether the lock's owner is demonstrably gone.
func lockIsStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			return false
		}
		if errors.Is(err, syscall.EPERM) {
			// Alive but owned by someone else; trust the heartbeat.
			info, serr := os.Stat(path)
			return serr == nil && time.Since(info.ModTime()) > staleAfter
		}
	}
	return true
}

// heartbeat bumps the lock's mtime so stale-lock detection has a signal even
// when PID liveness cannot be checked.
func (l *Lock) heartbeat() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

// Release drops the lock.
func (l *Lock) Release() {
	close(l.stop)
	_ = os.Remove(l.path)
}
