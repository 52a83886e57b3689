package policy

import (
	"sync"
	"time"
)

// maxTrackedSenders caps the number of tracked rate-limit keys so a flood of
// distinct senders cannot exhaust memory.
const maxTrackedSenders = 1024

// RateWindow parametrizes the sliding window: at most Max messages per
// sender within Window; the (Max+1)th is rejected.
type RateWindow struct {
	Window time.Duration
	Max    int
}

// SlidingLimiter is a per-key sliding-window counter. Safe for concurrent
// use.
type SlidingLimiter struct {
	mu      sync.Mutex
	cfg     RateWindow
	now     func() time.Time
	entries map[string][]time.Time
}

// NewSlidingLimiter creates a limiter with the given window.
func NewSlidingLimiter(cfg RateWindow) *SlidingLimiter {
	return &SlidingLimiter{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string][]time.Time),
	}
}

// Allow records a hit for key and reports whether it is within the window
// budget.
func (l *SlidingLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	hits := l.entries[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.cfg.Max {
		l.entries[key] = kept
		return false
	}

	if len(l.entries) >= maxTrackedSenders {
		l.pruneLocked(cutoff)
	}

	l.entries[key] = append(kept, now)
	return true
}

func (l *SlidingLimiter) pruneLocked(cutoff time.Time) {
	for k, hits := range l.entries {
		alive := false
		for _, t := range hits {
			if t.After(cutoff) {
				alive = true
				break
			}
		}
		if !alive {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedSenders {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
