package channels

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

// Deduper suppresses repeated outbound payloads: a second send with the same
// (channel, recipient, content) fingerprint inside the window is dropped.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduper creates a Deduper with the given suppression window.
func NewDeduper(window time.Duration) *Deduper {
	return &Deduper{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// Suppress records the fingerprint and reports whether the send should be
// dropped as a duplicate.
func (d *Deduper) Suppress(channel string, recipient sender.ID, text string) bool {
	if d.window <= 0 {
		return false
	}
	fp := fingerprint(channel, recipient, text)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[fp]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[fp] = now
	d.pruneLocked(now)
	return false
}

func (d *Deduper) pruneLocked(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
}

func fingerprint(channel string, recipient sender.ID, text string) string {
	h := sha256.New()
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(recipient))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
