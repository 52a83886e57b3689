// Package channels connects the macOS message surfaces (Messages, Mail,
// Reminders, Notes, Calendar) to the message bus. Readers poll their source
// and publish InboundMessage values; the Manager consumes OutboundMessage
// values and delivers them through the matching writer.
package channels

import (
	"context"

	"github.com/hanoi-build/steward/internal/bus"
)

// Channel is one message surface. Start begins the poll loop and returns
// after setup; Stop blocks until the loop has drained.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
}

// Completer is implemented by channels whose source items carry state beyond
// read/unread: reminders move to the archive list, calendar events get the
// result written into their notes. Complete is invoked once the owning run
// reaches a terminal state.
type Completer interface {
	Complete(ctx context.Context, externalID, result string) error
}

// Truncate shortens s to maxLen runes, appending an ellipsis when cut.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
