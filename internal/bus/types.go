// Package bus carries messages between the ingress readers, the orchestrator
// and the egress writers. All channel readers publish InboundMessage values;
// the orchestrator consumes them and publishes OutboundMessage values that the
// channel manager delivers.
package bus

import (
	"time"

	"github.com/hanoi-build/steward/internal/sender"
)

// Channel names. "task" is the synthetic channel backing the HTTP task
// endpoint; it egresses through iMessage when a reply is required.
const (
	ChannelIMessage  = "imessage"
	ChannelMail      = "mail"
	ChannelReminders = "reminders"
	ChannelNotes     = "notes"
	ChannelCalendar  = "calendar"
	ChannelTask      = "task"
)

// Attachment describes a file attached to an inbound message.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// InboundMessage is one item discovered by a channel reader.
// ExternalID is unique per channel per message and is the idempotency key
// for ingestion.
type InboundMessage struct {
	ExternalID  string            `json:"external_id"`
	Channel     string            `json:"channel"`
	Sender      sender.ID         `json:"sender"`
	Text        string            `json:"text"`
	ReceivedAt  time.Time         `json:"received_at"`
	IsSelf      bool              `json:"is_self"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is one reply to deliver through a channel writer.
type OutboundMessage struct {
	Channel    string    `json:"channel"`
	Recipient  sender.ID `json:"recipient"`
	Text       string    `json:"text"`
	ThreadHint string    `json:"thread_hint,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
}
