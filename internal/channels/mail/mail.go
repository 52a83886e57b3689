// Package mail polls unread inbox messages through Mail.app scripting and
// sends replies as new outgoing messages with a configurable signature.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/channels"
	"github.com/hanoi-build/steward/internal/sender"
)

// Field and record delimiters for the fetch script output. Mail bodies are
// free text, so the markers are chosen to be vanishingly unlikely in one.
const (
	fieldSep  = "<|f|>"
	recordSep = "<|r|>"
)

// Options configure the channel.
type Options struct {
	Mailbox      string
	MaxAge       time.Duration
	PollInterval time.Duration
	Signature    string
}

// Channel is the Mail reader/writer pair.
type Channel struct {
	opts    Options
	bus     *bus.MessageBus
	scripts *channels.ScriptRunner
	log     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates the channel.
func New(opts Options, msgBus *bus.MessageBus, scripts *channels.ScriptRunner, log *slog.Logger) *Channel {
	if opts.Mailbox == "" {
		opts.Mailbox = "inbox"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Minute
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	return &Channel{
		opts:    opts,
		bus:     msgBus,
		scripts: scripts,
		log:     log.With("channel", bus.ChannelMail),
	}
}

func (c *Channel) Name() string { return bus.ChannelMail }

func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Channel) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := c.poll(loopCtx); err != nil {
					c.log.Error("poll failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return nil
}

// poll fetches unread messages newer than MaxAge. Each message is marked
// read before it is published; a message whose mark fails is skipped this
// round and picked up again on the next.
func (c *Channel) poll(ctx context.Context) error {
	out, err := c.scripts.Run(ctx, c.fetchScript())
	if err != nil {
		return fmt.Errorf("fetching unread mail: %w", err)
	}

	for _, m := range parseFetchOutput(out) {
		if err := c.markRead(ctx, m.ID); err != nil {
			c.log.Warn("marking mail read failed, leaving for next poll", "id", m.ID, "error", err)
			continue
		}
		c.bus.PublishInbound(bus.InboundMessage{
			ExternalID: "mail-" + m.ID,
			Channel:    bus.ChannelMail,
			Sender:     sender.Normalize(m.From),
			Text:       m.Body,
			ReceivedAt: time.Now(),
			Metadata: map[string]string{
				"title":   m.Subject,
				"mail_id": m.ID,
			},
		})
	}
	return nil
}

type fetched struct {
	ID      string
	From    string
	Subject string
	Body    string
}

func (c *Channel) fetchScript() string {
	return fmt.Sprintf(`tell application "Mail"
	set cutoff to (current date) - %d
	set acc to ""
	repeat with m in (every message of %s whose read status is false and date received > cutoff)
		set acc to acc & (id of m as string) & "%s" & (extract address from sender of m) & "%s" & (subject of m) & "%s" & (content of m) & "%s"
	end repeat
	return acc
end tell`, int(c.opts.MaxAge.Seconds()), c.mailboxRef(), fieldSep, fieldSep, fieldSep, recordSep)
}

// mailboxRef resolves the configured mailbox to an AppleScript reference.
// "INBOX" in any casing means the global inbox, which has no account
// qualifier.
func (c *Channel) mailboxRef() string {
	if strings.EqualFold(c.opts.Mailbox, "inbox") {
		return "inbox"
	}
	return fmt.Sprintf(`mailbox "%s"`, channels.EscapeAppleScript(c.opts.Mailbox))
}

func (c *Channel) markRead(ctx context.Context, id string) error {
	script := fmt.Sprintf(`tell application "Mail"
	set read status of (first message of %s whose id is %s) to true
end tell`, c.mailboxRef(), channels.EscapeAppleScript(id))
	_, err := c.scripts.Run(ctx, script)
	return err
}

func parseFetchOutput(out string) []fetched {
	var msgs []fetched
	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, fieldSep, 4)
		if len(parts) != 4 {
			continue
		}
		msgs = append(msgs, fetched{
			ID:      strings.TrimSpace(parts[0]),
			From:    strings.TrimSpace(parts[1]),
			Subject: strings.TrimSpace(parts[2]),
			Body:    strings.TrimSpace(parts[3]),
		})
	}
	return msgs
}

// Send composes a reply. The thread hint carries the original subject so
// the reply threads in the recipient's client.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	subject := msg.ThreadHint
	if subject == "" {
		subject = "Note from your assistant"
	} else if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	body := msg.Text
	if c.opts.Signature != "" {
		body += "\n\n" + c.opts.Signature
	}

	script := fmt.Sprintf(`tell application "Mail"
	set newMsg to make new outgoing message with properties {subject:"%s", content:"%s", visible:false}
	tell newMsg to make new to recipient at end of every to recipient with properties {address:"%s"}
	send newMsg
end tell`,
		channels.EscapeAppleScript(subject),
		channels.EscapeAppleScript(body),
		channels.EscapeAppleScript(string(msg.Recipient)))

	if _, err := c.scripts.Run(ctx, script); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}
