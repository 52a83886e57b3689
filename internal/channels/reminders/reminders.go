// Package reminders polls incomplete items in a designated Reminders list.
// A completed run moves its item to the archive list with the result in the
// item body.
package reminders

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

const (
	fieldSep  = "<|f|>"
	recordSep = "<|r|>"
)

// Options configure the channel. Owner is the sender every item is
// attributed to; Reminders carries no sender identity of its own.
type Options struct {
	List         string
	ArchiveList  string
	PollInterval time.Duration
	Owner        sender.ID
}

// Channel is the Reminders reader/writer pair.
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
	if opts.List == "" {
		opts.List = "Steward"
	}
	if opts.ArchiveList == "" {
		opts.ArchiveList = opts.List + " Archive"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Minute
	}
	return &Channel{
		opts:    opts,
		bus:     msgBus,
		scripts: scripts,
		log:     log.With("channel", bus.ChannelReminders),
	}
}

func (c *Channel) Name() string { return bus.ChannelReminders }

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

// poll lists incomplete items. Items stay in the list until their run
// completes, so the same item shows up on consecutive polls; the store's
// external-id constraint keeps ingestion idempotent.
func (c *Channel) poll(ctx context.Context) error {
	script := fmt.Sprintf(`tell application "Reminders"
	set acc to ""
	repeat with r in (every reminder of list "%s" whose completed is false)
		set b to body of r
		if b is missing value then set b to ""
		set acc to acc & (id of r as string) & "%s" & (name of r) & "%s" & b & "%s"
	end repeat
	return acc
end tell`, channels.EscapeAppleScript(c.opts.List), fieldSep, fieldSep, recordSep)

	out, err := c.scripts.Run(ctx, script)
	if err != nil {
		return fmt.Errorf("listing reminders: %w", err)
	}

	for _, rec := range strings.Split(out, recordSep) {
		rec = strings.TrimSpace(rec)
		if rec == "" {
			continue
		}
		parts := strings.SplitN(rec, fieldSep, 3)
		if len(parts) != 3 {
			continue
		}
		id, title, body := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
		text := title
		if body != "" {
			text = title + "\n" + body
		}
		c.bus.PublishInbound(bus.InboundMessage{
			ExternalID: "reminder-" + id,
			Channel:    bus.ChannelReminders,
			Sender:     c.opts.Owner,
			Text:       text,
			ReceivedAt: time.Now(),
			Metadata: map[string]string{
				"title":       title,
				"reminder_id": id,
			},
		})
	}
	return nil
}

// Overdue lists incomplete items in the list whose due date has passed.
// Used by the companion's observation pass.
func (c *Channel) Overdue(ctx context.Context) ([]string, error) {
	script := fmt.Sprintf(`tell application "Reminders"
	set acc to ""
	repeat with r in (every reminder of list "%s" whose completed is false and due date < (current date))
		set acc to acc & (name of r) & "%s"
	end repeat
	return acc
end tell`, channels.EscapeAppleScript(c.opts.List), recordSep)

	out, err := c.scripts.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("listing overdue reminders: %w", err)
	}
	var names []string
	for _, rec := range strings.Split(out, recordSep) {
		if rec = strings.TrimSpace(rec); rec != "" {
			names = append(names, rec)
		}
	}
	return names, nil
}

// Send writes the reply into the source reminder's body when the thread
// hint names one, otherwise it creates a fresh item in the list.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if id, ok := strings.CutPrefix(msg.ThreadHint, "reminder-"); ok {
		script := fmt.Sprintf(`tell application "Reminders"
	set body of (reminder id "%s") to "%s"
end tell`, channels.EscapeAppleScript(id), channels.EscapeAppleScript(msg.Text))
		_, err := c.scripts.Run(ctx, script)
		return err
	}

	title := msg.Text
	if i := strings.IndexByte(title, '\n'); i > 0 {
		title = title[:i]
	}
	script := fmt.Sprintf(`tell application "Reminders"
	tell list "%s" to make new reminder with properties {name:"%s", body:"%s"}
end tell`,
		channels.EscapeAppleScript(c.opts.List),
		channels.EscapeAppleScript(channels.Truncate(title, 120)),
		channels.EscapeAppleScript(msg.Text))
	_, err := c.scripts.Run(ctx, script)
	return err
}

// Complete marks the reminder done and moves it to the archive list, with
// the run result recorded in the body.
func (c *Channel) Complete(ctx context.Context, externalID, result string) error {
	id, ok := strings.CutPrefix(externalID, "reminder-")
	if !ok {
		return nil
	}
	script := fmt.Sprintf(`tell application "Reminders"
	set r to reminder id "%s"
	if "%s" is not "" then set body of r to "%s"
	set completed of r to true
	move r to list "%s"
end tell`,
		channels.EscapeAppleScript(id),
		channels.EscapeAppleScript(channels.Truncate(result, 500)),
		channels.EscapeAppleScript(channels.Truncate(result, 500)),
		channels.EscapeAppleScript(c.opts.ArchiveList))
	if _, err := c.scripts.Run(ctx, script); err != nil {
		return fmt.Errorf("archiving reminder %s: %w", id, err)
	}
	return nil
}
