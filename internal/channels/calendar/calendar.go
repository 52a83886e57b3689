// Package calendar polls a Calendar.app calendar for events whose start
// time has elapsed within the lookahead window. A completed run annotates
// the event description with the result.
package calendar

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

// Options configure the channel.
type Options struct {
	Calendar     string
	Lookahead    time.Duration
	PollInterval time.Duration
	Owner        sender.ID
}

// Channel is the Calendar reader/writer pair.
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
	if opts.Calendar == "" {
		opts.Calendar = "Steward"
	}
	if opts.Lookahead <= 0 {
		opts.Lookahead = time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	return &Channel{
		opts:    opts,
		bus:     msgBus,
		scripts: scripts,
		log:     log.With("channel", bus.ChannelCalendar),
	}
}

func (c *Channel) Name() string { return bus.ChannelCalendar }

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

// poll lists events that started inside the lookahead window. Events whose
// start is still in the future are left for a later tick.
func (c *Channel) poll(ctx context.Context) error {
	script := fmt.Sprintf(`tell application "Calendar"
	set windowStart to (current date) - %d
	set nowDate to current date
	set acc to ""
	repeat with e in (every event of calendar "%s" whose start date > windowStart and start date is less than or equal to nowDate)
		set d to description of e
		if d is missing value then set d to ""
		set acc to acc & (uid of e) & "%s" & (summary of e) & "%s" & d & "%s"
	end repeat
	return acc
end tell`,
		int(c.opts.Lookahead.Seconds()),
		channels.EscapeAppleScript(c.opts.Calendar),
		fieldSep, fieldSep, recordSep)

	out, err := c.scripts.Run(ctx, script)
	if err != nil {
		return fmt.Errorf("listing calendar events: %w", err)
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
		uid, summary, desc := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])
		text := summary
		if desc != "" {
			text = summary + "\n" + desc
		}
		c.bus.PublishInbound(bus.InboundMessage{
			ExternalID: "event-" + uid,
			Channel:    bus.ChannelCalendar,
			Sender:     c.opts.Owner,
			Text:       text,
			ReceivedAt: time.Now(),
			Metadata: map[string]string{
				"title":     summary,
				"event_uid": uid,
			},
		})
	}
	return nil
}

// Upcoming lists events starting within the window. Used by the companion's
// observation pass.
func (c *Channel) Upcoming(ctx context.Context, within time.Duration) ([]string, error) {
	script := fmt.Sprintf(`tell application "Calendar"
	set horizon to (current date) + %d
	set nowDate to current date
	set acc to ""
	repeat with e in (every event of calendar "%s" whose start date > nowDate and start date < horizon)
		set acc to acc & (summary of e) & " at " & ((start date of e) as string) & "%s"
	end repeat
	return acc
end tell`,
		int(within.Seconds()),
		channels.EscapeAppleScript(c.opts.Calendar),
		recordSep)

	out, err := c.scripts.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("listing upcoming events: %w", err)
	}
	var items []string
	for _, rec := range strings.Split(out, recordSep) {
		if rec = strings.TrimSpace(rec); rec != "" {
			items = append(items, rec)
		}
	}
	return items, nil
}

// Send annotates the source event when the thread hint names one, otherwise
// it creates a short event at the current time carrying the text.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if uid, ok := strings.CutPrefix(msg.ThreadHint, "event-"); ok {
		return c.annotate(ctx, uid, msg.Text)
	}
	script := fmt.Sprintf(`tell application "Calendar"
	tell calendar "%s" to make new event with properties {summary:"%s", start date:(current date), end date:((current date) + 900), description:"%s"}
end tell`,
		channels.EscapeAppleScript(c.opts.Calendar),
		channels.EscapeAppleScript(channels.Truncate(msg.Text, 120)),
		channels.EscapeAppleScript(msg.Text))
	_, err := c.scripts.Run(ctx, script)
	return err
}

// Complete appends the run result to the event description.
func (c *Channel) Complete(ctx context.Context, externalID, result string) error {
	uid, ok := strings.CutPrefix(externalID, "event-")
	if !ok {
		return nil
	}
	return c.annotate(ctx, uid, "--- assistant ---\n"+channels.Truncate(result, 500))
}

func (c *Channel) annotate(ctx context.Context, uid, text string) error {
	script := fmt.Sprintf(`tell application "Calendar"
	set e to (first event of calendar "%s" whose uid is "%s")
	set d to description of e
	if d is missing value then set d to ""
	set description of e to d & "\n" & "%s"
end tell`,
		channels.EscapeAppleScript(c.opts.Calendar),
		channels.EscapeAppleScript(uid),
		channels.EscapeAppleScript(text))
	if _, err := c.scripts.Run(ctx, script); err != nil {
		return fmt.Errorf("annotating event %s: %w", uid, err)
	}
	return nil
}
