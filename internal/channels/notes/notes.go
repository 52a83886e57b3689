// Package notes polls a designated Notes folder for notes carrying the
// trigger tag. Fetches run under their own timeout with bounded retries;
// Notes scripting is the flakiest of the five surfaces.
package notes

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
	Folder       string
	TriggerTag   string
	PollInterval time.Duration
	FetchTimeout time.Duration
	MaxRetries   int
	Owner        sender.ID
}

// Channel is the Notes reader/writer pair.
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
	if opts.Folder == "" {
		opts.Folder = "Notes"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Channel{
		opts:    opts,
		bus:     msgBus,
		scripts: scripts,
		log:     log.With("channel", bus.ChannelNotes),
	}
}

func (c *Channel) Name() string { return bus.ChannelNotes }

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

// poll fetches tagged notes, retrying the flaky scripting call up to
// MaxRetries times before giving up for this round.
func (c *Channel) poll(ctx context.Context) error {
	var (
		out string
		err error
	)
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		out, err = c.scripts.Run(fetchCtx, c.fetchScript())
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("notes fetch failed", "attempt", attempt+1, "error", err)
	}
	if err != nil {
		return fmt.Errorf("fetching notes after %d attempts: %w", c.opts.MaxRetries, err)
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
		id, title, body := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), stripHTML(strings.TrimSpace(parts[2]))
		if c.opts.TriggerTag != "" &&
			!strings.Contains(strings.ToLower(title+"\n"+body), strings.ToLower(c.opts.TriggerTag)) {
			continue
		}
		c.bus.PublishInbound(bus.InboundMessage{
			ExternalID: "note-" + id,
			Channel:    bus.ChannelNotes,
			Sender:     c.opts.Owner,
			Text:       body,
			ReceivedAt: time.Now(),
			Metadata: map[string]string{
				"title":   title,
				"note_id": id,
			},
		})
	}
	return nil
}

func (c *Channel) fetchScript() string {
	return fmt.Sprintf(`tell application "Notes"
	set acc to ""
	repeat with n in (every note of folder "%s")
		set acc to acc & (id of n as string) & "%s" & (name of n) & "%s" & (body of n) & "%s"
	end repeat
	return acc
end tell`, channels.EscapeAppleScript(c.opts.Folder), fieldSep, fieldSep, recordSep)
}

// Send appends the reply to the source note when the thread hint names one,
// otherwise it creates a new note in the folder.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	escaped := channels.EscapeAppleScript(htmlEscape(msg.Text))
	if id, ok := strings.CutPrefix(msg.ThreadHint, "note-"); ok {
		script := fmt.Sprintf(`tell application "Notes"
	set n to note id "%s"
	set body of n to (body of n) & "<div><br></div><div>%s</div>"
end tell`, channels.EscapeAppleScript(id), escaped)
		_, err := c.scripts.Run(ctx, script)
		return err
	}

	title := msg.Text
	if i := strings.IndexByte(title, '\n'); i > 0 {
		title = title[:i]
	}
	script := fmt.Sprintf(`tell application "Notes"
	tell folder "%s" to make new note with properties {name:"%s", body:"<div>%s</div>"}
end tell`,
		channels.EscapeAppleScript(c.opts.Folder),
		channels.EscapeAppleScript(channels.Truncate(title, 120)),
		escaped)
	_, err := c.scripts.Run(ctx, script)
	return err
}

// Notes bodies come back as HTML fragments.
func stripHTML(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte('\n')
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := strings.ReplaceAll(b.String(), "&nbsp;", " ")
	out = strings.ReplaceAll(out, "&amp;", "&")
	out = strings.ReplaceAll(out, "&lt;", "<")
	out = strings.ReplaceAll(out, "&gt;", ">")
	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

func htmlEscape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return strings.ReplaceAll(s, "\n", "<br>")
}
