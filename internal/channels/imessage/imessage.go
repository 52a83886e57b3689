// Package imessage reads the Messages chat database directly and sends
// replies through the Messages application. The chat.db handle is strictly
// read-only; all writes go through AppleScript.
package imessage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/channels"
	"github.com/hanoi-build/steward/internal/sender"
)

// CursorStore persists the poll cursor between restarts.
type CursorStore interface {
	KVGet(key string) (string, bool, error)
	KVPut(key, value string) error
}

// The cursor is the (rowid, date) tuple so a restored backup with reset
// rowids still advances.
const cursorKey = "cursor.imessage"

// Options configure the channel.
type Options struct {
	DBPath       string
	PollInterval time.Duration
	MaxChunk     int
	// FilterAllowed drops rows from unknown senders at read time instead of
	// leaving it all to the policy gate.
	FilterAllowed bool
	Allowed       sender.Set
	// ProcessHistorical replays the whole database on first start instead of
	// jumping the cursor to the newest row.
	ProcessHistorical bool
}

// Channel is the iMessage reader/writer pair.
type Channel struct {
	opts    Options
	bus     *bus.MessageBus
	cursors CursorStore
	scripts *channels.ScriptRunner
	log     *slog.Logger

	reader *dbReader

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates the channel. The database is not opened until Start.
func New(opts Options, msgBus *bus.MessageBus, cursors CursorStore, scripts *channels.ScriptRunner, log *slog.Logger) *Channel {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	return &Channel{
		opts:    opts,
		bus:     msgBus,
		cursors: cursors,
		scripts: scripts,
		log:     log.With("channel", bus.ChannelIMessage),
	}
}

func (c *Channel) Name() string { return bus.ChannelIMessage }

func (c *Channel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start opens chat.db read-only, positions the cursor and begins polling.
func (c *Channel) Start(ctx context.Context) error {
	reader, err := openReader(c.opts.DBPath)
	if err != nil {
		return fmt.Errorf("opening chat database: %w", err)
	}
	c.reader = reader

	if err := c.positionCursor(); err != nil {
		reader.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.mu.Unlock()

	go c.pollLoop(loopCtx)
	return nil
}

// Stop cancels the poll loop and closes the database.
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
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

// positionCursor restores the saved cursor, or seeds it at the database tail
// so old history is not replayed.
func (c *Channel) positionCursor() error {
	if _, ok, err := c.cursors.KVGet(cursorKey); err != nil {
		return err
	} else if ok {
		return nil
	}
	if c.opts.ProcessHistorical {
		return c.putCursor(Cursor{})
	}
	tail, err := c.reader.Tail()
	if err != nil {
		return err
	}
	return c.putCursor(tail)
}

func (c *Channel) getCursor() (Cursor, error) {
	raw, _, err := c.cursors.KVGet(cursorKey)
	if err != nil {
		return Cursor{}, err
	}
	var cur Cursor
	fmt.Sscanf(raw, "%d|%d", &cur.RowID, &cur.Date)
	return cur, nil
}

func (c *Channel) putCursor(cur Cursor) error {
	return c.cursors.KVPut(cursorKey, fmt.Sprintf("%d|%d", cur.RowID, cur.Date))
}

func (c *Channel) pollLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				c.log.Error("poll failed", "error", err)
			}
		}
	}
}

func (c *Channel) poll(ctx context.Context) error {
	cur, err := c.getCursor()
	if err != nil {
		return err
	}

	rows, err := c.reader.MessagesAfter(ctx, cur)
	if err != nil {
		return err
	}

	advanced := false
	for _, row := range rows {
		from := sender.Normalize(row.Handle)
		if !c.opts.FilterAllowed || row.FromMe || c.opts.Allowed.Contains(from) {
			ok := c.bus.PublishInbound(bus.InboundMessage{
				ExternalID:  row.GUID,
				Channel:     bus.ChannelIMessage,
				Sender:      from,
				Text:        row.Text,
				ReceivedAt:  row.At,
				IsSelf:      row.FromMe,
				Attachments: row.Attachments,
			})
			if !ok {
				// Queue full. Leave the cursor behind this row so the next
				// poll retries it instead of losing the message.
				c.log.Warn("inbound queue full, deferring", "rowid", row.RowID)
				break
			}
		}
		if row.RowID > cur.RowID {
			cur.RowID = row.RowID
		}
		if row.Date > cur.Date {
			cur.Date = row.Date
		}
		advanced = true
	}

	if advanced {
		return c.putCursor(cur)
	}
	return nil
}

// Send delivers a reply through Messages.app, chunked to the configured
// size.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	recipient := channels.EscapeAppleScript(string(msg.Recipient))
	for _, chunk := range channels.Chunk(msg.Text, c.opts.MaxChunk) {
		script := fmt.Sprintf(`tell application "Messages"
	set targetService to 1st account whose service type = iMessage
	set targetBuddy to participant "%s" of targetService
	send "%s" to targetBuddy
end tell`, recipient, channels.EscapeAppleScript(chunk))
		if _, err := c.scripts.Run(ctx, script); err != nil {
			return fmt.Errorf("sending imessage: %w", err)
		}
	}
	return nil
}
