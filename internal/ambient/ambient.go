// Package ambient enriches topic memory from the passive channels. The
// scanner walks newly recorded notes, calendar and mail messages, asks the
// connector for a one-line gist per batch, and appends it to the matching
// topic note. It never egresses and never touches the orchestrator.
package ambient

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/channels"
	"github.com/hanoi-build/steward/internal/connector"
	"github.com/hanoi-build/steward/internal/memory"
	"github.com/hanoi-build/steward/internal/store"
)

const cursorKey = "cursor.ambient"

// Options configure the scanner.
type Options struct {
	Interval  time.Duration
	Channels  []string
	BatchSize int
}

// Scanner is the ambient loop.
type Scanner struct {
	opts   Options
	st     *store.Store
	conn   *connector.Connector
	office *memory.Office
	log    *slog.Logger
}

// New creates a Scanner.
func New(opts Options, st *store.Store, conn *connector.Connector, office *memory.Office, log *slog.Logger) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Minute
	}
	if len(opts.Channels) == 0 {
		opts.Channels = []string{bus.ChannelNotes, bus.ChannelCalendar, bus.ChannelMail}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	return &Scanner{opts: opts, st: st, conn: conn, office: office, log: log}
}

// Run ticks until ctx is done.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error("ambient scan failed", "error", err)
			}
		}
	}
}

// Tick scans one batch past the cursor. The cursor only advances after the
// topic writes succeed, so a failed tick is retried whole.
func (s *Scanner) Tick(ctx context.Context) error {
	after, err := s.cursor()
	if err != nil {
		return err
	}
	msgs, err := s.st.MessagesAfterID(s.opts.Channels, after, s.opts.BatchSize)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	byChannel := make(map[string][]store.Message)
	for _, m := range msgs {
		byChannel[m.Channel] = append(byChannel[m.Channel], m)
	}
	for channel, batch := range byChannel {
		gist := s.summarize(ctx, channel, batch)
		if gist == "" {
			continue
		}
		if err := s.office.AppendTopic(channel, gist); err != nil {
			return fmt.Errorf("appending %s topic: %w", channel, err)
		}
	}

	last := msgs[len(msgs)-1].ID
	if err := s.st.KVPut(cursorKey, strconv.FormatInt(last, 10)); err != nil {
		return err
	}
	s.log.Debug("ambient scan advanced", "messages", len(msgs), "cursor", last)
	return nil
}

func (s *Scanner) cursor() (int64, error) {
	v, ok, err := s.st.KVGet(cursorKey)
	if err != nil || !ok {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ambient: bad cursor %q: %w", v, err)
	}
	return id, nil
}

// summarize asks the connector for a gist of the batch; when the turn fails
// a plain item list is kept instead so the scan never loses material.
func (s *Scanner) summarize(ctx context.Context, channel string, batch []store.Message) string {
	var raw strings.Builder
	for _, m := range batch {
		fmt.Fprintf(&raw, "- %s\n", channels.Truncate(strings.ReplaceAll(m.Body, "\n", " "), 200))
	}

	prompt := fmt.Sprintf("Summarize these recent %s items into 1-3 short bullet points worth remembering. Plain text, no preamble.\n\n%s",
		channel, raw.String())
	gist, err := s.conn.RunTurn(ctx, "ambient-"+channel, prompt, "")
	if err != nil {
		s.log.Warn("ambient summary failed, keeping raw list", "channel", channel, "error", err)
		return strings.TrimSpace(raw.String())
	}
	return strings.TrimSpace(gist)
}
