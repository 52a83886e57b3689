// Package companion runs the proactive loop: it observes stale approvals,
// upcoming calendar events, overdue reminders and office-inbox items, and
// sends at most a trickle of consolidated briefs outside quiet hours. Daily
// digests and weekly reviews are written straight into the office, never
// egressed.
package companion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/connector"
	"github.com/hanoi-build/steward/internal/memory"
	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
)

// Observation is one thing worth telling the owner about.
type Observation struct {
	Topic  string
	Detail string
}

// ObserveFunc contributes observations to a tick. Errors are logged, not
// fatal; one flaky source must not silence the rest.
type ObserveFunc func(ctx context.Context) ([]Observation, error)

// Options configure the companion.
type Options struct {
	Owner    sender.ID
	Interval time.Duration

	// Quiet hours as minutes past midnight; the window may cross midnight.
	QuietStart int
	QuietEnd   int

	MaxProactivePerHour int
	StaleApprovalAfter  time.Duration

	DigestCron string
	ReviewCron string
}

// Companion is the proactive loop.
type Companion struct {
	opts   Options
	st     *store.Store
	bus    *bus.MessageBus
	conn   *connector.Connector
	office *memory.Office
	log    *slog.Logger

	extra   []ObserveFunc
	limiter *rate.Limiter
	cron    *gronx.Gronx

	now func() time.Time

	lastDigest string
	lastReview string
}

// New creates a Companion.
func New(opts Options, st *store.Store, msgBus *bus.MessageBus, conn *connector.Connector,
	office *memory.Office, extra []ObserveFunc, log *slog.Logger) *Companion {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.MaxProactivePerHour <= 0 {
		opts.MaxProactivePerHour = 2
	}
	if opts.StaleApprovalAfter <= 0 {
		opts.StaleApprovalAfter = time.Hour
	}
	return &Companion{
		opts:    opts,
		st:      st,
		bus:     msgBus,
		conn:    conn,
		office:  office,
		log:     log,
		extra:   extra,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(opts.MaxProactivePerHour)), 1),
		cron:    gronx.New(),
		now:     time.Now,
	}
}

// Run ticks until ctx is done. Scheduled notes run on a tighter cadence than
// observations so cron minutes are not missed.
func (c *Companion) Run(ctx context.Context) {
	observe := time.NewTicker(c.opts.Interval)
	defer observe.Stop()
	cronTick := time.NewTicker(time.Minute)
	defer cronTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cronTick.C:
			c.runCrons()
		case <-observe.C:
			c.Tick(ctx)
		}
	}
}

// Tick runs one observation pass and, gates permitting, sends a single
// consolidated brief.
func (c *Companion) Tick(ctx context.Context) {
	if c.muted() {
		return
	}
	if c.inQuietHours(c.now()) {
		return
	}

	obs := c.observe(ctx)
	if len(obs) == 0 {
		return
	}
	if !c.limiter.Allow() {
		c.log.Debug("proactive brief suppressed by hourly limit", "observations", len(obs))
		return
	}

	text := c.brief(ctx, obs)
	if text == "" {
		return
	}
	if !c.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   bus.ChannelIMessage,
		Recipient: c.opts.Owner,
		Text:      text,
	}) {
		c.log.Warn("outbound queue full, brief dropped")
		return
	}
	if err := c.st.AppendEvent(store.EventCompanionBrief, map[string]string{
		"observations": fmt.Sprintf("%d", len(obs)),
	}); err != nil {
		c.log.Error("appending event", "error", err)
	}
}

func (c *Companion) muted() bool {
	_, muted, err := c.st.KVGet(store.KVMuted)
	if err != nil {
		c.log.Error("reading mute flag", "error", err)
		return true
	}
	return muted
}

// inQuietHours handles windows that cross midnight (22:00–07:00).
func (c *Companion) inQuietHours(at time.Time) bool {
	start, end := c.opts.QuietStart, c.opts.QuietEnd
	if start == end {
		return false
	}
	minutes := at.Hour()*60 + at.Minute()
	if start < end {
		return minutes >= start && minutes < end
	}
	return minutes >= start || minutes < end
}

func (c *Companion) observe(ctx context.Context) []Observation {
	var obs []Observation

	pending, err := c.st.PendingApprovals("")
	if err != nil {
		c.log.Error("listing pending approvals", "error", err)
	} else {
		cutoff := c.now().Add(-c.opts.StaleApprovalAfter)
		for _, a := range pending {
			if a.CreatedAt.Before(cutoff) {
				obs = append(obs, Observation{
					Topic:  "stale approval",
					Detail: fmt.Sprintf("%s (%s) has been waiting since %s", a.Summary, a.RequestID, a.CreatedAt.Format("15:04")),
				})
			}
		}
	}

	if c.office != nil {
		items, err := c.office.InboxItems()
		if err != nil {
			c.log.Error("reading office inbox", "error", err)
		} else if len(items) > 0 {
			obs = append(obs, Observation{
				Topic:  "inbox",
				Detail: fmt.Sprintf("%d item(s) sitting in the office inbox: %s", len(items), strings.Join(items, ", ")),
			})
		}
	}

	for _, fn := range c.extra {
		more, err := fn(ctx)
		if err != nil {
			c.log.Error("observation source failed", "error", err)
			continue
		}
		obs = append(obs, more...)
	}
	return obs
}

// brief asks the connector for a short consolidated message; if the turn
// fails the raw observations go out instead.
func (c *Companion) brief(ctx context.Context, obs []Observation) string {
	var raw strings.Builder
	for _, o := range obs {
		fmt.Fprintf(&raw, "- %s: %s\n", o.Topic, o.Detail)
	}

	prompt := "You keep an eye on things for your owner. Turn these observations into one short, casual message (2-3 sentences max). Don't invent anything.\n\n" + raw.String()
	text, err := c.conn.RunTurn(ctx, "companion-brief", prompt, "")
	if err != nil {
		c.log.Warn("brief synthesis failed, sending raw observations", "error", err)
		return "A few things on my radar:\n" + strings.TrimSpace(raw.String())
	}
	return text
}

// runCrons fires the digest and review when their cron expressions hit.
// Each fires at most once per minute mark.
func (c *Companion) runCrons() {
	now := c.now()
	mark := now.Format("2006-01-02 15:04")

	if c.opts.DigestCron != "" && c.lastDigest != mark {
		if due, err := c.cron.IsDue(c.opts.DigestCron, now); err != nil {
			c.log.Error("digest cron", "expr", c.opts.DigestCron, "error", err)
		} else if due {
			c.lastDigest = mark
			if err := c.writeDigest(); err != nil {
				c.log.Error("writing digest", "error", err)
			}
		}
	}

	if c.opts.ReviewCron != "" && c.lastReview != mark {
		if due, err := c.cron.IsDue(c.opts.ReviewCron, now); err != nil {
			c.log.Error("review cron", "expr", c.opts.ReviewCron, "error", err)
		} else if due {
			c.lastReview = mark
			if err := c.writeReview(); err != nil {
				c.log.Error("writing review", "error", err)
			}
		}
	}
}

func (c *Companion) writeDigest() error {
	since := c.now().Add(-24 * time.Hour)
	accepted, _ := c.st.CountEventsSince(store.EventMessageAccepted, since)
	sent, _ := c.st.CountEventsSince(store.EventOutboundSent, since)
	counts, err := c.st.CountRunsByState()
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Daily digest — %s\n\n", c.now().Format("2006-01-02"))
	fmt.Fprintf(&b, "- messages accepted: %d\n- replies sent: %d\n", accepted, sent)
	fmt.Fprintf(&b, "- runs completed: %d, failed: %d\n", counts[store.RunCompleted], counts[store.RunFailed])
	if n := counts[store.RunAwaitingApproval] + counts[store.RunCheckpointed]; n > 0 {
		fmt.Fprintf(&b, "- waiting on a decision: %d\n", n)
	}
	return c.office.WriteDaily("digest", b.String())
}

func (c *Companion) writeReview() error {
	runs, err := c.st.RecentRuns("", 50)
	if err != nil {
		return err
	}
	cutoff := c.now().Add(-7 * 24 * time.Hour)

	var b strings.Builder
	fmt.Fprintf(&b, "# Weekly review — %s\n\n", c.now().Format("2006-01-02"))
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", r.CreatedAt.Format("Mon"), r.Kind, r.State, r.PromptSummary)
	}
	return c.office.WriteDaily("review", b.String())
}
