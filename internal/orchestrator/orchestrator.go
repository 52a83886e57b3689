// Package orchestrator routes every accepted inbound message: it parses the
// command, drives the run state machine, calls the connector, and publishes
// replies. Messages from the same sender are handled strictly in order;
// different senders proceed in parallel.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hanoi-build/steward/internal/approvals"
	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/command"
	"github.com/hanoi-build/steward/internal/connector"
	"github.com/hanoi-build/steward/internal/memory"
	"github.com/hanoi-build/steward/internal/policy"
	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
)

// Completer lets the orchestrator close out source items whose channel has
// completion semantics (reminders, calendar).
type Completer interface {
	Complete(ctx context.Context, channel, externalID, result string) error
}

// Options configure the Orchestrator.
type Options struct {
	Workspaces       map[string]string
	DefaultWorkspace string

	SessionExchanges int
	MaxContextChars  int
	ReplyOnDrop      bool

	CheckpointOnTimeout bool
	MaxResumeAttempts   int

	FollowUpsEnabled bool
	FollowUpDelay    time.Duration
	MaxNudges        int
}

// Orchestrator is the central router.
type Orchestrator struct {
	opts      Options
	st        *store.Store
	bus       *bus.MessageBus
	gate      *policy.Gate
	approvals *approvals.Manager
	conn      *connector.Connector
	office    *memory.Office
	completer Completer
	log       *slog.Logger

	mu      sync.Mutex
	workers map[sender.ID]chan job
	wg      sync.WaitGroup
}

type job struct {
	ctx context.Context
	msg bus.InboundMessage
	cmd command.Command
}

// New creates an Orchestrator.
func New(opts Options, st *store.Store, msgBus *bus.MessageBus, gate *policy.Gate,
	apr *approvals.Manager, conn *connector.Connector, office *memory.Office,
	completer Completer, log *slog.Logger) *Orchestrator {
	if opts.SessionExchanges <= 0 {
		opts.SessionExchanges = 10
	}
	if opts.MaxNudges <= 0 {
		opts.MaxNudges = 2
	}
	if opts.FollowUpDelay <= 0 {
		opts.FollowUpDelay = 4 * time.Hour
	}
	return &Orchestrator{
		opts:      opts,
		st:        st,
		bus:       msgBus,
		gate:      gate,
		approvals: apr,
		conn:      conn,
		office:    office,
		completer: completer,
		log:       log,
		workers:   make(map[sender.ID]chan job),
	}
}

// Run consumes the inbound queue until ctx is done, then waits for in-flight
// work to finish.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		msg, ok := o.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		o.ingest(ctx, msg)
	}

	o.mu.Lock()
	for _, ch := range o.workers {
		close(ch)
	}
	o.workers = make(map[sender.ID]chan job)
	o.mu.Unlock()
	o.wg.Wait()
}

// ingest applies idempotency and policy, then hands the message to the
// sender's worker.
func (o *Orchestrator) ingest(ctx context.Context, msg bus.InboundMessage) {
	inserted, err := o.st.RecordMessage(store.Message{
		Channel:    msg.Channel,
		ExternalID: msg.ExternalID,
		Sender:     msg.Sender,
		Direction:  store.DirectionInbound,
		Body:       msg.Text,
	})
	if err != nil {
		o.log.Error("recording inbound message", "error", err)
		o.event(store.EventStoreError, map[string]string{"op": "record_message", "error": err.Error()})
		return
	}
	if !inserted {
		// Already ingested on a previous poll.
		return
	}

	d := o.gate.Check(msg)
	if !d.Accept {
		o.log.Debug("message dropped", "channel", msg.Channel, "reason", string(d.Reason))
		o.event(store.EventMessageIgnored, map[string]string{
			"channel": msg.Channel, "external_id": msg.ExternalID, "reason": string(d.Reason),
		})
		if o.opts.ReplyOnDrop && d.Reason == policy.DropRateLimited {
			o.reply(msg, "You're sending faster than I can think. Give me a minute.")
		}
		return
	}

	cmd := command.Parse(d.EffectiveText)
	o.event(store.EventMessageAccepted, map[string]string{
		"channel": msg.Channel, "external_id": msg.ExternalID, "kind": string(cmd.Kind),
	})
	o.dispatch(job{ctx: ctx, msg: msg, cmd: cmd})
}

// dispatch enqueues the job on the per-sender worker, creating it lazily.
func (o *Orchestrator) dispatch(j job) {
	o.mu.Lock()
	ch, ok := o.workers[j.msg.Sender]
	if !ok {
		ch = make(chan job, 32)
		o.workers[j.msg.Sender] = ch
		o.wg.Add(1)
		go o.worker(ch)
	}
	o.mu.Unlock()

	select {
	case ch <- j:
	default:
		o.log.Warn("sender queue full, dropping message", "sender", string(j.msg.Sender))
		o.event(store.EventMessageIgnored, map[string]string{
			"channel": j.msg.Channel, "external_id": j.msg.ExternalID, "reason": "queue-full",
		})
	}
}

func (o *Orchestrator) worker(ch chan job) {
	defer o.wg.Done()
	for j := range ch {
		o.handle(j.ctx, j.msg, j.cmd)
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg bus.InboundMessage, cmd command.Command) {
	if cmd.Control() {
		o.handleControl(ctx, msg, cmd)
		return
	}
	o.handleWork(ctx, msg, cmd)
}

// reply publishes an outbound message back to the originating channel,
// threading to the source item when the channel supports it.
func (o *Orchestrator) reply(msg bus.InboundMessage, text string) {
	o.replyRun(msg, text, "")
}

func (o *Orchestrator) replyRun(msg bus.InboundMessage, text, runID string) {
	if text == "" {
		return
	}
	out := bus.OutboundMessage{
		Channel:   msg.Channel,
		Recipient: msg.Sender,
		Text:      text,
		RunID:     runID,
	}
	switch msg.Channel {
	case bus.ChannelReminders, bus.ChannelNotes, bus.ChannelCalendar:
		out.ThreadHint = msg.ExternalID
	case bus.ChannelMail:
		out.ThreadHint = msg.Metadata["title"]
	}
	if !o.bus.PublishOutbound(out) {
		o.log.Warn("outbound queue full, reply dropped", "channel", msg.Channel)
	}
}

func (o *Orchestrator) event(kind string, payload any) {
	if err := o.st.AppendEvent(kind, payload); err != nil {
		o.log.Error("appending event", "kind", kind, "error", err)
	}
}
