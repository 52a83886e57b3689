package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/store"
)

// Recorder is the slice of the store the manager needs for the audit trail
// and for failing runs whose replies never made it out.
type Recorder interface {
	AppendEvent(kind string, payload any) error
	RecordMessage(m store.Message) (bool, error)
	FailRunDelivery(runID, detail string) error
}

// Manager owns channel lifecycle and outbound dispatch. Sends that fail are
// retried once after a short pause, then recorded as egress failures.
type Manager struct {
	bus    *bus.MessageBus
	dedupe *Deduper
	rec    Recorder
	log    *slog.Logger

	retryDelay time.Duration

	mu       sync.RWMutex
	channels map[string]Channel

	dispatchCancel context.CancelFunc
	done           chan struct{}
}

// NewManager creates a Manager. suppression is the egress dedupe window.
func NewManager(msgBus *bus.MessageBus, rec Recorder, suppression time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		bus:        msgBus,
		dedupe:     NewDeduper(suppression),
		rec:        rec,
		log:        log,
		retryDelay: 2 * time.Second,
		channels:   make(map[string]Channel),
	}
}

// Register adds a channel under its own name.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// Status reports the running state per channel.
func (m *Manager) Status() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := make(map[string]bool, len(m.channels))
	for name, ch := range m.channels {
		status[name] = ch.IsRunning()
	}
	return status
}

// StartAll starts every registered channel and the outbound dispatcher. A
// channel that fails to start is logged and skipped; the rest keep going.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchCancel = cancel
	m.done = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	for name, ch := range m.channels {
		m.log.Info("starting channel", "channel", name)
		if err := ch.Start(ctx); err != nil {
			m.log.Error("channel failed to start", "channel", name, "error", err)
		}
	}
	return nil
}

// StopAll stops the dispatcher and every channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dispatchCancel != nil {
		m.dispatchCancel()
		<-m.done
		m.dispatchCancel = nil
	}
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			m.log.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}

// dispatchOutbound drains the bus and delivers each reply through its
// channel's writer.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		m.deliver(ctx, msg)
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	if m.dedupe.Suppress(msg.Channel, msg.Recipient, msg.Text) {
		m.log.Debug("duplicate outbound suppressed", "channel", msg.Channel, "run_id", msg.RunID)
		m.event(store.EventOutboundSuppressed, map[string]string{
			"channel": msg.Channel, "run_id": msg.RunID,
		})
		return
	}

	// Task-channel runs reply over iMessage.
	name := msg.Channel
	if name == bus.ChannelTask {
		name = bus.ChannelIMessage
	}

	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn("no writer for outbound message", "channel", name)
		return
	}

	err := ch.Send(ctx, msg)
	if err != nil && ctx.Err() == nil {
		m.log.Warn("send failed, retrying once", "channel", name, "error", err)
		select {
		case <-time.After(m.retryDelay):
		case <-ctx.Done():
			return
		}
		err = ch.Send(ctx, msg)
	}
	if err != nil {
		m.log.Error("send failed", "channel", name, "error", err)
		m.event(store.EventEgressFailed, map[string]string{
			"channel": name, "run_id": msg.RunID, "error": err.Error(),
		})
		if msg.RunID != "" && m.rec != nil {
			if err := m.rec.FailRunDelivery(msg.RunID, err.Error()); err != nil {
				m.log.Error("failing undelivered run", "run_id", msg.RunID, "error", err)
			}
		}
		return
	}

	if m.rec != nil {
		if _, err := m.rec.RecordMessage(store.Message{
			Channel:    name,
			ExternalID: "out-" + uuid.NewString(),
			Sender:     msg.Recipient,
			Direction:  store.DirectionOutbound,
			Body:       msg.Text,
		}); err != nil {
			m.log.Error("recording outbound message", "error", err)
		}
	}
	m.event(store.EventOutboundSent, map[string]string{
		"channel": name, "run_id": msg.RunID,
	})
}

// Complete tells the source channel that the item's run finished. Channels
// without completion semantics are a no-op.
func (m *Manager) Complete(ctx context.Context, channel, externalID, result string) error {
	m.mu.RLock()
	ch, ok := m.channels[channel]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	comp, ok := ch.(Completer)
	if !ok {
		return nil
	}
	return comp.Complete(ctx, externalID, result)
}

func (m *Manager) event(kind string, payload any) {
	if m.rec == nil {
		return
	}
	if err := m.rec.AppendEvent(kind, payload); err != nil {
		m.log.Error("appending event", "kind", kind, "error", err)
	}
}
