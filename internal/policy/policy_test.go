package policy

import (
	"testing"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/sender"
)

func testGate(opts Options) *Gate {
	if opts.Allowed == nil {
		opts.Allowed = sender.NewSet([]string{"+15551234567"})
	}
	return New(opts, nil)
}

func msg(channel, from, text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel: channel,
		Sender:  sender.Normalize(from),
		Text:    text,
	}
}

func TestCheckOrder(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		msg    bus.InboundMessage
		accept bool
		reason DropReason
		text   string
	}{
		{
			name:   "unknown sender",
			msg:    msg(bus.ChannelIMessage, "+15550000000", "hello"),
			reason: DropUnknownSender,
		},
		{
			name: "echo suppressed",
			opts: Options{SuppressSelf: true},
			msg: bus.InboundMessage{
				Channel: bus.ChannelIMessage,
				Sender:  "+15551234567",
				Text:    "hello",
				IsSelf:  true,
			},
			reason: DropEcho,
		},
		{
			name:   "empty after trim",
			msg:    msg(bus.ChannelIMessage, "+15551234567", "   \n "),
			reason: DropEmpty,
		},
		{
			name:   "prefix required and missing",
			opts:   Options{PrefixMode: true, ChatPrefix: "hey bot"},
			msg:    msg(bus.ChannelIMessage, "+15551234567", "hello"),
			reason: DropMissingPrefix,
		},
		{
			name:   "prefix case-insensitive and stripped",
			opts:   Options{PrefixMode: true, ChatPrefix: "hey bot"},
			msg:    msg(bus.ChannelIMessage, "+15551234567", "Hey Bot what is up"),
			accept: true,
			text:   "what is up",
		},
		{
			name:   "mail without trigger tag",
			opts:   Options{TriggerTag: "!!agent"},
			msg:    msg(bus.ChannelMail, "owner@example.com", "please do the thing"),
			reason: DropMissingTriggerTag,
		},
		{
			name:   "mail with tag in body",
			opts:   Options{TriggerTag: "!!agent"},
			msg:    msg(bus.ChannelMail, "owner@example.com", "!!agent please do the thing"),
			accept: true,
			text:   "please do the thing",
		},
		{
			name: "tag in title counts",
			opts: Options{TriggerTag: "!!agent"},
			msg: bus.InboundMessage{
				Channel:  bus.ChannelNotes,
				Sender:   "+15551234567",
				Text:     "body text",
				Metadata: map[string]string{"title": "!!agent shopping"},
			},
			accept: true,
			text:   "body text",
		},
		{
			name:   "imessage exempt from trigger tag",
			opts:   Options{TriggerTag: "!!agent"},
			msg:    msg(bus.ChannelIMessage, "+15551234567", "hello"),
			accept: true,
			text:   "hello",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed := sender.NewSet([]string{"+15551234567", "owner@example.com"})
			tt.opts.Allowed = allowed
			g := New(tt.opts, nil)

			d := g.Check(tt.msg)
			if d.Accept != tt.accept {
				t.Fatalf("accept = %v (reason %s), want %v", d.Accept, d.Reason, tt.accept)
			}
			if !tt.accept && d.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", d.Reason, tt.reason)
			}
			if tt.accept && d.EffectiveText != tt.text {
				t.Errorf("effective text = %q, want %q", d.EffectiveText, tt.text)
			}
		})
	}
}

// The gate is deterministic: same configured state, same message, same
// decision.
func TestCheckDeterministic(t *testing.T) {
	g := testGate(Options{TriggerTag: "!!agent"})
	m := msg(bus.ChannelIMessage, "+15551234567", "hello")
	first := g.Check(m)
	for i := 0; i < 5; i++ {
		if got := g.Check(m); got != first {
			t.Fatalf("decision changed on call %d: %+v vs %+v", i, got, first)
		}
	}
}

func TestSlidingLimiter(t *testing.T) {
	l := NewSlidingLimiter(RateWindow{Window: time.Minute, Max: 3})
	base := time.Unix(1000, 0)
	clock := base
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("hit %d unexpectedly limited", i)
		}
	}
	// The (K+1)th within the window is rejected.
	if l.Allow("a") {
		t.Error("4th hit should be limited")
	}
	// Another sender is unaffected.
	if !l.Allow("b") {
		t.Error("other sender limited")
	}
	// Window slides: a minute later the sender is clean again.
	clock = base.Add(61 * time.Second)
	if !l.Allow("a") {
		t.Error("hit after window should pass")
	}
}

func TestRateLimitedDecision(t *testing.T) {
	l := NewSlidingLimiter(RateWindow{Window: time.Minute, Max: 1})
	g := New(Options{Allowed: sender.NewSet([]string{"+15551234567"})}, l)

	m := msg(bus.ChannelIMessage, "+15551234567", "hello")
	if d := g.Check(m); !d.Accept {
		t.Fatalf("first message dropped: %s", d.Reason)
	}
	d := g.Check(m)
	if d.Accept || d.Reason != DropRateLimited {
		t.Errorf("second message = %+v, want rate-limited", d)
	}
}
