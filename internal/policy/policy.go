// Package policy gates every inbound message before it reaches the
// orchestrator: allowlist, echo suppression, prefix mode, trigger tags and
// the per-sender rate limit, applied in a fixed order.
package policy

import (
	"strings"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/sender"
)

// DropReason classifies a rejected message.
type DropReason string

const (
	DropUnknownSender     DropReason = "unknown-sender"
	DropRateLimited       DropReason = "rate-limited"
	DropEcho              DropReason = "echo"
	DropEmpty             DropReason = "empty"
	DropMissingPrefix     DropReason = "missing-prefix"
	DropMissingTriggerTag DropReason = "missing-trigger-tag"
)

// Decision is the outcome of a policy check. When Accept is true,
// EffectiveText carries the message text with the chat prefix and trigger tag
// stripped.
type Decision struct {
	Accept        bool
	Reason        DropReason
	EffectiveText string
}

// Options configure a Gate. The rate limit is injected as a SlidingLimiter
// rather than configured here.
type Options struct {
	Allowed      sender.Set
	SuppressSelf bool
	PrefixMode   bool
	ChatPrefix   string
	TriggerTag   string
}

// Gate evaluates the ordered policy rules. It is pure apart from the rate
// limiter clock: the same configured state and message always yield the same
// decision.
type Gate struct {
	opts    Options
	limiter *SlidingLimiter
}

// New creates a Gate.
func New(opts Options, limiter *SlidingLimiter) *Gate {
	return &Gate{opts: opts, limiter: limiter}
}

// tagRequired lists the channels whose items must carry the trigger tag.
// Direct chat and the HTTP task endpoint are exempt.
var tagRequired = map[string]bool{
	bus.ChannelMail:      true,
	bus.ChannelReminders: true,
	bus.ChannelNotes:     true,
	bus.ChannelCalendar:  true,
}

// Check applies the rules in order and returns the first rejection, or an
// acceptance with the effective text.
func (g *Gate) Check(msg bus.InboundMessage) Decision {
	if !g.opts.Allowed.Contains(msg.Sender) {
		return Decision{Reason: DropUnknownSender}
	}
	if msg.IsSelf && g.opts.SuppressSelf {
		return Decision{Reason: DropEcho}
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Decision{Reason: DropEmpty}
	}

	if g.opts.PrefixMode && msg.Channel == bus.ChannelIMessage {
		prefix := g.opts.ChatPrefix
		if prefix != "" {
			if !hasPrefixFold(text, prefix) {
				return Decision{Reason: DropMissingPrefix}
			}
			text = strings.TrimSpace(text[len(prefix):])
			if text == "" {
				return Decision{Reason: DropEmpty}
			}
		}
	}

	if tagRequired[msg.Channel] && g.opts.TriggerTag != "" {
		title := msg.Metadata["title"]
		if !containsFold(title, g.opts.TriggerTag) && !containsFold(text, g.opts.TriggerTag) {
			return Decision{Reason: DropMissingTriggerTag}
		}
		text = stripTag(text, g.opts.TriggerTag)
		if text == "" && title != "" {
			text = stripTag(title, g.opts.TriggerTag)
		}
		if text == "" {
			return Decision{Reason: DropEmpty}
		}
	}

	if g.limiter != nil && !g.limiter.Allow(string(msg.Sender)) {
		return Decision{Reason: DropRateLimited}
	}

	return Decision{Accept: true, EffectiveText: text}
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// stripTag removes every occurrence of the trigger tag (case-insensitive) and
// collapses the surrounding whitespace.
func stripTag(s, tag string) string {
	lower := strings.ToLower(s)
	lt := strings.ToLower(tag)
	var b strings.Builder
	for {
		i := strings.Index(lower, lt)
		if i < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		s = s[i+len(tag):]
		lower = lower[i+len(lt):]
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
