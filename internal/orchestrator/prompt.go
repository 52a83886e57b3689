package orchestrator

import (
	"fmt"
	"strings"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/store"
)

// buildPrompt assembles the connector prompt: soul prompt, bounded memory
// snippet, recent session exchanges, workspace marker, attachment summaries,
// then the user body. When the context budget is tight the oldest material
// goes first: memory before exchanges, older exchanges before newer.
func (o *Orchestrator) buildPrompt(msg bus.InboundMessage, workspace, body string) string {
	var sections []string

	if soul := o.conn.Soul().Get(); soul != "" {
		sections = append(sections, soul)
	}

	budget := o.opts.MaxContextChars
	if budget > 0 && o.office != nil {
		snippet, err := o.office.Snippet(budget)
		if err != nil {
			o.log.Error("reading memory snippet", "error", err)
		} else if snippet != "" {
			sections = append(sections, "Things you remember:\n"+snippet)
		}
	}

	if history := o.sessionHistory(msg); history != "" {
		sections = append(sections, "Recent conversation:\n"+history)
	}

	if workspace != "" {
		sections = append(sections, "Working directory is "+workspace+".")
	}

	if atts := attachmentSummary(msg.Attachments); atts != "" {
		sections = append(sections, atts)
	}

	sections = append(sections, body)
	prompt := strings.Join(sections, "\n\n---\n\n")

	// The overall bound elides from the front so the user body always
	// survives intact.
	if budget > 0 {
		limit := budget * 2
		if r := []rune(prompt); len(r) > limit {
			prompt = string(r[len(r)-limit:])
		}
	}
	return prompt
}

func (o *Orchestrator) sessionHistory(msg bus.InboundMessage) string {
	sess, err := o.st.GetSession(msg.Channel, msg.Sender)
	if err != nil {
		if err != store.ErrNotFound {
			o.log.Error("loading session", "error", err)
		}
		return ""
	}

	exchanges := sess.Exchanges
	if n := o.opts.SessionExchanges; len(exchanges) > n {
		exchanges = exchanges[len(exchanges)-n:]
	}
	var b strings.Builder
	for _, e := range exchanges {
		fmt.Fprintf(&b, "User: %s\nYou: %s\n", e.Input, e.Reply)
	}
	return strings.TrimSpace(b.String())
}

func attachmentSummary(atts []bus.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Attached files:\n")
	for _, a := range atts {
		if a.Size > 0 {
			fmt.Fprintf(&b, "- %s (%d bytes)\n", a.Name, a.Size)
		} else {
			fmt.Fprintf(&b, "- %s\n", a.Name)
		}
	}
	return strings.TrimSpace(b.String())
}
