// Package command classifies effective inbound text into a tagged Command
// value. Dispatch on Kind is exhaustive in the orchestrator; unknown kinds
// are a compile-time problem, not a runtime one.
package command

import "strings"

// Kind enumerates the command variants.
type Kind string

const (
	KindChat         Kind = "chat"
	KindIdea         Kind = "idea"
	KindPlan         Kind = "plan"
	KindTask         Kind = "task"
	KindProject      Kind = "project"
	KindRelay        Kind = "relay"
	KindApprove      Kind = "approve"
	KindDeny         Kind = "deny"
	KindDenyAll      Kind = "deny-all"
	KindStatus       Kind = "status"
	KindHealth       Kind = "health"
	KindHistory      Kind = "history"
	KindUsage        Kind = "usage"
	KindLogs         Kind = "logs"
	KindSystem       Kind = "system"
	KindClearContext Kind = "clear-context"
	KindHelp         Kind = "help"
)

// Command is the parsed form of one inbound message.
type Command struct {
	Kind Kind
	// Body is the free text after the kind prefix and workspace alias.
	Body string
	// Workspace is the @alias extracted from the body head, without the @.
	Workspace string
	// ApprovalID is set for Approve and Deny.
	ApprovalID string
	// Extra is trailing text after an approval id ("approve ab12cd and be careful").
	Extra string
	// SystemSub is the subcommand for System ("mute", "killswitch", ...).
	SystemSub string
	// PossiblyMutating marks unprefixed Chat text that trips the mutation
	// heuristic; the orchestrator treats such runs as mutating.
	PossiblyMutating bool
}

// Mutating reports whether the command requires an approval before execution.
func (c Command) Mutating() bool {
	switch c.Kind {
	case KindTask, KindProject:
		return true
	case KindChat:
		return c.PossiblyMutating
	}
	return false
}

// Control reports whether the command is handled synchronously without
// spawning the connector.
func (c Command) Control() bool {
	switch c.Kind {
	case KindApprove, KindDeny, KindDenyAll, KindStatus, KindHealth,
		KindHistory, KindUsage, KindLogs, KindSystem, KindClearContext,
		KindHelp, KindRelay:
		return true
	}
	return false
}

// Format renders a Command back to its textual form. Parse(Format(c))
// round-trips for every kind.
func Format(c Command) string {
	var b strings.Builder

	body := c.Body
	if c.Workspace != "" {
		if body != "" {
			body = "@" + c.Workspace + " " + body
		} else {
			body = "@" + c.Workspace
		}
	}

	switch c.Kind {
	case KindChat:
		b.WriteString(body)
	case KindIdea, KindPlan, KindTask, KindProject, KindRelay:
		b.WriteString(string(c.Kind))
		b.WriteString(":")
		if body != "" {
			b.WriteString(" ")
			b.WriteString(body)
		}
	case KindApprove:
		b.WriteString("approve ")
		b.WriteString(c.ApprovalID)
		if c.Extra != "" {
			b.WriteString(" ")
			b.WriteString(c.Extra)
		}
	case KindDeny:
		b.WriteString("deny ")
		b.WriteString(c.ApprovalID)
	case KindDenyAll:
		b.WriteString("deny all")
	case KindStatus:
		b.WriteString("status")
	case KindHealth:
		b.WriteString("health:")
	case KindHistory:
		b.WriteString("history:")
		if body != "" {
			b.WriteString(" ")
			b.WriteString(body)
		}
	case KindUsage:
		b.WriteString("usage:")
	case KindLogs:
		b.WriteString("logs:")
	case KindSystem:
		b.WriteString("system: ")
		b.WriteString(c.SystemSub)
		if body != "" {
			b.WriteString(" ")
			b.WriteString(body)
		}
	case KindClearContext:
		b.WriteString("clear context")
	case KindHelp:
		b.WriteString("help")
	}
	return b.String()
}
