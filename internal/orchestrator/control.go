package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hanoi-build/steward/internal/approvals"
	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/command"
	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
)

const helpText = `Here's what I understand:
- plain text  chat (I'll ask for approval if it sounds like a change)
- task: ...   do something; always needs your approval
- project: ...  bigger piece of work; needs approval
- idea: / plan:  think it through, no changes
- relay: ...  send the text back verbatim
- @alias      run in that workspace (first word)
- approve <id> / deny <id> / deny all
- status, health:, history: [query], usage:, logs:
- system: mute | unmute | killswitch on|off | cancel <run> | engine <name> | ping
- clear context (or "new chat")`

// handleControl services commands that never spawn the connector. Everything
// here is synchronous against the store and managers.
func (o *Orchestrator) handleControl(ctx context.Context, msg bus.InboundMessage, cmd command.Command) {
	switch cmd.Kind {
	case command.KindApprove:
		o.handleApprove(ctx, msg, cmd)
	case command.KindDeny:
		o.handleDeny(msg, cmd)
	case command.KindDenyAll:
		n, err := o.approvals.DenyAll(msg.Sender)
		if err != nil {
			o.log.Error("deny all", "error", err)
			o.reply(msg, "Couldn't deny everything, check the logs.")
			return
		}
		o.reply(msg, fmt.Sprintf("Denied %d pending approval(s).", n))
	case command.KindStatus:
		o.reply(msg, o.statusText(msg.Sender))
	case command.KindHealth:
		o.reply(msg, o.healthText())
	case command.KindHistory:
		o.reply(msg, o.historyText(msg.Sender, cmd.Body))
	case command.KindUsage:
		o.reply(msg, o.usageText())
	case command.KindLogs:
		o.reply(msg, o.logsText())
	case command.KindSystem:
		o.handleSystem(msg, cmd)
	case command.KindClearContext:
		if err := o.st.ResetSession(msg.Channel, msg.Sender); err != nil {
			o.log.Error("resetting session", "error", err)
			o.reply(msg, "Couldn't clear the session.")
			return
		}
		o.reply(msg, "Fresh start. What's next?")
	case command.KindHelp:
		o.reply(msg, helpText)
	case command.KindRelay:
		o.reply(msg, cmd.Body)
	}
}

func (o *Orchestrator) handleApprove(ctx context.Context, msg bus.InboundMessage, cmd command.Command) {
	run, err := o.approvals.Resolve(cmd.ApprovalID, msg.Sender, true)
	if err != nil {
		var re *approvals.ResolveError
		if errors.As(err, &re) {
			o.reply(msg, re.UserMessage(cmd.ApprovalID))
			return
		}
		o.log.Error("resolving approval", "request_id", cmd.ApprovalID, "error", err)
		o.reply(msg, "Something went wrong resolving that approval.")
		return
	}

	if cmd.Extra != "" {
		run.PromptSummary = run.PromptSummary + "\nAdditional instruction: " + cmd.Extra
	}
	o.reply(msg, "On it.")
	o.ExecuteApproved(ctx, run, msg)
}

func (o *Orchestrator) handleDeny(msg bus.InboundMessage, cmd command.Command) {
	_, err := o.approvals.Resolve(cmd.ApprovalID, msg.Sender, false)
	if err != nil {
		var re *approvals.ResolveError
		if errors.As(err, &re) {
			o.reply(msg, re.UserMessage(cmd.ApprovalID))
			return
		}
		o.log.Error("denying approval", "request_id", cmd.ApprovalID, "error", err)
		o.reply(msg, "Something went wrong denying that approval.")
		return
	}
	o.reply(msg, fmt.Sprintf("Denied %s. Not doing it.", cmd.ApprovalID))
}

func (o *Orchestrator) handleSystem(msg bus.InboundMessage, cmd command.Command) {
	switch cmd.SystemSub {
	case "mute":
		o.kvSet(msg, store.KVMuted, "1", "Muted. No proactive messages until you unmute.")
	case "unmute":
		o.kvDel(msg, store.KVMuted, "Unmuted.")
	case "killswitch":
		switch strings.TrimSpace(strings.ToLower(cmd.Body)) {
		case "on":
			n := o.conn.KillAll()
			o.kvSet(msg, store.KVKillswitch, "1",
				fmt.Sprintf("Killswitch on. Terminated %d run(s); no new work until you turn it off.", n))
		case "off":
			o.kvDel(msg, store.KVKillswitch, "Killswitch off. Back to work.")
		default:
			o.reply(msg, "Say: system: killswitch on (or off).")
		}
	case "cancel":
		runID := strings.TrimSpace(strings.TrimPrefix(cmd.Body, "run"))
		runID = strings.TrimSpace(runID)
		if runID == "" {
			o.reply(msg, "Which run? system: cancel <run-id>")
			return
		}
		if o.conn.Cancel(runID) {
			o.reply(msg, "Cancelled "+runID+".")
		} else {
			o.reply(msg, "No running turn for "+runID+".")
		}
	case "engine":
		name := strings.TrimSpace(cmd.Body)
		if name == "" {
			o.reply(msg, "Which engine? system: engine claude|gemini|codex")
			return
		}
		if err := o.st.KVPut(store.KVEngine, name); err != nil {
			o.reply(msg, "Couldn't save the engine choice.")
			return
		}
		o.reply(msg, fmt.Sprintf("Engine preference saved as %q. It applies on the next restart.", name))
	case "ping":
		o.reply(msg, "pong")
	default:
		o.reply(msg, "Unknown system command. Try: mute, unmute, killswitch on|off, cancel <run>, engine <name>, ping.")
	}
}

func (o *Orchestrator) kvSet(msg bus.InboundMessage, key, value, confirmation string) {
	if err := o.st.KVPut(key, value); err != nil {
		o.log.Error("kv put", "key", key, "error", err)
		o.reply(msg, "Couldn't persist that.")
		return
	}
	o.reply(msg, confirmation)
}

func (o *Orchestrator) kvDel(msg bus.InboundMessage, key, confirmation string) {
	if err := o.st.KVDelete(key); err != nil {
		o.log.Error("kv delete", "key", key, "error", err)
		o.reply(msg, "Couldn't persist that.")
		return
	}
	o.reply(msg, confirmation)
}

func (o *Orchestrator) statusText(who sender.ID) string {
	var b strings.Builder

	counts, err := o.st.CountRunsByState()
	if err == nil {
		active := counts[store.RunExecuting] + counts[store.RunVerifying] + counts[store.RunPlanning]
		fmt.Fprintf(&b, "Active runs: %d\n", active)
		if n := counts[store.RunCheckpointed]; n > 0 {
			fmt.Fprintf(&b, "Checkpointed: %d\n", n)
		}
		fmt.Fprintf(&b, "Completed: %d, failed: %d\n", counts[store.RunCompleted], counts[store.RunFailed])
	}

	pending, err := o.approvals.Pending(who)
	if err == nil {
		if len(pending) == 0 {
			b.WriteString("Nothing waiting on you.")
		} else {
			fmt.Fprintf(&b, "Waiting on you (%d):\n", len(pending))
			for _, a := range pending {
				left := time.Until(a.ExpiresAt).Round(time.Minute)
				fmt.Fprintf(&b, "- %s: %s (expires in %s)\n", a.RequestID, a.Summary, left)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func (o *Orchestrator) healthText() string {
	var b strings.Builder
	engine := o.conn.EngineCommand()
	if _, err := exec.LookPath(engine); err != nil {
		fmt.Fprintf(&b, "engine %s: NOT FOUND on PATH\n", engine)
	} else {
		fmt.Fprintf(&b, "engine %s: ok\n", engine)
	}

	if active := o.conn.Active(); len(active) > 0 {
		fmt.Fprintf(&b, "in-flight turns: %s\n", strings.Join(active, ", "))
	} else {
		b.WriteString("in-flight turns: none\n")
	}

	if sp, ok := o.completer.(interface{ Status() map[string]bool }); ok {
		for name, running := range sp.Status() {
			state := "stopped"
			if running {
				state = "running"
			}
			fmt.Fprintf(&b, "channel %s: %s\n", name, state)
		}
	}

	if raw, ok, _ := o.st.KVGet(store.KVDaemonStartedAt); ok {
		b.WriteString("up since " + raw + "\n")
	}
	return strings.TrimSpace(b.String())
}

func (o *Orchestrator) historyText(who sender.ID, query string) string {
	if query != "" {
		msgs, err := o.st.SearchMessages(who, query, 10)
		if err != nil || len(msgs) == 0 {
			return fmt.Sprintf("Nothing in the archive matching %q.", query)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Matches for %q:\n", query)
		for _, m := range msgs {
			fmt.Fprintf(&b, "- [%s] %s\n", m.ReceivedAt.Format("Jan 2 15:04"), truncateLine(m.Body, 80))
		}
		return strings.TrimSpace(b.String())
	}

	runs, err := o.st.RecentRuns(who, 10)
	if err != nil || len(runs) == 0 {
		return "No runs yet."
	}
	var b strings.Builder
	b.WriteString("Recent runs:\n")
	for _, r := range runs {
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", r.CreatedAt.Format("Jan 2 15:04"), r.Kind, r.State, truncateLine(r.PromptSummary, 60))
	}
	return strings.TrimSpace(b.String())
}

func (o *Orchestrator) usageText() string {
	since := time.Now().Add(-24 * time.Hour)
	accepted, _ := o.st.CountEventsSince(store.EventMessageAccepted, since)
	ignored, _ := o.st.CountEventsSince(store.EventMessageIgnored, since)
	sent, _ := o.st.CountEventsSince(store.EventOutboundSent, since)
	return fmt.Sprintf("Last 24h: %d accepted, %d ignored, %d replies sent.", accepted, ignored, sent)
}

func (o *Orchestrator) logsText() string {
	events, err := o.st.RecentEvents(15)
	if err != nil || len(events) == 0 {
		return "No recent events."
	}
	var b strings.Builder
	b.WriteString("Recent events:\n")
	for _, e := range events {
		fmt.Fprintf(&b, "- [%s] %s\n", e.TS.Format("15:04:05"), e.Kind)
	}
	return strings.TrimSpace(b.String())
}

func truncateLine(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
