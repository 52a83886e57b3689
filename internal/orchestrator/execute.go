package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/channels"
	"github.com/hanoi-build/steward/internal/command"
	"github.com/hanoi-build/steward/internal/connector"
	"github.com/hanoi-build/steward/internal/store"
	"github.com/hanoi-build/steward/internal/tracing"
)

// handleWork creates a run for a work command and either executes it or
// parks it behind an approval.
func (o *Orchestrator) handleWork(ctx context.Context, msg bus.InboundMessage, cmd command.Command) {
	if _, on, _ := o.st.KVGet(store.KVKillswitch); on {
		o.reply(msg, "The killswitch is on. Say system: killswitch off when you want me back.")
		return
	}

	workspace, ok := o.resolveWorkspace(cmd.Workspace)
	if !ok {
		o.reply(msg, fmt.Sprintf("I don't know a workspace called %q.", cmd.Workspace))
		return
	}

	runID, err := o.st.CreateRun(msg.Sender, msg.Channel, string(cmd.Kind),
		channels.Truncate(cmd.Body, 200), command.Format(cmd), workspace)
	if err != nil {
		o.log.Error("creating run", "error", err)
		o.event(store.EventStoreError, map[string]string{"op": "create_run", "error": err.Error()})
		o.reply(msg, "Something went wrong on my side. Try again in a bit.")
		return
	}
	o.runEvent(runID, store.RunReceived)

	if cmd.Mutating() {
		requestID, err := o.approvals.Create(runID, msg.Sender,
			channels.Truncate(cmd.Body, 200), command.Format(cmd))
		if err != nil {
			o.log.Error("creating approval", "run_id", runID, "error", err)
			o.reply(msg, "Something went wrong on my side. Try again in a bit.")
			return
		}
		o.runEvent(runID, store.RunAwaitingApproval)
		o.replyRun(msg, fmt.Sprintf(
			"This looks like it changes things:\n%s\n\nApprove with: approve %s\nDecline with: deny %s",
			channels.Truncate(cmd.Body, 300), requestID, requestID), runID)
		return
	}

	// Plan-style commands pass through PLANNING so the history shows the
	// intent stage.
	if cmd.Kind == command.KindPlan || cmd.Kind == command.KindIdea {
		if err := o.st.UpdateRunState(runID, store.RunPlanning, store.RunUpdate{}); err != nil {
			o.log.Error("run to planning", "run_id", runID, "error", err)
		} else {
			o.runEvent(runID, store.RunPlanning)
		}
	}

	run, err := o.st.GetRun(runID)
	if err != nil {
		o.log.Error("loading run", "run_id", runID, "error", err)
		return
	}
	o.execute(ctx, run, msg, cmd.Body)
}

// ExecuteApproved picks up a run the approval manager just moved to
// EXECUTING. Called from the control path and, for checkpointed runs, for a
// resume with the partial output as prior context.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, run *store.Run, msg bus.InboundMessage) {
	// The preview is the full formatted command; the summary is truncated
	// for display and must never reach the connector.
	body := run.PromptSummary
	if cmd := command.Parse(run.CommandPreview); strings.TrimSpace(cmd.Body) != "" {
		body = cmd.Body
	}
	if run.CheckpointContext != "" {
		body += "\n\nYou started this earlier and got as far as:\n" +
			channels.Truncate(run.CheckpointContext, 2000) + "\n\nPick up where you left off."
	}
	o.execute(ctx, run, msg, body)
}

// execute drives one connector turn for the run, including verification,
// checkpointing and the reply.
func (o *Orchestrator) execute(ctx context.Context, run *store.Run, msg bus.InboundMessage, body string) {
	if err := o.st.UpdateRunState(run.RunID, store.RunExecuting, store.RunUpdate{IncrAttempts: true}); err != nil {
		o.log.Error("run to executing", "run_id", run.RunID, "error", err)
		return
	}
	o.runEvent(run.RunID, store.RunExecuting)

	prompt := o.buildPrompt(msg, run.Workspace, body)
	turnCtx, span := tracing.StartTurn(ctx, run.RunID, o.conn.EngineCommand())
	out, err := o.conn.RunTurn(turnCtx, run.RunID, prompt, run.Workspace)
	tracing.EndTurn(span, err)
	if err != nil {
		o.failRun(ctx, run, msg, err)
		return
	}

	// Post-condition check before the run is called done.
	if err := o.st.UpdateRunState(run.RunID, store.RunVerifying, store.RunUpdate{}); err != nil {
		o.log.Error("run to verifying", "run_id", run.RunID, "error", err)
	}
	if !looksLikeResult(out) {
		o.completeRun(run, store.RunFailed, store.RunUpdate{Error: store.StrPtr("verification failed: output looks like an error")})
		o.replyRun(msg, "The assistant finished but the result didn't look right, so I'm not trusting it.", run.RunID)
		return
	}

	o.completeRun(run, store.RunCompleted, store.RunUpdate{Result: store.StrPtr(out)})
	o.recordExchange(msg, body, out)
	o.replyRun(msg, out, run.RunID)
	o.finishSourceItem(ctx, msg, out)
	o.maybeScheduleFollowUp(run)
}

// failRun maps a connector failure onto the run state machine.
func (o *Orchestrator) failRun(ctx context.Context, run *store.Run, msg bus.InboundMessage, err error) {
	ce, ok := connector.AsError(err)
	if !ok {
		o.completeRun(run, store.RunFailed, store.RunUpdate{Error: store.StrPtr(err.Error())})
		o.replyRun(msg, "The assistant hit an error. Check the logs for details.", run.RunID)
		return
	}

	if ce.Kind == connector.ErrTimeout && o.opts.CheckpointOnTimeout {
		fresh, err := o.st.GetRun(run.RunID)
		if err == nil && fresh.ResumeAttempts < o.opts.MaxResumeAttempts {
			o.checkpoint(run, msg, ce)
			return
		}
	}

	if ce.Kind == connector.ErrCancelled {
		if err := o.st.UpdateRunState(run.RunID, store.RunCancelled, store.RunUpdate{Error: store.StrPtr(ce.Error())}); err != nil {
			o.log.Error("run to cancelled", "run_id", run.RunID, "error", err)
		}
		o.runEvent(run.RunID, store.RunCancelled)
		if ctx.Err() == nil {
			o.replyRun(msg, ce.UserMessage(), run.RunID)
		}
		return
	}

	o.completeRun(run, store.RunFailed, store.RunUpdate{Error: store.StrPtr(ce.Error())})
	o.replyRun(msg, ce.UserMessage(), run.RunID)
}

// checkpoint converts a timeout into a CHECKPOINTED run plus a fresh
// approval for the resume.
func (o *Orchestrator) checkpoint(run *store.Run, msg bus.InboundMessage, ce *connector.Error) {
	upd := store.RunUpdate{
		CheckpointContext: store.StrPtr(ce.Partial),
		IncrResume:        true,
	}
	if err := o.st.UpdateRunState(run.RunID, store.RunCheckpointed, upd); err != nil {
		o.log.Error("run to checkpointed", "run_id", run.RunID, "error", err)
		return
	}
	o.runEvent(run.RunID, store.RunCheckpointed)

	requestID, err := o.approvals.CreateResume(run.RunID, run.Sender,
		run.PromptSummary, run.CommandPreview)
	if err != nil {
		o.log.Error("creating resume approval", "run_id", run.RunID, "error", err)
		return
	}
	o.replyRun(msg, fmt.Sprintf(
		"That's taking longer than one turn allows. I've saved my progress.\nResume with: approve %s\nDrop it with: deny %s",
		requestID, requestID), run.RunID)
}

func (o *Orchestrator) completeRun(run *store.Run, state store.RunState, upd store.RunUpdate) {
	if err := o.st.UpdateRunState(run.RunID, state, upd); err != nil {
		o.log.Error("finishing run", "run_id", run.RunID, "state", string(state), "error", err)
		return
	}
	o.runEvent(run.RunID, state)
}

func (o *Orchestrator) runEvent(runID string, state store.RunState) {
	o.event(store.EventRunStateChanged, map[string]string{
		"run_id": runID, "state": string(state),
	})
}

func (o *Orchestrator) recordExchange(msg bus.InboundMessage, input, reply string) {
	err := o.st.AppendExchange(msg.Channel, msg.Sender, store.Exchange{
		Input: channels.Truncate(input, 1000),
		Reply: channels.Truncate(reply, 1000),
		At:    msg.ReceivedAt,
	}, o.opts.SessionExchanges)
	if err != nil {
		o.log.Error("appending exchange", "error", err)
	}
}

// finishSourceItem archives or annotates the source item for channels with
// completion semantics.
func (o *Orchestrator) finishSourceItem(ctx context.Context, msg bus.InboundMessage, result string) {
	if o.completer == nil {
		return
	}
	switch msg.Channel {
	case bus.ChannelReminders, bus.ChannelCalendar:
		if err := o.completer.Complete(ctx, msg.Channel, msg.ExternalID, result); err != nil {
			o.log.Error("completing source item", "channel", msg.Channel, "external_id", msg.ExternalID, "error", err)
		}
	}
}

func (o *Orchestrator) maybeScheduleFollowUp(run *store.Run) {
	if !o.opts.FollowUpsEnabled {
		return
	}
	if run.Kind != string(command.KindTask) && run.Kind != string(command.KindProject) {
		return
	}
	note := "Follow up on: " + run.PromptSummary
	_, err := o.st.ScheduleAction(run.RunID, run.Sender, run.Channel, store.ActionFollowUp,
		timeNowFn().Add(o.opts.FollowUpDelay), o.opts.MaxNudges, note)
	if err != nil {
		o.log.Error("scheduling follow-up", "run_id", run.RunID, "error", err)
	}
}

// FollowUp synthesizes a check-in for a due scheduled action and egresses
// it over the run's channel. Called by the follow-up scheduler.
func (o *Orchestrator) FollowUp(ctx context.Context, action *store.ScheduledAction) error {
	run, err := o.st.GetRun(action.RunID)
	if err != nil {
		return err
	}

	prompt := fmt.Sprintf(
		"Earlier you completed this task: %s\nResult was: %s\n\nWrite a single short, friendly check-in asking whether it worked out. One or two sentences, no preamble.",
		run.PromptSummary, channels.Truncate(run.Result, 500))
	text, err := o.conn.RunTurn(ctx, fmt.Sprintf("followup-%d", action.ID), prompt, "")
	if err != nil {
		// Fall back to a canned nudge rather than losing the action.
		text = "Quick check-in: did that last task work out? (" + channels.Truncate(run.PromptSummary, 80) + ")"
	}

	channel := action.Channel
	if channel == bus.ChannelTask {
		channel = bus.ChannelIMessage
	}
	if !o.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   channel,
		Recipient: action.Sender,
		Text:      text,
		RunID:     action.RunID,
	}) {
		return fmt.Errorf("outbound queue full")
	}
	o.event(store.EventFollowUpSent, map[string]string{"run_id": action.RunID})
	return nil
}

// resolveWorkspace maps an @alias to a directory. An empty alias resolves to
// the default workspace.
func (o *Orchestrator) resolveWorkspace(alias string) (string, bool) {
	if alias == "" {
		if o.opts.DefaultWorkspace != "" {
			if path, ok := o.opts.Workspaces[o.opts.DefaultWorkspace]; ok {
				return path, true
			}
		}
		return "", true
	}
	path, ok := o.opts.Workspaces[alias]
	return path, ok
}

// looksLikeResult is the verification gate: non-empty output that does not
// open with an error marker.
func looksLikeResult(out string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(out))
	if trimmed == "" {
		return false
	}
	for _, marker := range []string{"error:", "fatal:", "panic:", "traceback (most recent call last)"} {
		if strings.HasPrefix(trimmed, marker) {
			return false
		}
	}
	return true
}

// timeNowFn is swapped in tests.
var timeNowFn = time.Now
