// Package daemon assembles and supervises the whole process: store, channels,
// orchestrator, approval expiry, companion, ambient scanner, follow-up
// scheduler and the admin API, under a single-instance lock with cooperative
// shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanoi-build/steward/internal/admin"
	"github.com/hanoi-build/steward/internal/ambient"
	"github.com/hanoi-build/steward/internal/approvals"
	"github.com/hanoi-build/steward/internal/bus"
	"github.com/hanoi-build/steward/internal/channels"
	"github.com/hanoi-build/steward/internal/channels/calendar"
	"github.com/hanoi-build/steward/internal/channels/imessage"
	"github.com/hanoi-build/steward/internal/channels/mail"
	"github.com/hanoi-build/steward/internal/channels/notes"
	"github.com/hanoi-build/steward/internal/channels/reminders"
	"github.com/hanoi-build/steward/internal/command"
	"github.com/hanoi-build/steward/internal/companion"
	"github.com/hanoi-build/steward/internal/config"
	"github.com/hanoi-build/steward/internal/connector"
	"github.com/hanoi-build/steward/internal/memory"
	"github.com/hanoi-build/steward/internal/orchestrator"
	"github.com/hanoi-build/steward/internal/policy"
	"github.com/hanoi-build/steward/internal/scheduler"
	"github.com/hanoi-build/steward/internal/sender"
	"github.com/hanoi-build/steward/internal/store"
	"github.com/hanoi-build/steward/internal/tracing"
)

// Daemon is the assembled process.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	st      *store.Store
	bus     *bus.MessageBus
	manager *channels.Manager
	conn    *connector.Connector
	office  *memory.Office
	orch    *orchestrator.Orchestrator
	apr     *approvals.Manager
	sched   *scheduler.Scheduler
	comp    *companion.Companion
	amb     *ambient.Scanner
	admin   *admin.Server

	owner    sender.ID
	soulPath string
}

// New assembles a Daemon from config. The store is opened here; the channels
// are not started until Run.
func New(cfg *config.Config, log *slog.Logger) (*Daemon, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("daemon: opening store: %w", err)
	}

	d := &Daemon{cfg: cfg, log: log, st: st, bus: bus.New()}

	allowed := sender.NewSet(cfg.Senders.Allowed)
	if len(cfg.Senders.Allowed) > 0 {
		d.owner = sender.Normalize(cfg.Senders.Allowed[0])
	}

	engine, err := d.resolveEngine()
	if err != nil {
		st.Close()
		return nil, err
	}
	soul := connector.NewSoul(cfg.Connector.MaxSoulChars)
	if cfg.Connector.SoulFile != "" {
		d.soulPath = config.ExpandHome(cfg.Connector.SoulFile)
		if err := soul.LoadFile(d.soulPath); err != nil {
			log.Warn("loading soul file", "path", d.soulPath, "error", err)
		}
	}
	d.conn = connector.New(connector.Options{
		Engine:         engine,
		Model:          cfg.Connector.Model,
		ExtraArgs:      cfg.Connector.ExtraArgs,
		Timeout:        cfg.Connector.TurnTimeout.Std(),
		StreamInterval: cfg.Connector.StreamInterval.Std(),
	}, soul)

	d.office = memory.New(cfg.OfficeDir())
	if err := d.office.EnsureLayout(); err != nil {
		st.Close()
		return nil, fmt.Errorf("daemon: preparing office: %w", err)
	}

	scripts := channels.NewScriptRunner(cfg.Channels.ScriptTimeout.Std())
	d.manager = channels.NewManager(d.bus, st, cfg.Channels.SuppressionWindow.Std(), log)
	d.registerChannels(allowed, scripts)

	gate := policy.New(policy.Options{
		Allowed:      allowed,
		SuppressSelf: cfg.Senders.SuppressSelf,
		PrefixMode:   cfg.Policy.PrefixMode,
		ChatPrefix:   cfg.Policy.ChatPrefix,
		TriggerTag:   cfg.Policy.TriggerTag,
	}, policy.NewSlidingLimiter(policy.RateWindow{
		Window: cfg.Policy.RateWindow.Std(),
		Max:    cfg.Policy.RateMax,
	}))

	d.apr = approvals.New(st, approvals.Options{
		TTL:            cfg.Approvals.TTL.Std(),
		ExpireInterval: cfg.Approvals.ExpireInterval.Std(),
	}, log)

	workspaces := make(map[string]string, len(cfg.Workspaces.Aliases))
	for alias, path := range cfg.Workspaces.Aliases {
		workspaces[alias] = config.ExpandHome(path)
	}
	d.orch = orchestrator.New(orchestrator.Options{
		Workspaces:          workspaces,
		DefaultWorkspace:    cfg.Workspaces.Default,
		SessionExchanges:    cfg.Memory.SessionExchanges,
		MaxContextChars:     cfg.Memory.MaxContextChars,
		ReplyOnDrop:         cfg.Policy.ReplyOnDrop,
		CheckpointOnTimeout: cfg.Connector.CheckpointOnTimeout,
		MaxResumeAttempts:   cfg.Connector.MaxResumeAttempts,
		FollowUpsEnabled:    cfg.FollowUps.Enabled,
		FollowUpDelay:       cfg.FollowUps.Delay.Std(),
		MaxNudges:           cfg.FollowUps.MaxNudges,
	}, st, d.bus, gate, d.apr, d.conn, d.office, d.manager, log)

	d.sched = scheduler.New(st, d.orch, scheduler.Options{
		Interval: cfg.FollowUps.Interval.Std(),
		NudgeGap: cfg.FollowUps.Delay.Std(),
	}, log)

	if cfg.Companion.Enabled {
		d.comp = d.buildCompanion()
	}
	if cfg.Ambient.Enabled {
		d.amb = ambient.New(ambient.Options{
			Interval: cfg.Ambient.Interval.Std(),
		}, st, d.conn, d.office, log)
	}
	if cfg.Admin.Enabled {
		d.admin = admin.New(admin.Options{
			Addr:          fmt.Sprintf("%s:%d", cfg.Admin.Host, cfg.Admin.Port),
			Token:         cfg.Admin.Token,
			DefaultSender: d.owner,
		}, st, d.bus, log)
	}

	return d, nil
}

// resolveEngine picks the connector engine: the kv override (set by
// "system: engine") wins over config.
func (d *Daemon) resolveEngine() (connector.Engine, error) {
	name := d.cfg.Connector.Engine
	if v, ok, _ := d.st.KVGet(store.KVEngine); ok && v != "" {
		d.log.Info("engine overridden from a previous session", "engine", v)
		name = v
	}

	overrides := make(map[string]connector.Engine, len(d.cfg.Connector.Engines))
	for n, e := range d.cfg.Connector.Engines {
		overrides[n] = connector.Engine{Command: e.Command, Args: e.Args, ModelFlag: e.ModelFlag}
	}
	engine, ok := connector.ResolveEngine(name, overrides)
	if !ok {
		return connector.Engine{}, fmt.Errorf("daemon: unknown engine %q", name)
	}
	if d.cfg.Connector.Command != "" {
		engine.Command = d.cfg.Connector.Command
	}
	return engine, nil
}

func (d *Daemon) registerChannels(allowed sender.Set, scripts *channels.ScriptRunner) {
	ch := d.cfg.Channels
	if ch.IMessage.Enabled {
		d.manager.Register(imessage.New(imessage.Options{
			DBPath:            config.ExpandHome(ch.IMessage.DBPath),
			PollInterval:      ch.IMessage.PollInterval.Std(),
			MaxChunk:          ch.IMessage.MaxChunk,
			FilterAllowed:     ch.IMessage.FilterAllowed,
			Allowed:           allowed,
			ProcessHistorical: d.cfg.Daemon.ProcessHistorical,
		}, d.bus, d.st, scripts, d.log))
	}
	if ch.Mail.Enabled {
		d.manager.Register(mail.New(mail.Options{
			Mailbox:      ch.Mail.Mailbox,
			MaxAge:       ch.Mail.MaxAge.Std(),
			PollInterval: ch.Mail.PollInterval.Std(),
			Signature:    ch.Mail.Signature,
		}, d.bus, scripts, d.log))
	}
	if ch.Reminders.Enabled {
		d.manager.Register(reminders.New(reminders.Options{
			List:         ch.Reminders.List,
			ArchiveList:  ch.Reminders.ArchiveList,
			PollInterval: ch.Reminders.PollInterval.Std(),
			Owner:        d.owner,
		}, d.bus, scripts, d.log))
	}
	if ch.Notes.Enabled {
		d.manager.Register(notes.New(notes.Options{
			Folder:       ch.Notes.Folder,
			TriggerTag:   d.cfg.Policy.TriggerTag,
			PollInterval: ch.Notes.PollInterval.Std(),
			FetchTimeout: ch.Notes.FetchTimeout.Std(),
			MaxRetries:   ch.Notes.MaxRetries,
			Owner:        d.owner,
		}, d.bus, scripts, d.log))
	}
	if ch.Calendar.Enabled {
		d.manager.Register(calendar.New(calendar.Options{
			Calendar:     ch.Calendar.Calendar,
			Lookahead:    ch.Calendar.Lookahead.Std(),
			PollInterval: ch.Calendar.PollInterval.Std(),
			Owner:        d.owner,
		}, d.bus, scripts, d.log))
	}
}

// buildCompanion wires the proactive loop, including per-channel observation
// sources for the channels that expose them.
func (d *Daemon) buildCompanion() *companion.Companion {
	cc := d.cfg.Companion
	quietStart, quietEnd := 0, 0
	if cc.QuietStart != "" && cc.QuietEnd != "" {
		var err error
		if quietStart, err = config.ParseClock(cc.QuietStart); err != nil {
			d.log.Warn("bad quiet_start, ignoring quiet hours", "value", cc.QuietStart)
			quietStart, quietEnd = 0, 0
		} else if quietEnd, err = config.ParseClock(cc.QuietEnd); err != nil {
			d.log.Warn("bad quiet_end, ignoring quiet hours", "value", cc.QuietEnd)
			quietStart, quietEnd = 0, 0
		}
	}

	var extra []companion.ObserveFunc
	if ch, ok := d.manager.Get(bus.ChannelReminders); ok {
		rem := ch.(*reminders.Channel)
		extra = append(extra, func(ctx context.Context) ([]companion.Observation, error) {
			names, err := rem.Overdue(ctx)
			if err != nil {
				return nil, err
			}
			obs := make([]companion.Observation, 0, len(names))
			for _, n := range names {
				obs = append(obs, companion.Observation{Topic: "overdue reminder", Detail: n})
			}
			return obs, nil
		})
	}
	if ch, ok := d.manager.Get(bus.ChannelCalendar); ok {
		cal := ch.(*calendar.Channel)
		extra = append(extra, func(ctx context.Context) ([]companion.Observation, error) {
			items, err := cal.Upcoming(ctx, time.Hour)
			if err != nil {
				return nil, err
			}
			obs := make([]companion.Observation, 0, len(items))
			for _, it := range items {
				obs = append(obs, companion.Observation{Topic: "upcoming event", Detail: it})
			}
			return obs, nil
		})
	}

	return companion.New(companion.Options{
		Owner:               d.owner,
		Interval:            cc.Interval.Std(),
		QuietStart:          quietStart,
		QuietEnd:            quietEnd,
		MaxProactivePerHour: cc.MaxProactivePerHour,
		StaleApprovalAfter:  cc.StaleApprovalAfter.Std(),
		DigestCron:          cc.DigestCron,
		ReviewCron:          cc.ReviewCron,
	}, d.st, d.bus, d.conn, d.office, extra, d.log)
}

// Run acquires the lock and supervises every loop until a signal or a fatal
// error. Returns ErrLocked when another instance holds the lock.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.cfg.LockPath())
	if err != nil {
		return err
	}
	defer lock.Release()
	defer d.st.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingShutdown, err := tracing.Setup(ctx, d.cfg.Telemetry)
	if err != nil {
		d.log.Warn("telemetry disabled", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}

	if err := d.st.KVPut(store.KVDaemonStartedAt, time.Now().Format(time.RFC3339)); err != nil {
		d.log.Error("recording start time", "error", err)
	}
	d.event(store.EventDaemonStarted, map[string]string{"engine": d.conn.EngineCommand()})

	if d.soulPath != "" {
		if err := d.conn.Soul().WatchFile(ctx, d.soulPath, d.log); err != nil {
			d.log.Warn("soul file watch failed", "error", err)
		}
	}

	if err := d.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("daemon: starting channels: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { d.orch.Run(gctx); return nil })
	g.Go(func() error { d.apr.Run(gctx); return nil })
	g.Go(func() error { d.sched.Run(gctx); return nil })
	if d.comp != nil {
		g.Go(func() error { d.comp.Run(gctx); return nil })
	}
	if d.amb != nil {
		g.Go(func() error { d.amb.Run(gctx); return nil })
	}
	if d.admin != nil {
		g.Go(func() error { return d.admin.Start() })
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.admin.Shutdown(shutCtx)
		})
	}

	if d.cfg.Daemon.AnnounceOnStart {
		d.announce()
	}
	d.log.Info("daemon running", "engine", d.conn.EngineCommand(), "channels", d.manager.Names())

	err = g.Wait()
	d.shutdown(tracingShutdown)
	return err
}

// shutdown runs after the loops stop: channels down, subprocesses killed,
// in-flight runs cancelled.
func (d *Daemon) shutdown(tracingShutdown func(context.Context) error) {
	grace := d.cfg.Daemon.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := d.manager.StopAll(ctx); err != nil {
		d.log.Error("stopping channels", "error", err)
	}
	if n := d.conn.KillAll(); n > 0 {
		d.log.Info("killed in-flight turns", "count", n)
	}
	d.cancelExecuting()
	d.event(store.EventDaemonStopped, nil)
	if err := tracingShutdown(ctx); err != nil {
		d.log.Error("flushing telemetry", "error", err)
	}
	d.log.Info("daemon stopped")
}

// cancelExecuting marks runs interrupted by shutdown so they don't read as
// still in flight on the next start.
func (d *Daemon) cancelExecuting() {
	for _, state := range []store.RunState{store.RunExecuting, store.RunVerifying} {
		runs, err := d.st.RunsByState(state, 0)
		if err != nil {
			d.log.Error("listing in-flight runs", "error", err)
			continue
		}
		for _, r := range runs {
			err := d.st.UpdateRunState(r.RunID, store.RunCancelled,
				store.RunUpdate{Error: store.StrPtr("daemon shutdown")})
			if err != nil {
				d.log.Error("cancelling run", "run_id", r.RunID, "error", err)
			}
		}
	}
}

// announce sends the startup greeting to the owner over iMessage.
func (d *Daemon) announce() {
	if d.owner == "" {
		return
	}
	kinds := []string{
		string(command.KindChat), string(command.KindIdea), string(command.KindPlan),
		string(command.KindTask), string(command.KindProject), "status", "help",
	}
	sort.Strings(kinds)
	d.bus.PublishOutbound(bus.OutboundMessage{
		Channel:   bus.ChannelIMessage,
		Recipient: d.owner,
		Text: fmt.Sprintf("Back online. Engine: %s. I understand: %s. Say help for the rest.",
			d.conn.EngineCommand(), strings.Join(kinds, ", ")),
	})
}

func (d *Daemon) event(kind string, payload any) {
	if err := d.st.AppendEvent(kind, payload); err != nil {
		d.log.Error("appending event", "kind", kind, "error", err)
	}
}
