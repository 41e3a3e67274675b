// Package dispatch turns inbound chat events into serialized, admitted plugin
// executions and owns the plugin reload cycle.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"hikaribot/internal/admission"
	"hikaribot/internal/eventbus"
	"hikaribot/internal/periodic"
	"hikaribot/internal/plugin"
	"hikaribot/internal/queue"
	"hikaribot/internal/storage"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

const (
	defaultSweepEvery    = time.Minute
	defaultReloadTimeout = 30 * time.Second
)

type Options struct {
	Registry *plugin.Registry
	// Settings supplies the global mode flags. nil means public mode.
	Settings plugin.SettingsReader
	Roster   transport.Roster
	Bus      eventbus.Bus
	// Services are shared with handlers and hooks. Control is set to the engine.
	Services *plugin.Services

	Prefixes          func() []string
	Owners            func() []int64
	AllowExperimental func() bool

	QueueCapacity  int
	ReloadDebounce time.Duration
	Location       *time.Location
	Now            func() time.Time
	Log            logx.Logger
}

// Engine is the host-facing surface of the dispatch core.
type Engine struct {
	reg      *plugin.Registry
	settings plugin.SettingsReader
	roster   transport.Roster
	bus      eventbus.Bus
	services *plugin.Services
	prefixes func() []string
	owners   func() []int64

	pipe     *admission.Pipeline
	exec     *Executor
	sched    *periodic.Scheduler
	queue    *queue.Manager[*plugin.Request]
	debounce *plugin.Debouncer

	reloadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
}

func New(opts Options) *Engine {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "dispatch"))
	if opts.Registry == nil {
		opts.Registry = plugin.NewRegistry(log, opts.Settings)
	}
	if opts.Services == nil {
		opts.Services = &plugin.Services{}
	}
	if opts.Prefixes == nil {
		opts.Prefixes = func() []string { return []string{"/"} }
	}
	if opts.Owners == nil {
		opts.Owners = func() []int64 { return nil }
	}
	if opts.Services.Owners == nil {
		opts.Services.Owners = opts.Owners
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		reg:      opts.Registry,
		settings: opts.Settings,
		roster:   opts.Roster,
		bus:      opts.Bus,
		services: opts.Services,
		prefixes: opts.Prefixes,
		owners:   opts.Owners,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	e.services.Control = e

	now := opts.Now
	if now == nil && opts.Location != nil {
		loc := opts.Location
		now = func() time.Time { return time.Now().In(loc) }
	}
	e.pipe = admission.New(admission.Options{
		Roster:            opts.Roster,
		AllowExperimental: opts.AllowExperimental,
		Now:               now,
		Log:               log,
	})
	e.exec = NewExecutor(e.pipe, e.services, opts.Bus, log)
	e.sched = periodic.New(periodic.Options{
		Services: e.services,
		Index:    e.reg.Current,
		Location: opts.Location,
		Log:      log,
	})
	e.queue = queue.New[*plugin.Request](ctx, e.process, queue.Options[*plugin.Request]{
		Capacity: opts.QueueCapacity,
		Same: func(a, b *plugin.Request) bool {
			return a.Command == b.Command && a.ArgString() == b.ArgString()
		},
		Describe: func(r *plugin.Request) string { return r.Prefix + r.Command },
		Log:      log,
	})
	e.debounce = plugin.NewDebouncer(opts.ReloadDebounce, func() {
		rctx, cancel := context.WithTimeout(e.ctx, defaultReloadTimeout)
		defer cancel()
		_ = e.Reload(rctx)
	})
	return e
}

// Run starts interval scheduling and rate-limit eviction; it blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.sched.Run(ctx)
	e.pipe.Run(ctx, defaultSweepEvery)
	return nil
}

// Close stops reloads and interval tasks, then waits for queued work.
func (e *Engine) Close(ctx context.Context) error {
	e.debounce.Stop()
	e.StopAll()
	qerr := e.queue.Close(ctx)
	serr := e.sched.Close(ctx)
	e.cancel()
	if qerr != nil {
		return qerr
	}
	return serr
}

// Registry exposes the live registry (read-only use).
func (e *Engine) Registry() *plugin.Registry { return e.reg }

// LoadPlugins builds and publishes the first index. Interval tasks are
// started separately by ScheduleAll.
func (e *Engine) LoadPlugins(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	_, err := e.reg.Load(ctx)
	return err
}

// Reload stops every interval task, loads a fresh index and restarts tasks
// from it. On failure the previous index stays live and its tasks resume.
// Reloads never overlap.
func (e *Engine) Reload(ctx context.Context) (err error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("reload panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("reload panic: %v", r)
			e.sched.StartAll(e.reg.Current().All())
		}
		out := eventbus.ReloadOutcome{Plugins: e.reg.Current().Len(), Tasks: e.sched.Active(), Duration: time.Since(start)}
		if err != nil {
			out.Err = err.Error()
		}
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.PluginsReloaded, Data: out})
		}
	}()

	stopped := e.sched.StopAll()
	ix, err := e.reg.Load(ctx)
	if err != nil {
		n := e.sched.StartAll(e.reg.Current().All())
		e.log.Warn("reload failed; keeping previous plugins", logx.Int("tasks", n), logx.Err(err))
		return err
	}
	n := e.sched.StartAll(ix.All())
	e.log.Info("plugins reloaded",
		logx.Int("plugins", ix.Len()),
		logx.Int("stopped_tasks", len(stopped)),
		logx.Int("started_tasks", n),
		logx.Duration("took", time.Since(start)))
	return nil
}

// TriggerReload schedules a debounced reload.
func (e *Engine) TriggerReload() { e.debounce.Trigger() }

// Enqueue hands req to its sender's queue.
func (e *Engine) Enqueue(req *plugin.Request) queue.EnqueueResult {
	return e.queue.Enqueue(req.SenderKey, req)
}

// ScheduleAll starts every enabled interval task of the current index.
func (e *Engine) ScheduleAll() int {
	n := e.sched.StartAll(e.reg.Current().All())
	if n == 0 {
		e.log.Debug("no periodic interval tasks")
	}
	return n
}

// StopAll stops every interval task.
func (e *Engine) StopAll() []string { return e.sched.StopAll() }

func (e *Engine) QueueStatus() queue.Status { return e.queue.Status() }

func (e *Engine) QueueLengths() map[string]int { return e.queue.Lengths() }

func (e *Engine) ScheduledTasks() []string { return e.sched.Active() }

// process is the queue's per-item work: resolve, admit, execute.
func (e *Engine) process(ctx context.Context, key string, req *plugin.Request) {
	ix := e.reg.Current()
	d, ok := ix.Resolve(req.Command)
	if !ok {
		e.log.Debug("unknown command", logx.String("sender", key), logx.String("command", req.Command))
		return
	}
	if den := e.pipe.Admit(ctx, d, req); den != nil {
		e.deny(ctx, d, req, den)
		return
	}
	_ = e.exec.Execute(ctx, ix, d, req)
}

func (e *Engine) deny(ctx context.Context, d *plugin.Descriptor, req *plugin.Request, den *admission.Denial) {
	e.log.Debug("command denied",
		logx.String("plugin", d.Name),
		logx.String("sender", req.SenderKey),
		logx.String("check", string(den.Check)))
	if req.Responder != nil {
		if err := req.Responder.Reply(ctx, den.Message); err != nil {
			e.log.Debug("denial reply failed", logx.Err(err))
		}
		if d.React && den.Reaction != "" {
			if err := req.Responder.React(ctx, den.Reaction); err != nil {
				e.log.Debug("denial react failed", logx.Err(err))
			}
		}
	}
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.CommandDenied, Data: eventbus.CommandOutcome{
			Sender: req.SenderKey, ChatID: req.ChatID, Plugin: d.Name, Command: req.Command, Check: string(den.Check),
		}})
	}
}

// IsOwner reports whether id is a configured owner.
func (e *Engine) IsOwner(id int64) bool {
	return id != 0 && slices.Contains(e.owners(), id)
}

// HandleEvent applies the global mode, enqueues a command if the body is
// one, then runs message hooks and after-hooks. Nothing here blocks on the
// command itself.
func (e *Engine) HandleEvent(ctx context.Context, ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event handling panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if ev.Text == "" {
		return
	}
	isOwner := e.IsOwner(ev.SenderID)

	var st storage.Settings
	if e.settings != nil {
		s, err := e.settings.GetSettings(ctx)
		if err != nil {
			e.log.Warn("settings unavailable; assuming public mode", logx.Err(err))
		} else {
			st = s
		}
	}
	if !isOwner && !modeAllows(st, ev.IsGroup) {
		return
	}

	ix := e.reg.Current()
	p := Parse(ev.Text, e.prefixes(), isOwner, func(a string) bool {
		_, ok := ix.Resolve(a)
		return ok
	})

	var req *plugin.Request
	if p.IsCommand {
		req = &plugin.Request{
			SenderKey: strconv.FormatInt(ev.SenderID, 10),
			Command:   p.Command,
			Args:      p.Args,
			Prefix:    p.Prefix,
			Text:      p.Text,
			IsQuoted:  ev.IsQuoted(),
			IsOwner:   isOwner,
			IsGroup:   ev.IsGroup,
			ChatID:    ev.ChatID,
			SenderID:  ev.SenderID,
			Event:     &ev,
			Responder: ev.Responder,
		}
		if d, ok := ix.Resolve(p.Command); ok && d.BotAdmin && ev.IsGroup {
			req.IsBotAdmin = e.botIsAdmin(ctx, ev.ChatID)
		}
		if res := e.Enqueue(req); res != queue.Queued {
			e.log.Debug("command not queued", logx.String("sender", req.SenderKey),
				logx.String("command", req.Command), logx.String("result", res.String()))
		}
	}

	e.sched.RunMessageHooks(ctx, ix, &ev, req)
	e.runAfterHooks(ctx, ix, &ev, req)
}

func modeAllows(st storage.Settings, isGroup bool) bool {
	switch {
	case st.Self:
		return false
	case st.GroupOnly && !isGroup:
		return false
	case st.PrivateOnly && isGroup:
		return false
	}
	return true
}

// botIsAdmin fails closed.
func (e *Engine) botIsAdmin(ctx context.Context, chatID int64) bool {
	if e.roster == nil || e.services.Adapter == nil {
		return false
	}
	m, err := e.roster.ResolveMembership(ctx, chatID, e.services.Adapter.SelfID())
	if err != nil {
		e.log.Debug("bot membership lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return false
	}
	return m != nil && m.IsAdmin
}

func (e *Engine) runAfterHooks(ctx context.Context, ix *plugin.Index, ev *transport.Event, req *plugin.Request) {
	for _, d := range ix.All() {
		if d.After == nil {
			continue
		}
		h := &plugin.Hook{
			Plugin:   d,
			Event:    ev,
			Request:  req,
			Index:    ix,
			Services: e.services,
			Log:      e.log.With(logx.String("plugin", d.Name)),
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("after hook panicked", logx.String("plugin", d.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			if err := d.After(ctx, h); err != nil {
				e.log.Warn("after hook failed", logx.String("plugin", d.Name), logx.Err(err))
			}
		}()
	}
}
