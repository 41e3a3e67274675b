// Package periodic runs plugin background work: interval tasks on a cron
// scheduler, and message hooks invoked inline for every accepted event.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hikaribot/internal/plugin"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

type Options struct {
	// Services and Index are handed to every hook invocation.
	Services *plugin.Services
	Index    func() *plugin.Index
	Location *time.Location
	Log      logx.Logger
}

// Scheduler owns at most one cron entry per plugin name.
type Scheduler struct {
	opts Options
	log  logx.Logger

	mu      sync.Mutex
	ctx     context.Context
	c       *cron.Cron
	handles map[string]cron.EntryID
	started bool
}

func New(opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Index == nil {
		opts.Index = func() *plugin.Index { return nil }
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	log = log.With(logx.String("comp", "periodic"))
	return &Scheduler{
		opts:    opts,
		log:     log,
		ctx:     context.Background(),
		c:       cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{log: log})),
		handles: map[string]cron.EntryID{},
	}
}

// Run starts the cron loop. ctx is passed to every interval run.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()
	s.c.Start()
}

// Close stops future firings and waits for running jobs, or ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errMisconfigured = errors.New("misconfigured periodic task")

// Start schedules d's interval task. It is a no-op when a handle for d
// already exists, when the task is disabled, or when d has no interval task.
// Unknown kinds and non-positive intervals are logged and never scheduled.
func (s *Scheduler) Start(d *plugin.Descriptor) bool {
	if d == nil || d.Periodic == nil {
		return false
	}
	p := d.Periodic
	switch p.Kind {
	case plugin.KindMessage:
		return false
	case plugin.KindInterval:
	default:
		s.log.Error("periodic task not scheduled", logx.String("plugin", d.Name),
			logx.Err(fmt.Errorf("%w: unknown kind %q", errMisconfigured, p.Kind)))
		return false
	}
	if !p.Enabled {
		s.log.Debug("periodic task disabled", logx.String("plugin", d.Name))
		return false
	}
	if p.Interval <= 0 {
		s.log.Error("periodic task not scheduled", logx.String("plugin", d.Name),
			logx.Err(fmt.Errorf("%w: interval must be positive", errMisconfigured)))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[d.Name]; ok {
		return false
	}
	job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{log: s.log})).Then(cron.FuncJob(func() { s.runInterval(d) }))
	s.handles[d.Name] = s.c.Schedule(cron.Every(p.Interval), job)
	s.log.Info("periodic task scheduled", logx.String("plugin", d.Name), logx.Duration("every", p.Interval))
	return true
}

// Stop removes name's handle. Runs already in progress finish.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.handles[name]
	if !ok {
		return false
	}
	s.c.Remove(id)
	delete(s.handles, name)
	s.log.Info("periodic task stopped", logx.String("plugin", name))
	return true
}

// StopAll removes every handle and returns the names that were scheduled.
func (s *Scheduler) StopAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.handles))
	for name, id := range s.handles {
		s.c.Remove(id)
		names = append(names, name)
	}
	clear(s.handles)
	sort.Strings(names)
	if len(names) > 0 {
		s.log.Info("periodic tasks stopped", logx.Strings("plugins", names))
	}
	return names
}

// StartAll schedules every eligible descriptor and returns how many were added.
func (s *Scheduler) StartAll(ds []*plugin.Descriptor) int {
	n := 0
	for _, d := range ds {
		if s.Start(d) {
			n++
		}
	}
	return n
}

// Active lists scheduled interval tasks.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.handles))
	for name := range s.handles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Next returns when name fires next.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.handles[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.c.Entry(id)
	return e.Next, e.Valid()
}

func (s *Scheduler) runInterval(d *plugin.Descriptor) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	h := &plugin.Hook{
		Plugin:   d,
		Index:    s.opts.Index(),
		Services: s.opts.Services,
		Log:      s.log.With(logx.String("plugin", d.Name)),
	}
	start := time.Now()
	if err := s.invoke(ctx, d.Periodic.Run, h); err != nil {
		s.log.Warn("periodic task failed", logx.String("plugin", d.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("periodic task ran", logx.String("plugin", d.Name), logx.Duration("took", time.Since(start)))
}

// RunMessageHooks invokes every enabled message hook in ix, in name order,
// on the caller's goroutine. A failing hook never stops the others.
func (s *Scheduler) RunMessageHooks(ctx context.Context, ix *plugin.Index, ev *transport.Event, req *plugin.Request) {
	for _, d := range ix.All() {
		p := d.Periodic
		if p == nil || p.Kind != plugin.KindMessage || !p.Enabled {
			continue
		}
		h := &plugin.Hook{
			Plugin:   d,
			Event:    ev,
			Request:  req,
			Index:    ix,
			Services: s.opts.Services,
			Log:      s.log.With(logx.String("plugin", d.Name)),
		}
		if err := s.invoke(ctx, p.Run, h); err != nil {
			s.log.Warn("message hook failed", logx.String("plugin", d.Name), logx.Err(err))
		}
	}
}

// invoke runs fn and turns a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, fn plugin.HookFunc, h *plugin.Hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("hook panicked", logx.String("plugin", h.Plugin.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, h)
}
