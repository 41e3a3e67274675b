package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikaribot/internal/eventbus"
	"hikaribot/internal/plugin"
	"hikaribot/internal/storage"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

type fakeResponder struct {
	mu      sync.Mutex
	replies []string
	reacts  []string
}

func (f *fakeResponder) Reply(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeResponder) React(_ context.Context, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reacts = append(f.reacts, emoji)
	return nil
}

func (f *fakeResponder) Replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

func (f *fakeResponder) Reacts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reacts...)
}

type armRecorder struct{ armed atomic.Int32 }

func (a *armRecorder) ArmCooldown(*plugin.Descriptor, *plugin.Request) { a.armed.Add(1) }

// mutableSource lets a test swap the plugin set between loads.
type mutableSource struct {
	mu    sync.Mutex
	specs []plugin.Spec
	err   error
	loads atomic.Int32
}

func (s *mutableSource) Set(specs ...plugin.Spec) {
	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
}

func (s *mutableSource) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *mutableSource) Specs(context.Context) ([]plugin.Spec, error) {
	s.loads.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]plugin.Spec(nil), s.specs...), s.err
}

func build(t *testing.T, sp plugin.Spec) *plugin.Descriptor {
	t.Helper()
	d, err := plugin.Build(sp)
	require.NoError(t, err)
	return d
}

func TestExecutorSuccess(t *testing.T) {
	store := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	arm := &armRecorder{}
	x := NewExecutor(arm, &plugin.Services{Store: store}, bus, logx.Nop())

	d := build(t, plugin.Spec{Name: "ping", Commands: []string{"ping"}, Handle: func(ctx context.Context, c *plugin.Call) error {
		assert.NotEmpty(t, c.ReqID)
		return c.Reply(ctx, "pong")
	}})
	r := &fakeResponder{}
	req := &plugin.Request{SenderKey: "1", SenderID: 1, ChatID: 5, Command: "ping", Prefix: "!", Responder: r}

	require.NoError(t, x.Execute(context.Background(), nil, d, req))
	assert.Equal(t, []string{plugin.DefaultWait, "pong"}, r.Replies())
	assert.Equal(t, []string{ReactRunning, ReactOK}, r.Reacts())
	assert.EqualValues(t, 1, arm.armed.Load())

	e := <-events
	assert.Equal(t, eventbus.CommandExecuted, e.Type)
	assert.Equal(t, "ping", e.Data.(eventbus.CommandOutcome).Plugin)

	audit, err := store.RecentAudit(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.True(t, audit[0].OK)
	assert.Equal(t, int64(5), audit[0].ChatID)
}

func TestExecutorFailure(t *testing.T) {
	arm := &armRecorder{}
	x := NewExecutor(arm, nil, nil, logx.Nop())

	failing := build(t, plugin.Spec{Name: "boom", Commands: []string{"boom"}, Wait: plugin.Ptr(""),
		Handle: func(context.Context, *plugin.Call) error { return errors.New("kaput") }})
	r := &fakeResponder{}
	err := x.Execute(context.Background(), nil, failing, &plugin.Request{Command: "boom", Prefix: "!", Responder: r})
	require.Error(t, err)
	assert.Equal(t, []string{"❌ Failed executing !boom: kaput"}, r.Replies())
	assert.Equal(t, []string{ReactRunning, ReactFailed}, r.Reacts())
	assert.Zero(t, arm.armed.Load(), "no cooldown after failure")

	panicky := build(t, plugin.Spec{Name: "panic", Commands: []string{"panic"}, Wait: plugin.Ptr(""), React: plugin.Ptr(false),
		Failed: plugin.Ptr("%command broke (%error)"),
		Handle: func(context.Context, *plugin.Call) error { panic("secret detail") }})
	r = &fakeResponder{}
	require.Error(t, x.Execute(context.Background(), nil, panicky, &plugin.Request{Command: "panic", Prefix: "/", Responder: r}))
	assert.Equal(t, []string{"/panic broke (Internal error)"}, r.Replies())
	assert.Empty(t, r.Reacts())
}

func TestFormatFailure(t *testing.T) {
	assert.Equal(t, "x !a y", FormatFailure("x %command y", "!a", errors.New("e")))
	assert.Equal(t, "Internal error", FormatFailure("%error", "!a", errors.New("  ")))
	assert.Equal(t, "e %error", FormatFailure("%error %error", "!a", errors.New("e")))
}

type engineFixture struct {
	engine   *Engine
	src      *mutableSource
	settings storage.Store
}

func newFixture(t *testing.T, specs ...plugin.Spec) *engineFixture {
	t.Helper()
	src := &mutableSource{}
	src.Set(specs...)
	settings := storage.NewMemory()
	reg := plugin.NewRegistry(logx.Nop(), settings, src)
	e := New(Options{
		Registry:       reg,
		Settings:       settings,
		Services:       &plugin.Services{Store: settings},
		Prefixes:       func() []string { return []string{"!"} },
		Owners:         func() []int64 { return []int64{42} },
		ReloadDebounce: 20 * time.Millisecond,
		Log:            logx.Nop(),
	})
	require.NoError(t, e.LoadPlugins(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer ccancel()
		_ = e.Close(cctx)
	})
	return &engineFixture{engine: e, src: src, settings: settings}
}

func event(sender int64, text string, r transport.Responder) transport.Event {
	return transport.Event{ChatID: 100, SenderID: sender, Text: text, Responder: r}
}

func TestEngineDuplicateScenario(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var ran []string
	record := func(ctx context.Context, c *plugin.Call) error {
		if c.Command == "block" {
			<-release
		}
		mu.Lock()
		ran = append(ran, c.Command)
		mu.Unlock()
		return nil
	}
	quiet := plugin.Ptr("")
	f := newFixture(t,
		plugin.Spec{Name: "block", Commands: []string{"block"}, Handle: record, Wait: quiet},
		plugin.Spec{Name: "ping", Commands: []string{"ping"}, Handle: record, Wait: quiet},
		plugin.Spec{Name: "pong", Commands: []string{"pong"}, Handle: record, Wait: quiet},
	)
	r := &fakeResponder{}
	ctx := context.Background()

	// Duplicates are matched against pending items only; the running head was
	// already popped. Holding "block" keeps the first ping pending.
	f.engine.HandleEvent(ctx, event(7, "!block", r))
	require.Eventually(t, func() bool { return f.engine.QueueStatus().TotalQueues == 1 && f.engine.queue.Len("7") == 0 },
		time.Second, 5*time.Millisecond)

	f.engine.HandleEvent(ctx, event(7, "!ping", r))
	f.engine.HandleEvent(ctx, event(7, "!pong", r))
	f.engine.HandleEvent(ctx, event(7, "!ping", r))
	assert.Equal(t, map[string]int{"7": 2}, f.engine.QueueLengths())

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"block", "ping", "pong"}, ran)
}

func TestEngineFailingHandlerDoesNotHaltSender(t *testing.T) {
	var after atomic.Bool
	f := newFixture(t,
		plugin.Spec{Name: "boom", Commands: []string{"boom"}, Wait: plugin.Ptr(""),
			Handle: func(context.Context, *plugin.Call) error { panic("x") }},
		plugin.Spec{Name: "next", Commands: []string{"next"}, Wait: plugin.Ptr(""),
			Handle: func(context.Context, *plugin.Call) error { after.Store(true); return nil }},
	)
	r := &fakeResponder{}
	f.engine.HandleEvent(context.Background(), event(7, "!boom", r))
	f.engine.HandleEvent(context.Background(), event(7, "!next", r))
	require.Eventually(t, after.Load, time.Second, 5*time.Millisecond)
	assert.Contains(t, r.Replies(), "❌ Failed executing !boom: Internal error")
}

func TestEngineDenialReportsEnvironmentFirst(t *testing.T) {
	f := newFixture(t, plugin.Spec{Name: "kick", Commands: []string{"kick"}, Group: true, Owner: true,
		Handle: func(context.Context, *plugin.Call) error { return nil }})
	r := &fakeResponder{}
	f.engine.HandleEvent(context.Background(), event(7, "!kick", r))
	require.Eventually(t, func() bool { return len(r.Replies()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "🚫 Group-only command", r.Replies()[0])
	assert.Equal(t, []string{"❌"}, r.Reacts())
}

func TestEngineModeFlags(t *testing.T) {
	var n atomic.Int32
	f := newFixture(t, plugin.Spec{Name: "ping", Commands: []string{"ping"}, Wait: plugin.Ptr(""),
		Handle: func(context.Context, *plugin.Call) error { n.Add(1); return nil }})
	ctx := context.Background()
	on := true
	_, err := f.settings.UpdateSettings(ctx, storage.SettingsPatch{Self: &on})
	require.NoError(t, err)

	f.engine.HandleEvent(ctx, event(7, "!ping", &fakeResponder{}))
	f.engine.HandleEvent(ctx, event(42, "ping", &fakeResponder{}))
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, n.Load(), "only the owner gets through in self mode")

	off := false
	_, err = f.settings.UpdateSettings(ctx, storage.SettingsPatch{Self: &off, GroupOnly: &on})
	require.NoError(t, err)
	f.engine.HandleEvent(ctx, event(8, "!ping", &fakeResponder{}))
	grp := event(8, "!ping", &fakeResponder{})
	grp.IsGroup = true
	f.engine.HandleEvent(ctx, grp)
	require.Eventually(t, func() bool { return n.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEngineHooksRunForEveryAcceptedEvent(t *testing.T) {
	var hooks, afters atomic.Int32
	var sawReq atomic.Bool
	f := newFixture(t,
		plugin.Spec{Name: "greet", Commands: []string{"greet"}, Handle: func(context.Context, *plugin.Call) error { return nil },
			Periodic: &plugin.PeriodicSpec{Enabled: true, Run: func(_ context.Context, h *plugin.Hook) error {
				hooks.Add(1)
				return errors.New("hook errors are contained")
			}}},
		plugin.Spec{Name: "afk", Commands: []string{"afk"}, Handle: func(context.Context, *plugin.Call) error { return nil },
			After: func(_ context.Context, h *plugin.Hook) error {
				afters.Add(1)
				if h.Request != nil {
					sawReq.Store(true)
				}
				panic("after hooks are contained too")
			}},
	)
	f.engine.HandleEvent(context.Background(), event(7, "hello", &fakeResponder{}))
	f.engine.HandleEvent(context.Background(), event(7, "!unknown", &fakeResponder{}))
	assert.EqualValues(t, 2, hooks.Load())
	assert.EqualValues(t, 2, afters.Load())
	assert.True(t, sawReq.Load())
}

func TestEngineReloadSwapsAliases(t *testing.T) {
	noop := func(context.Context, *plugin.Call) error { return nil }
	f := newFixture(t, plugin.Spec{Name: "p1", Commands: []string{"one"}, Handle: noop})
	_, ok := f.engine.Registry().Resolve("one")
	require.True(t, ok)

	f.src.Set(plugin.Spec{Name: "p2", Commands: []string{"two"}, Handle: noop})
	require.NoError(t, f.engine.Reload(context.Background()))

	_, ok = f.engine.Registry().Resolve("one")
	assert.False(t, ok)
	_, ok = f.engine.Registry().Resolve("two")
	assert.True(t, ok)
}

func TestEngineReloadFailureKeepsTasks(t *testing.T) {
	run := func(context.Context, *plugin.Hook) error { return nil }
	noop := func(context.Context, *plugin.Call) error { return nil }
	f := newFixture(t, plugin.Spec{Name: "backup", Commands: []string{"backup"}, Handle: noop,
		Periodic: &plugin.PeriodicSpec{Kind: "interval", Interval: time.Hour, Enabled: true, Run: run}})
	require.Equal(t, 1, f.engine.ScheduleAll())
	assert.Equal(t, []string{"backup"}, f.engine.ScheduledTasks())

	f.src.Fail(errors.New("unreadable"))
	require.Error(t, f.engine.Reload(context.Background()))
	assert.Equal(t, []string{"backup"}, f.engine.ScheduledTasks())
	_, ok := f.engine.Registry().Resolve("backup")
	assert.True(t, ok)

	f.src.Fail(nil)
	f.src.Set(plugin.Spec{Name: "other", Commands: []string{"other"}, Handle: noop})
	require.NoError(t, f.engine.Reload(context.Background()))
	assert.Empty(t, f.engine.ScheduledTasks())
}

func TestEngineTriggerReloadDebounces(t *testing.T) {
	f := newFixture(t, plugin.Spec{Name: "p", Commands: []string{"p"}, Handle: func(context.Context, *plugin.Call) error { return nil }})
	base := f.src.loads.Load()
	for range 5 {
		f.engine.TriggerReload()
	}
	require.Eventually(t, func() bool { return f.src.loads.Load() == base+1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, base+1, f.src.loads.Load())
}

func TestEnginePeriodicSettingAppliesOnReload(t *testing.T) {
	var n atomic.Int32
	f := newFixture(t, plugin.Spec{Name: "greet", Commands: []string{"greet"},
		Handle: func(context.Context, *plugin.Call) error { return nil },
		Periodic: &plugin.PeriodicSpec{Enabled: true, Run: func(context.Context, *plugin.Hook) error {
			n.Add(1)
			return nil
		}}})
	ctx := context.Background()
	_, err := f.settings.UpdateSettings(ctx, storage.SettingsPatch{Periodic: map[string]bool{"greet": false}})
	require.NoError(t, err)

	f.engine.HandleEvent(ctx, event(7, "tes", &fakeResponder{}))
	assert.EqualValues(t, 1, n.Load(), "settings apply at load time only")

	require.NoError(t, f.engine.Reload(ctx))
	f.engine.HandleEvent(ctx, event(7, "tes", &fakeResponder{}))
	assert.EqualValues(t, 1, n.Load())
}

func TestEngineOwnerCheck(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.engine.IsOwner(42))
	assert.False(t, f.engine.IsOwner(7))
	assert.False(t, f.engine.IsOwner(0))
}
