package builtin

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hikaribot/internal/plugin"
	"hikaribot/internal/storage"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
	"hikaribot/pkg/speedtest"
)

type recorder struct {
	mu      sync.Mutex
	replies []string
}

func (r *recorder) Reply(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recorder) React(context.Context, string) error { return nil }

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return ""
	}
	return r.replies[len(r.replies)-1]
}

type fakeControl struct {
	reloads int
	lens    map[string]int
	tasks   []string
}

func (f *fakeControl) Reload(context.Context) error { f.reloads++; return nil }
func (f *fakeControl) QueueLengths() map[string]int { return f.lens }
func (f *fakeControl) ScheduledTasks() []string { return f.tasks }

type fakeTester struct {
	res *speedtest.Result
	err error
}

func (f fakeTester) Run(context.Context) (*speedtest.Result, error) { return f.res, f.err }

type sentText struct {
	to   int64
	text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentText
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Event) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error { return nil }
func (f *fakeAdapter) SelfID() int64 { return 1 }
func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{to.ChatID, text})
	return nil
}

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type harness struct {
	ix    *plugin.Index
	store storage.Store
	ctl   *fakeControl
	svc   *plugin.Services
	opts  Options
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	opts := Options{
		BackupDir:   t.TempDir(),
		BackupKeep:  2,
		SpeedTester: fakeTester{res: &speedtest.Result{DownloadMbps: 93.456, UploadMbps: 40, Ping: 12 * time.Millisecond, ISP: "ExampleNet", ServerName: "Jakarta", ServerCountry: "ID", Took: 20 * time.Second}},
		Now:         func() time.Time { return fixedNow },
	}
	if mutate != nil {
		mutate(&opts)
	}
	store := storage.NewMemory()
	cat := Register(plugin.NewCatalog(), opts)
	ix, err := plugin.NewRegistry(logx.Nop(), store, cat).Load(context.Background())
	require.NoError(t, err)
	ctl := &fakeControl{lens: map[string]int{}}
	return &harness{
		ix:    ix,
		store: store,
		ctl:   ctl,
		opts:  opts,
		svc: &plugin.Services{
			Store:     store,
			Adapter:   &fakeAdapter{},
			Control:   ctl,
			Owners:    func() []int64 { return []int64{42} },
			StartedAt: fixedNow.Add(-3 * time.Hour),
		},
	}
}

// run invokes the handler behind alias directly, bypassing admission.
func (h *harness) run(t *testing.T, alias string, ev *transport.Event, args ...string) *recorder {
	t.Helper()
	d, ok := h.ix.Resolve(alias)
	require.True(t, ok, alias)
	r := &recorder{}
	if ev == nil {
		ev = &transport.Event{SenderID: 42, ChatID: 42}
	}
	ev.Responder = r
	req := &plugin.Request{
		Command: alias, Args: args, Text: strings.Join(args, " "), Prefix: "/",
		SenderID: ev.SenderID, ChatID: ev.ChatID, IsOwner: true,
		IsQuoted: ev.IsQuoted(), Event: ev, Responder: r,
	}
	err := d.Handle(context.Background(), &plugin.Call{Request: req, Plugin: d, Index: h.ix, Services: h.svc, Log: logx.Nop()})
	require.NoError(t, err)
	return r
}

func TestCatalogLoads(t *testing.T) {
	h := newHarness(t, nil)
	for _, alias := range []string{"ping", "menu", "help", "mode", "setting", "queue", "reload", "status", "speedtest", "backup", "greet", "q", "quoted", "afk"} {
		_, ok := h.ix.Resolve(alias)
		assert.True(t, ok, alias)
	}
	sp, _ := h.ix.Lookup("speedtest")
	assert.Equal(t, 60*time.Second, sp.Cooldown)
	assert.Equal(t, 3, sp.DailyLimit)
}

func TestPingReportsLatency(t *testing.T) {
	h := newHarness(t, nil)
	r := h.run(t, "ping", &transport.Event{SenderID: 1, At: fixedNow.Add(-250 * time.Millisecond)})
	assert.Equal(t, "🏓 Pong! _250ms_", r.last())

	r = h.run(t, "ping", nil)
	assert.Equal(t, "🏓 Pong!", r.last())
}

func TestMenuHidesHiddenAndDescribes(t *testing.T) {
	h := newHarness(t, nil)
	out := h.run(t, "menu", nil).last()
	assert.Contains(t, out, "*GENERAL*")
	assert.Contains(t, out, "/ping: Check whether the bot is alive")
	assert.NotContains(t, out, "/greet")
	assert.NotContains(t, out, "/backup")

	out = h.run(t, "help", nil, "speed").last()
	assert.Contains(t, out, "*speedtest*")
	assert.Contains(t, out, "Daily limit: 3")
	assert.Contains(t, out, "Cooldown: 1m0s")

	assert.Equal(t, "Command *nope* not found.", h.run(t, "help", nil, "nope").last())
}

func TestModeUpdatesSettings(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, "✅ Bot mode has been updated to *group*.", h.run(t, "mode", nil, "group").last())
	s, err := h.store.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "group", s.Mode())

	h.run(t, "mode", nil, "public")
	s, _ = h.store.GetSettings(context.Background())
	assert.Equal(t, "public", s.Mode())

	out := h.run(t, "mode", nil, "chaos").last()
	assert.Contains(t, out, "Current Bot Mode: *public*")
	assert.Contains(t, out, "/mode [self|group|private|public]")
}

func TestSettingTogglesPeriodicAndReloads(t *testing.T) {
	h := newHarness(t, nil)
	out := h.run(t, "setting", nil, "bogus", "on").last()
	assert.Contains(t, out, "- *autobackup*: OFF")
	assert.Contains(t, out, "- *greet*: ON")
	assert.Zero(t, h.ctl.reloads)

	assert.Equal(t, "Feature *autobackup* is now *ON*", h.run(t, "setting", nil, "autobackup", "on").last())
	assert.Equal(t, 1, h.ctl.reloads)
	s, _ := h.store.GetSettings(context.Background())
	assert.True(t, s.Periodic["autobackup"])
}

func TestQueueAndReload(t *testing.T) {
	h := newHarness(t, nil)
	h.ctl.lens["7"] = 2
	h.ctl.tasks = []string{"autobackup"}
	out := h.run(t, "queue", nil).last()
	assert.Contains(t, out, "• 7: 2")
	assert.Contains(t, out, "• autobackup")

	assert.Equal(t, "✅ Plugins reloaded. 1 scheduled task(s) running.", h.run(t, "reload", nil).last())
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.AppendAudit(context.Background(), storage.AuditEntry{At: fixedNow.Add(-time.Minute), Command: "ping", OK: true}))
	out := h.run(t, "status", nil).last()
	assert.Contains(t, out, "Up since: 3 hours ago")
	assert.Contains(t, out, "Mode: public")
	assert.Contains(t, out, "1 ok, 0 failed")
}

func TestSpeedtest(t *testing.T) {
	h := newHarness(t, nil)
	out := h.run(t, "speedtest", nil).last()
	assert.Contains(t, out, "Download: *93.46 Mbps*")
	assert.Contains(t, out, "ISP: ExampleNet")

	h = newHarness(t, func(o *Options) { o.SpeedTester = fakeTester{err: errors.New("no servers")} })
	d, _ := h.ix.Resolve("speedtest")
	err := d.Handle(context.Background(), &plugin.Call{Request: &plugin.Request{Responder: &recorder{}}, Plugin: d, Index: h.ix, Services: h.svc})
	assert.EqualError(t, err, "no servers")
}

func TestBackupWritesAndPrunes(t *testing.T) {
	tick := fixedNow
	h := newHarness(t, func(o *Options) {
		o.Now = func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		}
	})
	for range 3 {
		assert.Contains(t, h.run(t, "backup", nil).last(), "✅ Backup written to")
	}
	ents, err := os.ReadDir(h.opts.BackupDir)
	require.NoError(t, err)
	assert.Len(t, ents, 2)

	d, _ := h.ix.Lookup("autobackup")
	require.NotNil(t, d.Periodic)
	assert.Equal(t, plugin.KindInterval, d.Periodic.Kind)
	assert.False(t, d.Periodic.Enabled)

	ad := h.svc.Adapter.(*fakeAdapter)
	require.NoError(t, d.Periodic.Run(context.Background(), &plugin.Hook{Plugin: d, Index: h.ix, Services: h.svc, Log: logx.Nop()}))
	require.Len(t, ad.sent, 1)
	assert.Equal(t, int64(42), ad.sent[0].to)
	assert.Contains(t, ad.sent[0].text, "Automated backup")
}

func TestBackupWithoutDirFails(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.BackupDir = "" })
	d, _ := h.ix.Lookup("autobackup")
	err := d.Periodic.Run(context.Background(), &plugin.Hook{Plugin: d, Index: h.ix, Services: h.svc, Log: logx.Nop()})
	assert.Error(t, err)
	ad := h.svc.Adapter.(*fakeAdapter)
	require.Len(t, ad.sent, 1)
	assert.Contains(t, ad.sent[0].text, "Auto-backup failed")
}

func TestGreetHook(t *testing.T) {
	h := newHarness(t, nil)
	d, _ := h.ix.Lookup("greet")
	r := &recorder{}
	hook := &plugin.Hook{Plugin: d, Event: &transport.Event{Text: "TES 123", Responder: r}, Log: logx.Nop()}
	require.NoError(t, d.Periodic.Run(context.Background(), hook))
	assert.Equal(t, "tis", r.last())

	r = &recorder{}
	hook.Event = &transport.Event{Text: "hello", Responder: r}
	require.NoError(t, d.Periodic.Run(context.Background(), hook))
	assert.Empty(t, r.last())
}

func TestQuoted(t *testing.T) {
	h := newHarness(t, nil)
	ev := &transport.Event{SenderID: 1, Quoted: &transport.Quoted{ID: 3, Text: "original words"}}
	assert.Equal(t, "original words", h.run(t, "q", ev).last())

	ev = &transport.Event{SenderID: 1, Quoted: &transport.Quoted{ID: 3}}
	assert.Equal(t, "Message not found.", h.run(t, "quoted", ev).last())

	d, _ := h.ix.Resolve("q")
	assert.Contains(t, d.Usage, "quoted")
}

func TestAFKRoundTrip(t *testing.T) {
	now := fixedNow
	h := newHarness(t, func(o *Options) { o.Now = func() time.Time { return now } })
	d, _ := h.ix.Lookup("afk")

	out := h.run(t, "afk", &transport.Event{SenderID: 5, SenderName: "ana"}, "lunch").last()
	assert.Equal(t, "💤 *ana* is now AFK: lunch", out)

	// The afk command itself does not clear the mark.
	r := &recorder{}
	require.NoError(t, d.After(context.Background(), &plugin.Hook{
		Plugin: d, Event: &transport.Event{SenderID: 5, Responder: r}, Request: &plugin.Request{Command: "afk"},
	}))
	assert.Empty(t, r.last())

	// A reply to an AFK user gets an away notice.
	r = &recorder{}
	require.NoError(t, d.After(context.Background(), &plugin.Hook{
		Plugin: d, Event: &transport.Event{SenderID: 6, Quoted: &transport.Quoted{SenderID: 5}, Responder: r},
	}))
	assert.Contains(t, r.last(), "*ana* is AFK: lunch")

	now = now.Add(2 * time.Hour)
	r = &recorder{}
	require.NoError(t, d.After(context.Background(), &plugin.Hook{
		Plugin: d, Event: &transport.Event{SenderID: 5, SenderName: "ana", Responder: r},
	}))
	assert.Equal(t, "👋 Welcome back *ana*! You were AFK since 2 hours ago.", r.last())
}
