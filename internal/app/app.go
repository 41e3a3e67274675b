// Package app wires configuration, logging, storage, the Telegram transport
// and the dispatch engine into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"hikaribot/internal/config"
	"hikaribot/internal/dispatch"
	"hikaribot/internal/eventbus"
	"hikaribot/internal/notifier"
	"hikaribot/internal/plugin"
	"hikaribot/internal/plugin/builtin"
	rtsup "hikaribot/internal/runtime/supervisor"
	"hikaribot/internal/storage"
	"hikaribot/internal/transport"
	"hikaribot/internal/transport/telegram"
	logx "hikaribot/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	live atomic.Pointer[config.Config]

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	engine  *dispatch.Engine

	sup    *rtsup.Supervisor
	events chan transport.Event
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	ad, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		APIURL:         cfg.Telegram.APIURL,
		PollTimeout:    cfg.Telegram.PollTimeoutOrDefault(),
		SendRatePerSec: cfg.Telegram.SendRateOrDefault(),
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.Logging.Logx(cfg.Telegram.OwnerUserIDs), ad)

	sc, err := cfg.Storage.Storage()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		adapter: ad,
		events:  make(chan transport.Event, 256),
	}
	a.live.Store(cfg)

	cat := builtin.Register(plugin.NewCatalog(), builtin.Options{BackupDir: cfg.Plugins.BackupDir})
	var src plugin.Source = cat
	if dir := strings.TrimSpace(cfg.Plugins.Dir); dir != "" {
		src = plugin.NewManifestSource(dir, cat, log.With(logx.String("comp", "manifests")))
	}
	loc, _ := cfg.Bot.Location()

	a.engine = dispatch.New(dispatch.Options{
		Registry: plugin.NewRegistry(log.With(logx.String("comp", "registry")), store, src),
		Settings: store,
		Roster:   ad,
		Bus:      a.bus,
		Services: &plugin.Services{
			Store:     store,
			Adapter:   ad,
			StartedAt: time.Now(),
		},
		Prefixes:          func() []string { return a.live.Load().Bot.PrefixesOrDefault() },
		Owners:            func() []int64 { return a.live.Load().Telegram.OwnerUserIDs },
		AllowExperimental: func() bool { return a.live.Load().Bot.AllowExperimental },
		QueueCapacity:     cfg.Bot.MaxQueuePerSender,
		ReloadDebounce:    cfg.Bot.ReloadDebounceOrDefault(),
		Location:          loc,
		Log:               log,
	})
	return a, nil
}

// Done is closed once the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	if err := a.engine.LoadPlugins(sctx); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	a.engine.ScheduleAll()

	if err := a.adapter.Start(sctx, a.events); err != nil {
		return err
	}

	a.sup.Go("dispatch.engine", a.engine.Run)
	a.sup.Go("dispatch.events", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case ev := <-a.events:
				a.engine.HandleEvent(c, ev)
			}
		}
	})

	cfg := a.live.Load()
	if cfg.Plugins.Watch && strings.TrimSpace(cfg.Plugins.Dir) != "" {
		w := &plugin.Watcher{
			Dir: cfg.Plugins.Dir,
			OnChange: func(name string, op fsnotify.Op) {
				a.log.Debug("manifest changed", logx.String("file", name), logx.String("op", op.String()))
				a.engine.TriggerReload()
			},
			Log: a.log.With(logx.String("comp", "manifests")),
		}
		a.sup.GoRestart("plugins.watch", w.Run)
	}

	if cfg.Alerts.Enabled {
		dedup, _ := config.ParseDuration("alerts.dedup_window", cfg.Alerts.DedupWindow, 0)
		alerts := notifier.New(notifier.Config{DedupWindow: dedup, RatePerMin: cfg.Alerts.RatePerMin},
			a.bus, a.adapter, func() []int64 { return a.live.Load().Telegram.OwnerUserIDs },
			a.log.With(logx.String("comp", "alerts")))
		a.sup.Go("alerts", alerts.Run)
	}

	a.startEventLog()
	a.startConfigReload()

	a.log.Info("app started", logx.Int("plugins", a.engine.Registry().Current().Len()))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				switch d := e.Data.(type) {
				case eventbus.ReloadOutcome:
					if d.Err != "" {
						a.log.Warn("plugin reload failed; previous set kept", logx.String("err", d.Err))
						continue
					}
					a.log.Info("plugins reloaded", logx.Int("plugins", d.Plugins), logx.Strings("tasks", d.Tasks))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

// startConfigReload applies the live-reloadable sections; the rest need a restart.
func (a *App) startConfigReload() {
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Plugins.Watch && strings.TrimSpace(cfg.Plugins.Dir) != "" {
			if fi, err := os.Stat(cfg.Plugins.Dir); err == nil && !fi.IsDir() {
				return fmt.Errorf("plugins.dir %q is not a directory", cfg.Plugins.Dir)
			}
		}
		return nil
	})

	sub := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.apply(next)
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) apply(next *config.Config) {
	prev := a.live.Swap(next)
	a.logs.Apply(next.Logging.Logx(next.Telegram.OwnerUserIDs))

	var restart []string
	if prev.Telegram.Token != next.Telegram.Token {
		restart = append(restart, "telegram.token")
	}
	if prev.Storage != next.Storage {
		restart = append(restart, "storage")
	}
	if prev.Alerts != next.Alerts {
		restart = append(restart, "alerts")
	}
	if prev.Plugins != next.Plugins {
		restart = append(restart, "plugins")
	}
	if prev.Bot.MaxQueuePerSender != next.Bot.MaxQueuePerSender || prev.Bot.Timezone != next.Bot.Timezone {
		restart = append(restart, "bot.queue/timezone")
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.SettingsChanged, Time: time.Now(), Data: "config"})
	a.log.Info("config applied", logx.Strings("prefixes", next.Bot.PrefixesOrDefault()), logx.Int("owners", len(next.Telegram.OwnerUserIDs)))
}

// Stop tears down in reverse dependency order. Each step is bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, fn func(context.Context) error) {
		start := time.Now()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}
	step("telegram", a.adapter.Stop)
	step("dispatch", a.engine.Close)
	step("supervisor", a.sup.Wait)
	step("storage", func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	step("logging", func(context.Context) error { return a.logs.Close() })
	return errors.Join(errs...)
}
