// Package notifier forwards high-signal dispatch events (command failures,
// failed reloads) to the first owner's chat.
//
// Identical alerts are suppressed for a window and delivery is rate limited,
// so a broken plugin cannot flood the owner.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hikaribot/internal/eventbus"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

type Config struct {
	// DedupWindow suppresses repeats of the same alert; 0 means 10m.
	DedupWindow time.Duration
	// RatePerMin caps delivered alerts; 0 means 6.
	RatePerMin int
}

type Service struct {
	cfg     Config
	bus     eventbus.Bus
	adapter transport.Adapter
	owners  func() []int64
	log     logx.Logger
	now     func() time.Time

	limiter *rate.Limiter

	mu    sync.Mutex
	seen  map[string]time.Time
	sent  int
	muted int
}

func New(cfg Config, bus eventbus.Bus, adapter transport.Adapter, owners func() []int64, log logx.Logger) *Service {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 6
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		bus:     bus,
		adapter: adapter,
		owners:  owners,
		log:     log,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
		seen:    map[string]time.Time{},
	}
}

// Run consumes the bus until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64, eventbus.CommandFailed, eventbus.PluginsReloaded)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			key, text := alertFor(e)
			if key == "" {
				continue
			}
			s.notify(ctx, key, text)
		}
	}
}

func alertFor(e eventbus.Event) (key, text string) {
	switch d := e.Data.(type) {
	case eventbus.CommandOutcome:
		return "cmd:" + d.Plugin + ":" + d.Err, fmt.Sprintf(
			"⚠️ Command *%s* failed\nPlugin: %s\nChat: %d\nError: %s\nRequest: %s",
			d.Command, d.Plugin, d.ChatID, d.Err, d.ReqID)
	case eventbus.ReloadOutcome:
		if d.Err == "" {
			return "", ""
		}
		return "reload:" + d.Err, fmt.Sprintf("⚠️ Plugin reload failed; previous set kept.\nError: %s", d.Err)
	}
	return "", ""
}

func (s *Service) notify(ctx context.Context, key, text string) {
	now := s.now()
	s.mu.Lock()
	for k, until := range s.seen {
		if now.After(until) {
			delete(s.seen, k)
		}
	}
	if _, dup := s.seen[key]; dup {
		s.muted++
		s.mu.Unlock()
		return
	}
	s.seen[key] = now.Add(s.cfg.DedupWindow)
	s.mu.Unlock()

	if !s.limiter.Allow() {
		s.mu.Lock()
		s.muted++
		s.mu.Unlock()
		s.log.Debug("alert rate limited", logx.String("key", key))
		return
	}
	owners := s.owners()
	if s.adapter == nil || len(owners) == 0 {
		return
	}
	if err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: owners[0]}, text, &transport.SendOptions{ParseMode: "Markdown", DisablePreview: true}); err != nil {
		s.log.Warn("alert not delivered", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}

// Stats reports delivered and suppressed alert counts.
func (s *Service) Stats() (sent, muted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.muted
}
