// Package telegram adapts telebot to the transport interfaces used by the
// dispatch engine.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "hikaribot/internal/runtime/supervisor"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound API calls.
	SendRatePerSec int
	// APIURL points at a self-hosted Bot API server. Empty means api.telegram.org.
	APIURL string
	// Offline skips the getMe handshake; used by tests.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	out     atomic.Value // chan<- transport.Event
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	dropped atomic.Uint64
}

var (
	_ transport.Adapter = (*Adapter)(nil)
	_ transport.Roster  = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 20
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendRatePerSec),
	}
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)

	b.Handle(tele.OnText, func(c tele.Context) error {
		if ev, ok := a.toEvent(c.Message()); ok {
			a.deliver(ev)
		}
		return nil
	})
	return a, nil
}

// SelfID is 0 when the adapter was built offline.
func (a *Adapter) SelfID() int64 {
	if a.bot == nil || a.bot.Me == nil {
		return 0
	}
	return a.bot.Me.ID
}

func (a *Adapter) toEvent(m *tele.Message) (transport.Event, bool) {
	if m == nil || m.Chat == nil || m.Sender == nil {
		return transport.Event{}, false
	}
	ev := transport.Event{
		ID:         m.ID,
		ChatID:     m.Chat.ID,
		ThreadID:   m.ThreadID,
		SenderID:   m.Sender.ID,
		SenderName: displayName(m.Sender),
		Text:       m.Text,
		IsGroup:    m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup,
	}
	if m.Unixtime > 0 {
		ev.At = m.Time()
	}
	if r := m.ReplyTo; r != nil {
		q := &transport.Quoted{ID: r.ID, Text: r.Text}
		if q.Text == "" {
			q.Text = r.Caption
		}
		if r.Sender != nil {
			q.SenderID = r.Sender.ID
		}
		ev.Quoted = q
	}
	ev.Responder = &responder{a: a, chatID: ev.ChatID, threadID: ev.ThreadID, msgID: ev.ID}
	return ev, true
}

func displayName(u *tele.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (a *Adapter) deliver(ev transport.Event) {
	out, _ := a.out.Load().(chan<- transport.Event)
	if out == nil {
		return
	}
	select {
	case out <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Start begins long polling; events are sent to out without blocking, and
// dropped (with a periodic warning) when out is full.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Event) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go("telegram.drop_report", func(c context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return nil
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go("telegram.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	// bot.Start only returns after Stop; an early return is treated as a failure.
	sup.GoRestart("telegram.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

func (a *Adapter) reportDropped(chanCap int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int("count", int(n)), logx.Int("chan_cap", chanCap))
	}
}

// Stop never blocks longer than two seconds on the long poll.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Event
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop", logx.Err(err))
	}
	a.log.Info("polling stopped")
	return nil
}

func (a *Adapter) wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return a.limiter.Wait(ctx)
}

// SendText splits long texts and sends the chunks in order.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := a.wait(ctx); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
