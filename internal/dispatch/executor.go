package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"hikaribot/internal/eventbus"
	"hikaribot/internal/plugin"
	"hikaribot/internal/storage"
	logx "hikaribot/pkg/logx"
)

const (
	ReactRunning = "🔄"
	ReactOK      = "✅"
	ReactFailed  = "❌"
)

// errPanic marks a recovered handler panic. Users only see "Internal error".
var errPanic = errors.New("handler panic")

type cooldownArmer interface {
	ArmCooldown(d *plugin.Descriptor, req *plugin.Request)
}

// Executor runs one admitted request with its side effects. It never
// returns a handler failure to the drain loop; the error is only reported.
type Executor struct {
	cooldowns cooldownArmer
	services  *plugin.Services
	bus       eventbus.Bus
	log       logx.Logger
}

func NewExecutor(cooldowns cooldownArmer, services *plugin.Services, bus eventbus.Bus, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if services == nil {
		services = &plugin.Services{}
	}
	return &Executor{cooldowns: cooldowns, services: services, bus: bus, log: log}
}

// Execute runs d's handler for req. The returned error is informational.
func (x *Executor) Execute(ctx context.Context, ix *plugin.Index, d *plugin.Descriptor, req *plugin.Request) error {
	rid := uuid.NewString()
	log := x.log.With(
		logx.String("rid", rid),
		logx.String("plugin", d.Name),
		logx.String("sender", req.SenderKey),
	)

	if d.Wait != "" {
		x.reply(ctx, log, req, d.Wait)
	}
	if d.React {
		x.react(ctx, log, req, ReactRunning)
	}

	call := &plugin.Call{
		Request:  req,
		Plugin:   d,
		Index:    ix,
		Services: x.services,
		Log:      log,
		ReqID:    rid,
	}
	log.Info("executing", logx.String("command", req.Command), logx.Strings("args", req.Args))

	start := time.Now()
	err := x.invoke(ctx, d, call, log)
	took := time.Since(start)

	out := eventbus.CommandOutcome{
		ReqID:    rid,
		Sender:   req.SenderKey,
		ChatID:   req.ChatID,
		Plugin:   d.Name,
		Command:  req.Command,
		Duration: took,
	}
	if err == nil {
		if x.cooldowns != nil {
			x.cooldowns.ArmCooldown(d, req)
		}
		if d.React {
			x.react(ctx, log, req, ReactOK)
		}
		log.Info("executed", logx.Duration("took", took))
		x.publish(eventbus.CommandExecuted, out)
	} else {
		x.reply(ctx, log, req, FormatFailure(d.Failed, req.Prefix+req.Command, err))
		if d.React {
			x.react(ctx, log, req, ReactFailed)
		}
		log.Warn("command failed", logx.Duration("took", took), logx.Err(err))
		out.Err = err.Error()
		x.publish(eventbus.CommandFailed, out)
	}
	x.audit(ctx, log, req, d, rid, took, err)
	return err
}

func (x *Executor) invoke(ctx context.Context, d *plugin.Descriptor, c *plugin.Call, log logx.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return d.Handle(ctx, c)
}

// FormatFailure fills the first %command and %error of tmpl.
func FormatFailure(tmpl, command string, err error) string {
	msg := ""
	if err != nil && !errors.Is(err, errPanic) {
		msg = strings.TrimSpace(err.Error())
	}
	if msg == "" {
		msg = "Internal error"
	}
	out := strings.Replace(tmpl, "%command", command, 1)
	return strings.Replace(out, "%error", msg, 1)
}

func (x *Executor) reply(ctx context.Context, log logx.Logger, req *plugin.Request, text string) {
	if req.Responder == nil {
		return
	}
	if err := req.Responder.Reply(ctx, text); err != nil {
		log.Debug("reply failed", logx.Err(err))
	}
}

func (x *Executor) react(ctx context.Context, log logx.Logger, req *plugin.Request, emoji string) {
	if req.Responder == nil {
		return
	}
	if err := req.Responder.React(ctx, emoji); err != nil {
		log.Debug("react failed", logx.String("emoji", emoji), logx.Err(err))
	}
}

func (x *Executor) publish(typ string, out eventbus.CommandOutcome) {
	if x.bus != nil {
		x.bus.Publish(eventbus.Event{Type: typ, Data: out})
	}
}

func (x *Executor) audit(ctx context.Context, log logx.Logger, req *plugin.Request, d *plugin.Descriptor, rid string, took time.Duration, err error) {
	if x.services.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:       time.Now(),
		SenderID: req.SenderID,
		ChatID:   req.ChatID,
		Plugin:   d.Name,
		Command:  req.Command,
		OK:       err == nil,
		TookMS:   took.Milliseconds(),
		ReqID:    rid,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := x.services.Store.AppendAudit(ctx, e); aerr != nil {
		log.Debug("audit append failed", logx.Err(aerr))
	}
}
