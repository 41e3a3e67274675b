package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hikaribot/internal/storage"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

var ErrInvalidSpec = errors.New("invalid plugin spec")

type Permission string

const (
	PermAll   Permission = "all"
	PermAdmin Permission = "admin"
	PermOwner Permission = "owner"
)

type PeriodicKind string

const (
	KindInterval PeriodicKind = "interval"
	KindMessage  PeriodicKind = "message"
)

const (
	DefaultDescription = "No description provided"
	DefaultCategory    = "general"
	DefaultWait        = "⏳ Processing your request..."
	DefaultFailed      = "❌ Failed executing %command: %error"
)

// Handler runs a command.
type Handler func(ctx context.Context, c *Call) error

// HookFunc runs a periodic task or an after-hook.
// For interval tasks h.Event is nil.
type HookFunc func(ctx context.Context, h *Hook) error

// Spec is the raw form of a plugin as produced by a Source.
// Zero values mean "use the default"; pointer fields distinguish an explicit
// empty value from an omitted one.
type Spec struct {
	Name        string
	Commands    []string
	Handle      Handler
	Description string
	Category    string
	Permission  Permission
	Cooldown    time.Duration
	DailyLimit  int
	Usage       string

	// Wait is the processing notice. nil = default notice, "" = none.
	Wait *string
	// Failed is the failure template (%command, %error). nil = default.
	Failed *string
	// React toggles status reactions. nil = true.
	React *bool

	Hidden       bool
	Group        bool
	Private      bool
	Owner        bool
	BotAdmin     bool
	Experimental bool

	Periodic *PeriodicSpec
	After    HookFunc
}

type PeriodicSpec struct {
	// Kind is "interval" or "message"; empty means message.
	Kind     string
	Interval time.Duration
	Enabled  bool
	Run      HookFunc
}

// Descriptor is an immutable, fully defaulted plugin definition.
type Descriptor struct {
	Name        string
	Commands    []string
	Handle      Handler
	Description string
	Category    string
	Permission  Permission
	Cooldown    time.Duration
	DailyLimit  int
	Usage       string
	Wait        string
	Failed      string
	React       bool

	Hidden       bool
	Group        bool
	Private      bool
	Owner        bool
	BotAdmin     bool
	Experimental bool

	Periodic *Periodic
	After    HookFunc
}

type Periodic struct {
	Kind     PeriodicKind
	Interval time.Duration
	Enabled  bool
	Run      HookFunc
}

// PrimaryCommand is the first alias, used in user-facing notices.
func (d *Descriptor) PrimaryCommand() string {
	if d == nil || len(d.Commands) == 0 {
		return ""
	}
	return d.Commands[0]
}

// RequiresOwner reports whether only owners may run the command.
func (d *Descriptor) RequiresOwner() bool {
	return d.Owner || d.Permission == PermOwner
}

// Build validates s and applies every default exactly once.
func Build(s Spec) (*Descriptor, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidSpec)
	}
	if s.Handle == nil {
		return nil, fmt.Errorf("%w: %s: missing handler", ErrInvalidSpec, name)
	}

	cmds := make([]string, 0, len(s.Commands))
	seen := map[string]bool{}
	for _, c := range s.Commands {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || strings.ContainsAny(c, " \t\n") || seen[c] {
			continue
		}
		seen[c] = true
		cmds = append(cmds, c)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("%w: %s: empty command set", ErrInvalidSpec, name)
	}

	perm := Permission(strings.ToLower(strings.TrimSpace(string(s.Permission))))
	switch perm {
	case "":
		perm = PermAll
	case PermAll, PermAdmin, PermOwner:
	default:
		return nil, fmt.Errorf("%w: %s: unknown permission %q", ErrInvalidSpec, name, s.Permission)
	}

	d := &Descriptor{
		Name:         name,
		Commands:     cmds,
		Handle:       s.Handle,
		Description:  orDefault(s.Description, DefaultDescription),
		Category:     strings.ToLower(orDefault(s.Category, DefaultCategory)),
		Permission:   perm,
		Cooldown:     max(s.Cooldown, 0),
		DailyLimit:   max(s.DailyLimit, 0),
		Usage:        strings.TrimSpace(s.Usage),
		Wait:         DefaultWait,
		Failed:       DefaultFailed,
		React:        true,
		Hidden:       s.Hidden,
		Group:        s.Group,
		Private:      s.Private,
		Owner:        s.Owner,
		BotAdmin:     s.BotAdmin,
		Experimental: s.Experimental,
		After:        s.After,
	}
	if s.Wait != nil {
		d.Wait = *s.Wait
	}
	if s.Failed != nil && strings.TrimSpace(*s.Failed) != "" {
		d.Failed = *s.Failed
	}
	if s.React != nil {
		d.React = *s.React
	}
	if p := s.Periodic; p != nil && p.Run != nil {
		kind := PeriodicKind(strings.ToLower(strings.TrimSpace(p.Kind)))
		if kind == "" {
			kind = KindMessage
		}
		d.Periodic = &Periodic{Kind: kind, Interval: p.Interval, Enabled: p.Enabled, Run: p.Run}
	}
	return d, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// withPeriodicEnabled returns a copy of d with the periodic flag overridden.
func (d *Descriptor) withPeriodicEnabled(enabled bool) *Descriptor {
	if d.Periodic == nil || d.Periodic.Enabled == enabled {
		return d
	}
	cp := *d
	p := *d.Periodic
	p.Enabled = enabled
	cp.Periodic = &p
	return &cp
}

// Ptr is a helper for optional Spec fields.
func Ptr[T any](v T) *T { return &v }

// ---- request + capability bundle ----

// Request is a classified command waiting to run.
type Request struct {
	SenderKey string
	Command   string
	Args      []string
	Prefix    string
	Text      string

	IsQuoted   bool
	IsOwner    bool
	IsGroup    bool
	IsBotAdmin bool

	ChatID   int64
	SenderID int64

	// Event is the originating message, passed through to handlers.
	Event     *transport.Event
	Responder transport.Responder
}

// ArgString is the argument list joined by single spaces.
func (r *Request) ArgString() string { return strings.Join(r.Args, " ") }

// Control is the slice of the dispatch engine that operational plugins may drive.
type Control interface {
	Reload(ctx context.Context) error
	QueueLengths() map[string]int
	ScheduledTasks() []string
}

// Services are the shared dependencies handed to handlers and hooks.
type Services struct {
	Store     storage.Store
	Adapter   transport.Adapter
	Control   Control
	Owners    func() []int64
	StartedAt time.Time
}

// Call is what a Handler receives.
type Call struct {
	*Request
	Plugin   *Descriptor
	Index    *Index
	Services *Services
	Log      logx.Logger
	ReqID    string
}

func (c *Call) Reply(ctx context.Context, text string) error {
	if c.Responder == nil {
		return errors.New("no responder")
	}
	return c.Responder.Reply(ctx, text)
}

func (c *Call) React(ctx context.Context, emoji string) error {
	if c.Responder == nil {
		return errors.New("no responder")
	}
	return c.Responder.React(ctx, emoji)
}

// Hook is what periodic tasks and after-hooks receive.
type Hook struct {
	Plugin   *Descriptor
	Event    *transport.Event
	Request  *Request // nil unless the event was a command
	Index    *Index
	Services *Services
	Log      logx.Logger
}

func (h *Hook) Reply(ctx context.Context, text string) error {
	if h.Event == nil || h.Event.Responder == nil {
		return errors.New("no originating message")
	}
	return h.Event.Responder.Reply(ctx, text)
}
