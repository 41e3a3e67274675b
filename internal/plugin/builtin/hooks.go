package builtin

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"hikaribot/internal/plugin"
)

func greetPlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "greet",
		Commands:    []string{"greet"},
		Description: "Say hi",
		Hidden:      true,
		Wait:        plugin.Ptr(""),
		React:       plugin.Ptr(false),
		Handle: func(ctx context.Context, c *plugin.Call) error {
			name := "there"
			if c.Event != nil && c.Event.SenderName != "" {
				name = c.Event.SenderName
			}
			return c.Reply(ctx, fmt.Sprintf("👋 Hi *%s*!", name))
		},
		Periodic: &plugin.PeriodicSpec{
			Kind:    string(plugin.KindMessage),
			Enabled: true,
			Run: func(ctx context.Context, h *plugin.Hook) error {
				if h.Event == nil || !strings.Contains(strings.ToLower(h.Event.Text), "tes") {
					return nil
				}
				return h.Reply(ctx, "tis")
			},
		},
	}
}

func quotedPlugin() plugin.Spec {
	return plugin.Spec{
		Name:        "quoted",
		Commands:    []string{"q", "quoted"},
		Description: "Re-sends the content of a replied message.",
		Category:    "misc",
		Cooldown:    5 * time.Second,
		Usage:       "Reply to a quoted message and send $prefix$command",
		Wait:        plugin.Ptr(""),
		Failed:      plugin.Ptr("Failed to %command: %error"),
		Handle: func(ctx context.Context, c *plugin.Call) error {
			if c.Event == nil || !c.Event.IsQuoted() {
				return c.Reply(ctx, "Reply message!")
			}
			if strings.TrimSpace(c.Event.Quoted.Text) == "" {
				return c.Reply(ctx, "Message not found.")
			}
			return c.Reply(ctx, c.Event.Quoted.Text)
		},
	}
}

type afkEntry struct {
	name   string
	reason string
	since  time.Time
}

// afkBook outlives reloads so AFK state is not lost when plugins are rebuilt.
type afkBook struct {
	now func() time.Time

	mu   sync.Mutex
	away map[int64]afkEntry
}

func newAFKBook(now func() time.Time) *afkBook {
	return &afkBook{now: now, away: map[int64]afkEntry{}}
}

func (a *afkBook) set(id int64, e afkEntry) {
	a.mu.Lock()
	a.away[id] = e
	a.mu.Unlock()
}

func (a *afkBook) take(id int64) (afkEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.away[id]
	delete(a.away, id)
	return e, ok
}

func (a *afkBook) get(id int64) (afkEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.away[id]
	return e, ok
}

func (a *afkBook) spec() plugin.Spec {
	return plugin.Spec{
		Name:        "afk",
		Commands:    []string{"afk"},
		Description: "Mark yourself away until your next message",
		Category:    "misc",
		Usage:       "$prefix$command [reason]",
		Wait:        plugin.Ptr(""),
		Handle: func(ctx context.Context, c *plugin.Call) error {
			reason := strings.TrimSpace(c.Text)
			if reason == "" {
				reason = "no reason"
			}
			name := ""
			if c.Event != nil {
				name = c.Event.SenderName
			}
			a.set(c.SenderID, afkEntry{name: name, reason: reason, since: a.now()})
			return c.Reply(ctx, fmt.Sprintf("💤 *%s* is now AFK: %s", displayOr(name, "You"), reason))
		},
		After: a.after,
	}
}

// after clears the sender's AFK mark and warns when someone replies to an AFK user.
func (a *afkBook) after(ctx context.Context, h *plugin.Hook) error {
	ev := h.Event
	if ev == nil {
		return nil
	}
	if h.Request != nil && slices.Contains(h.Plugin.Commands, h.Request.Command) {
		return nil
	}
	now := a.now()
	if e, ok := a.take(ev.SenderID); ok {
		msg := fmt.Sprintf("👋 Welcome back *%s*! You were AFK since %s.",
			displayOr(e.name, ev.SenderName), humanize.RelTime(e.since, now, "ago", "from now"))
		if err := h.Reply(ctx, msg); err != nil {
			return err
		}
	}
	if ev.IsQuoted() && ev.Quoted.SenderID != ev.SenderID {
		if e, ok := a.get(ev.Quoted.SenderID); ok {
			return h.Reply(ctx, fmt.Sprintf("💤 *%s* is AFK: %s (since %s)",
				displayOr(e.name, "That user"), e.reason, humanize.RelTime(e.since, now, "ago", "from now")))
		}
	}
	return nil
}

func displayOr(name, def string) string {
	if strings.TrimSpace(name) == "" {
		return def
	}
	return name
}
