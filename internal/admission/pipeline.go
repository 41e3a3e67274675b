// Package admission decides whether a resolved command may run.
//
// Checks run in a fixed order and stop at the first denial:
// cooldown, environment, permission, usage, daily limit.
package admission

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"hikaribot/internal/plugin"
	"hikaribot/internal/ratelimit"
	"hikaribot/internal/transport"
	logx "hikaribot/pkg/logx"
)

// DailyWindow is the lifetime of a daily-limit counter, counted from first use.
const DailyWindow = 24 * time.Hour

type Check string

const (
	CheckCooldown    Check = "cooldown"
	CheckEnvironment Check = "environment"
	CheckPermission  Check = "permission"
	CheckUsage       Check = "usage"
	CheckDailyLimit  Check = "daily_limit"
)

const (
	MsgGroupOnly    = "🚫 Group-only command"
	MsgPrivateOnly  = "🚫 Private-chat only command"
	MsgExperimental = "🚧 Experimental feature disabled"
	MsgOwnerOnly    = "🔒 Owner-only command"
	MsgAdminOnly    = "👮 Admin-only command"
	MsgBotAdmin     = "🤖 Bot needs admin privileges"
)

// Denial is a blocked admission. The caller sends Message, and Reaction
// when the plugin has reactions enabled.
type Denial struct {
	Check    Check
	Message  string
	Reaction string
}

func (d *Denial) String() string {
	if d == nil {
		return "admitted"
	}
	return string(d.Check)
}

type Options struct {
	// Roster resolves group admins. nil means nobody but owners is admin.
	Roster transport.Roster
	// AllowExperimental is read on every request so config changes apply live.
	AllowExperimental func() bool
	// Now overrides time.Now (tests).
	Now func() time.Time
	Log logx.Logger
}

// Pipeline owns the cooldown and daily-usage stores.
type Pipeline struct {
	cooldowns *ratelimit.Store[struct{}]
	usage     *ratelimit.Store[int]
	roster    transport.Roster
	allowExp  func() bool
	now       func() time.Time
	log       logx.Logger
}

func New(opts Options) *Pipeline {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	allow := opts.AllowExperimental
	if allow == nil {
		allow = func() bool { return false }
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		cooldowns: ratelimit.New[struct{}](ratelimit.WithClock(now)),
		usage:     ratelimit.New[int](ratelimit.WithClock(now)),
		roster:    opts.Roster,
		allowExp:  allow,
		now:       now,
		log:       log.With(logx.String("comp", "admission")),
	}
}

// Admit runs every check in order. nil means the request may execute.
func (p *Pipeline) Admit(ctx context.Context, d *plugin.Descriptor, req *plugin.Request) *Denial {
	if den := p.checkCooldown(d, req); den != nil {
		return den
	}
	if den := p.checkEnvironment(d, req); den != nil {
		return den
	}
	if den := p.checkPermission(ctx, d, req); den != nil {
		return den
	}
	if den := p.checkUsage(d, req); den != nil {
		return den
	}
	return p.checkDailyLimit(d, req)
}

// ArmCooldown starts d's cooldown for the sender. Called after a successful run.
func (p *Pipeline) ArmCooldown(d *plugin.Descriptor, req *plugin.Request) {
	if d.Cooldown <= 0 {
		return
	}
	p.cooldowns.Set(ratelimit.Key(req.SenderKey, d.Name), struct{}{}, d.Cooldown)
}

// UsageCount is the sender's current daily count for d.
func (p *Pipeline) UsageCount(d *plugin.Descriptor, senderKey string) int {
	n, _ := p.usage.Get(ratelimit.Key(senderKey, d.Name))
	return n
}

// Run evicts expired entries until ctx is done.
func (p *Pipeline) Run(ctx context.Context, every time.Duration) {
	go p.usage.Run(ctx, every)
	p.cooldowns.Run(ctx, every)
}

func (p *Pipeline) checkCooldown(d *plugin.Descriptor, req *plugin.Request) *Denial {
	if d.Cooldown <= 0 {
		return nil
	}
	left, ok := p.cooldowns.TTLRemaining(ratelimit.Key(req.SenderKey, d.Name))
	if !ok {
		return nil
	}
	secs := int(math.Ceil(left.Seconds()))
	if secs <= 0 {
		return nil
	}
	return &Denial{
		Check:    CheckCooldown,
		Message:  fmt.Sprintf("⏳ Cooldown active! Please wait *%ds* before using *%s* again", secs, d.PrimaryCommand()),
		Reaction: "⏳",
	}
}

func (p *Pipeline) checkEnvironment(d *plugin.Descriptor, req *plugin.Request) *Denial {
	var msg string
	switch {
	case d.Group && !req.IsGroup:
		msg = MsgGroupOnly
	case d.Private && req.IsGroup:
		msg = MsgPrivateOnly
	case d.Experimental && !p.allowExp():
		msg = MsgExperimental
	default:
		return nil
	}
	return &Denial{Check: CheckEnvironment, Message: msg, Reaction: "❌"}
}

func (p *Pipeline) checkPermission(ctx context.Context, d *plugin.Descriptor, req *plugin.Request) *Denial {
	deny := func(msg string) *Denial {
		return &Denial{Check: CheckPermission, Message: msg, Reaction: "❌"}
	}
	if d.RequiresOwner() && !req.IsOwner {
		return deny(MsgOwnerOnly)
	}
	if d.Permission == plugin.PermAdmin && !req.IsOwner && !p.isGroupAdmin(ctx, req) {
		return deny(MsgAdminOnly)
	}
	if d.BotAdmin && req.IsGroup && !req.IsBotAdmin {
		return deny(MsgBotAdmin)
	}
	return nil
}

// isGroupAdmin fails closed: no roster, no group, a lookup error or missing
// membership all mean "not admin".
func (p *Pipeline) isGroupAdmin(ctx context.Context, req *plugin.Request) bool {
	if p.roster == nil || !req.IsGroup {
		return false
	}
	m, err := p.roster.ResolveMembership(ctx, req.ChatID, req.SenderID)
	if err != nil {
		p.log.Warn("roster lookup failed; treating as non-admin",
			logx.Int64("chat_id", req.ChatID), logx.Int64("user_id", req.SenderID), logx.Err(err))
		return false
	}
	return m != nil && m.IsAdmin
}

func (p *Pipeline) checkUsage(d *plugin.Descriptor, req *plugin.Request) *Denial {
	if d.Usage == "" {
		return nil
	}
	needsArgs := strings.Contains(d.Usage, "<")
	needsQuoted := strings.Contains(strings.ToLower(d.Usage), "quoted")
	if !(needsArgs && len(req.Args) == 0 && !req.IsQuoted) && !(needsQuoted && !req.IsQuoted) {
		return nil
	}
	usage := strings.Replace(d.Usage, "$prefix", req.Prefix, 1)
	usage = strings.Replace(usage, "$command", req.Command, 1)
	return &Denial{
		Check:    CheckUsage,
		Message:  "📝 Usage:\n```" + usage + "```",
		Reaction: "ℹ️",
	}
}

// checkDailyLimit counts speculatively: a request that would exceed the cap
// is denied without touching the counter. The counter expires 24h after first
// use while the message reports the next local midnight; the two can disagree.
func (p *Pipeline) checkDailyLimit(d *plugin.Descriptor, req *plugin.Request) *Denial {
	if d.DailyLimit <= 0 {
		return nil
	}
	blocked := false
	p.usage.Update(ratelimit.Key(req.SenderKey, d.Name), DailyWindow, func(cur int, _ bool) (int, bool) {
		if cur+1 > d.DailyLimit {
			blocked = true
			return cur, false
		}
		return cur + 1, true
	})
	if !blocked {
		return nil
	}
	return &Denial{
		Check: CheckDailyLimit,
		Message: fmt.Sprintf("📊 Daily limit reached! (%d/%d)\nResets at %s",
			d.DailyLimit, d.DailyLimit, NextMidnight(p.now()).Format("15:04")),
		Reaction: "🚫",
	}
}

// NextMidnight is the start of the day after t, in t's location.
func NextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
