package storage

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local, lost on restart
//   - "file": JSON snapshot + JSON Lines audit log
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Settings are the bot-wide flags owned by the settings collaborator.
type Settings struct {
	Self        bool `json:"self"`
	GroupOnly   bool `json:"group_only"`
	PrivateOnly bool `json:"private_only"`

	// Periodic maps lowercase plugin name -> periodic task enabled.
	Periodic map[string]bool `json:"periodic,omitempty"`
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	Self        *bool
	GroupOnly   *bool
	PrivateOnly *bool
	Periodic    map[string]bool
}

// Apply returns s with p merged in.
func (s Settings) Apply(p SettingsPatch) Settings {
	out := s
	if p.Self != nil {
		out.Self = *p.Self
	}
	if p.GroupOnly != nil {
		out.GroupOnly = *p.GroupOnly
	}
	if p.PrivateOnly != nil {
		out.PrivateOnly = *p.PrivateOnly
	}
	if len(p.Periodic) > 0 {
		m := make(map[string]bool, len(s.Periodic)+len(p.Periodic))
		maps.Copy(m, s.Periodic)
		for k, v := range p.Periodic {
			m[strings.ToLower(strings.TrimSpace(k))] = v
		}
		out.Periodic = m
	} else if s.Periodic != nil {
		out.Periodic = maps.Clone(s.Periodic)
	}
	return out
}

// Mode names the active global mode.
func (s Settings) Mode() string {
	switch {
	case s.Self:
		return "self"
	case s.GroupOnly:
		return "group"
	case s.PrivateOnly:
		return "private"
	default:
		return "public"
	}
}

// AuditEntry records a command execution.
type AuditEntry struct {
	At       time.Time `json:"at"`
	SenderID int64     `json:"sender_id"`
	ChatID   int64     `json:"chat_id"`
	Plugin   string    `json:"plugin"`
	Command  string    `json:"command"`
	OK       bool      `json:"ok"`
	Error    string    `json:"err,omitempty"`
	TookMS   int64     `json:"took_ms"`
	ReqID    string    `json:"rid,omitempty"`
}

// Store is the persistence API consumed by the dispatch core and plugins.
type Store interface {
	GetSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, p SettingsPatch) (Settings, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)
	Close() error
}
