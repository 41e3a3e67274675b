package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hikaribot/internal/storage"
	logx "hikaribot/pkg/logx"
)

// Config is the on-disk bot configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Bot      BotConfig      `json:"bot"`
	Plugins  PluginsConfig  `json:"plugins"`
	Storage  StorageConfig  `json:"storage"`
	Alerts   AlertsConfig   `json:"alerts"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout,omitempty"`
	APIURL       string  `json:"api_url,omitempty"`
	// SendRatePerSec throttles outbound messages; 0 means 20/s.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward sends WARN+ lines to a chat. ChatID 0 means the first owner.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type BotConfig struct {
	// Prefixes mark a message as a command; the longest match wins.
	Prefixes          []string `json:"prefixes"`
	AllowExperimental bool     `json:"allow_experimental"`
	// MaxQueuePerSender bounds pending commands per sender; 0 means 5.
	MaxQueuePerSender int    `json:"max_queue_per_sender,omitempty"`
	ReloadDebounce    string `json:"reload_debounce,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
}

type PluginsConfig struct {
	// Dir holds YAML manifests that override builtin plugins.
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
	// BackupDir receives autobackup snapshots.
	BackupDir string `json:"backup_dir,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/hikari.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AlertsConfig forwards command failures and failed reloads to the first owner.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	DedupWindow string `json:"dedup_window,omitempty"`
	RatePerMin  int    `json:"rate_per_min,omitempty"`
}

const (
	DefaultPollTimeout    = 10 * time.Second
	DefaultReloadDebounce = 200 * time.Millisecond
	DefaultSendRate       = 20
)

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		errs = append(errs, errors.New("telegram.owner_user_ids must list at least one owner"))
	}
	if c.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("telegram.send_rate_per_sec must be >= 0"))
	}
	if _, err := ParseDuration("telegram.poll_timeout", c.Telegram.PollTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDuration("bot.reload_debounce", c.Bot.ReloadDebounce, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDuration("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDuration("alerts.dedup_window", c.Alerts.DedupWindow, 0); err != nil {
		errs = append(errs, err)
	}
	if c.Alerts.RatePerMin < 0 {
		errs = append(errs, errors.New("alerts.rate_per_min must be >= 0"))
	}
	if c.Bot.MaxQueuePerSender < 0 {
		errs = append(errs, errors.New("bot.max_queue_per_sender must be >= 0"))
	}
	for i, p := range c.Bot.Prefixes {
		if strings.TrimSpace(p) == "" || strings.ContainsAny(p, " \t\n") {
			errs = append(errs, fmt.Errorf("bot.prefixes[%d]: %q is not a usable prefix", i, p))
		}
	}
	if _, err := c.Bot.Location(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for driver "+c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// PrefixesOrDefault falls back to "/" so Telegram-style commands always work.
func (b BotConfig) PrefixesOrDefault() []string {
	out := make([]string, 0, len(b.Prefixes))
	for _, p := range b.Prefixes {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"/"}
	}
	return out
}

func (b BotConfig) ReloadDebounceOrDefault() time.Duration {
	d, err := ParseDuration("bot.reload_debounce", b.ReloadDebounce, DefaultReloadDebounce)
	if err != nil {
		return DefaultReloadDebounce
	}
	return d
}

// Location resolves Timezone; empty means the process local zone.
func (b BotConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(b.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("bot.timezone: %w", err)
	}
	return loc, nil
}

func (t TelegramConfig) PollTimeoutOrDefault() time.Duration {
	d, err := ParseDuration("telegram.poll_timeout", t.PollTimeout, DefaultPollTimeout)
	if err != nil {
		return DefaultPollTimeout
	}
	return d
}

func (t TelegramConfig) SendRateOrDefault() int {
	if t.SendRatePerSec <= 0 {
		return DefaultSendRate
	}
	return t.SendRatePerSec
}

// Logx maps the logging section onto the logger service config.
func (l LoggingConfig) Logx(owners []int64) logx.Config {
	chatID := l.Forward.ChatID
	if chatID == 0 && len(owners) > 0 {
		chatID = owners[0]
	}
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Forward: logx.ForwardConfig{
			Enabled:    l.Forward.Enabled && chatID != 0,
			ChatID:     chatID,
			MinLevel:   l.Forward.MinLevel,
			RatePerSec: l.Forward.RatePerSec,
		},
	}
}

func (s StorageConfig) Storage() (storage.Config, error) {
	busy, err := ParseDuration("storage.busy_timeout", s.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: s.Driver, Path: s.Path, BusyTimeout: busy}, nil
}

// ParseDuration reads a config duration string at path. Empty or zero yields
// def; negative values are rejected.
func ParseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0, got %s", path, d)
	case d == 0:
		return def, nil
	}
	return d, nil
}
