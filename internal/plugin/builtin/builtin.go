// Package builtin holds the plugins compiled into the bot.
package builtin

import (
	"context"
	"strings"
	"time"

	"hikaribot/internal/plugin"
	"hikaribot/pkg/speedtest"
)

// SpeedTester runs a single throughput measurement.
type SpeedTester interface {
	Run(ctx context.Context) (*speedtest.Result, error)
}

type Options struct {
	// BackupDir receives autobackup snapshots; empty disables writing.
	BackupDir      string
	BackupInterval time.Duration
	BackupKeep     int
	SpeedTester    SpeedTester
	Now            func() time.Time
}

// Register adds every builtin factory to cat.
func Register(cat *plugin.Catalog, opts Options) *plugin.Catalog {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SpeedTester == nil {
		opts.SpeedTester = speedtest.NewRunner(speedtest.RunConfig{})
	}
	if opts.BackupInterval <= 0 {
		opts.BackupInterval = 24 * time.Hour
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = 7
	}
	afk := newAFKBook(opts.Now)
	return cat.Register(
		pingPlugin(opts.Now),
		menuPlugin,
		modePlugin,
		settingPlugin,
		queuePlugin,
		reloadPlugin,
		statusPlugin(opts.Now),
		speedtestPlugin(opts.SpeedTester),
		autobackupPlugin(opts),
		greetPlugin,
		quotedPlugin,
		afk.spec,
	)
}

// usageLine expands $prefix and $command the way admission does.
func usageLine(c *plugin.Call) string {
	u := strings.Replace(c.Plugin.Usage, "$prefix", c.Prefix, 1)
	return strings.Replace(u, "$command", c.Command, 1)
}
