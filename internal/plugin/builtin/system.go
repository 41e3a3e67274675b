package builtin

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"hikaribot/internal/plugin"
)

func statusPlugin(now func() time.Time) plugin.Factory {
	return func() plugin.Spec {
		return plugin.Spec{
			Name:        "status",
			Commands:    []string{"status", "stats"},
			Description: "Uptime, memory and recent command outcomes",
			Category:    "info",
			Wait:        plugin.Ptr(""),
			Handle: func(ctx context.Context, c *plugin.Call) error {
				return c.Reply(ctx, statusText(ctx, c, now()))
			},
		}
	}
}

func statusText(ctx context.Context, c *plugin.Call, at time.Time) string {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	var b strings.Builder
	b.WriteString("*Bot Status*\n")
	if started := c.Services.StartedAt; !started.IsZero() {
		fmt.Fprintf(&b, "• Up since: %s\n", humanize.RelTime(started, at, "ago", "from now"))
	}
	fmt.Fprintf(&b, "• Memory: %s heap / %s sys\n", humanize.IBytes(ms.HeapAlloc), humanize.IBytes(ms.Sys))
	fmt.Fprintf(&b, "• Goroutines: %s\n", humanize.Comma(int64(runtime.NumGoroutine())))
	fmt.Fprintf(&b, "• Plugins: %d\n", c.Index.Len())

	if st := c.Services.Store; st != nil {
		if s, err := st.GetSettings(ctx); err == nil {
			fmt.Fprintf(&b, "• Mode: %s\n", s.Mode())
		}
		if recent, err := st.RecentAudit(ctx, 100); err == nil && len(recent) > 0 {
			failed := 0
			for _, e := range recent {
				if !e.OK {
					failed++
				}
			}
			fmt.Fprintf(&b, "• Last %d commands: %d ok, %d failed\n", len(recent), len(recent)-failed, failed)
			fmt.Fprintf(&b, "• Last command: %s (%s)\n", recent[0].Command, humanize.RelTime(recent[0].At, at, "ago", "from now"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func speedtestPlugin(tester SpeedTester) plugin.Factory {
	return func() plugin.Spec {
		return plugin.Spec{
			Name:        "speedtest",
			Commands:    []string{"speedtest", "speed"},
			Description: "Measure the host's network throughput",
			Category:    "tools",
			Cooldown:    60 * time.Second,
			DailyLimit:  3,
			Failed:      plugin.Ptr("❌ Speedtest failed: %error"),
			Handle: func(ctx context.Context, c *plugin.Call) error {
				rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				defer cancel()
				res, err := tester.Run(rctx)
				if err != nil {
					return err
				}
				return c.Reply(ctx, fmt.Sprintf(
					"*Speedtest Result*\n"+
						"⬇️ Download: *%s Mbps*\n"+
						"⬆️ Upload: *%s Mbps*\n"+
						"📶 Ping: %s (jitter %s)\n"+
						"🏢 ISP: %s\n"+
						"🌐 Server: %s, %s\n"+
						"⏱ Took: %s",
					humanize.FtoaWithDigits(res.DownloadMbps, 2),
					humanize.FtoaWithDigits(res.UploadMbps, 2),
					res.Ping.Round(time.Millisecond), res.Jitter.Round(time.Millisecond),
					res.ISP, res.ServerName, res.ServerCountry,
					res.Took.Round(time.Second),
				))
			},
		}
	}
}
