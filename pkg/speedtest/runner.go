package speedtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	st "github.com/showwin/speedtest-go/speedtest"
)

type RunConfig struct {
	// ServerCount is how many of the nearest servers are pinged.
	ServerCount    int
	MaxConnections int
	SavingMode     bool
}

// Runner executes one speedtest per Run call. It keeps no state between runs.
type Runner struct {
	cfg RunConfig
}

func NewRunner(cfg RunConfig) *Runner {
	if cfg.ServerCount <= 0 {
		cfg.ServerCount = 5
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 4
	}
	return &Runner{cfg: cfg}
}

func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	// A private client avoids speedtest-go's package-level state.
	c := st.New(st.WithUserConfig(&st.UserConfig{SavingMode: r.cfg.SavingMode, MaxConnections: r.cfg.MaxConnections}))
	c.SetNThread(r.cfg.MaxConnections)
	defer func() {
		c.Snapshots().Clean()
		c.Reset()
	}()

	user, err := c.FetchUserInfoContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := c.FetchServerListContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, errors.New("no servers available")
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].Distance < servers[j].Distance })
	servers = servers[:min(r.cfg.ServerCount, len(servers))]

	var best *st.Server
	for _, s := range servers {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := s.PingTestContext(ctx, nil); err != nil || s.Latency <= 0 {
			continue
		}
		if best == nil || s.Latency < best.Latency {
			best = s
		}
	}
	if best == nil {
		return nil, errors.New("all latency tests failed")
	}
	if err := best.DownloadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	if err := best.UploadTestContext(ctx); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}

	return &Result{
		At:            start,
		DownloadMbps:  best.DLSpeed.Mbps(),
		UploadMbps:    best.ULSpeed.Mbps(),
		Ping:          best.Latency,
		Jitter:        best.Jitter,
		ISP:           user.Isp,
		ServerName:    best.Sponsor,
		ServerCountry: best.Country,
		Took:          time.Since(start),
	}, nil
}
