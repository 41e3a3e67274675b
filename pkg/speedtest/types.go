// Package speedtest measures link throughput against speedtest.net servers.
package speedtest

import "time"

// Result is one measurement against the lowest-latency server.
type Result struct {
	At            time.Time
	DownloadMbps  float64
	UploadMbps    float64
	Ping          time.Duration
	Jitter        time.Duration
	ISP           string
	ServerName    string
	ServerCountry string
	Took          time.Duration
}
