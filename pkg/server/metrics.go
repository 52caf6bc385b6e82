package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hanogt/secbot/pkg/guard"
	"github.com/hanogt/secbot/pkg/model"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Request counters
	RunRequests atomic.Int64 // POST /api/run requests received
	Scans       atomic.Int64 // dry-run scans served

	// Decision counters
	Clean        atomic.Int64 // executed with no match
	Warnings     atomic.Int64 // executed with a match below the block threshold
	Blocks       atomic.Int64 // submissions refused by the scanner
	Bans         atomic.Int64 // identities banned
	BanFailures  atomic.Int64 // bans that could not be written
	BannedDenied atomic.Int64 // submissions refused because the identity was already banned

	// Dependency counters
	LookupFailures atomic.Int64 // ban lookups that returned unknown
	Executions     atomic.Int64 // successful runner executions
	RunnerErrors   atomic.Int64 // runner calls that failed

	logFailures func() int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:   time.Now(),
		logFailures: func() int64 { return 0 },
	}
}

// Observe implements guard.Observer.
func (m *Metrics) Observe(outcome guard.Outcome, v model.Verdict) {
	switch outcome {
	case guard.OutcomeExecuted:
		m.Executions.Add(1)
		if v.IsWarning() {
			m.Warnings.Add(1)
		} else {
			m.Clean.Add(1)
		}
	case guard.OutcomeBlocked:
		m.Blocks.Add(1)
	case guard.OutcomeBanned:
		if v.ShouldBlock {
			m.Blocks.Add(1)
			m.Bans.Add(1)
		} else {
			m.BannedDenied.Add(1)
		}
	}
}

// LookupFailed implements guard.Observer.
func (m *Metrics) LookupFailed() { m.LookupFailures.Add(1) }

// BanFailed implements guard.Observer.
func (m *Metrics) BanFailed() { m.BanFailures.Add(1) }

// RunnerFailed implements guard.Observer.
func (m *Metrics) RunnerFailed() { m.RunnerErrors.Add(1) }

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	RunRequests int64 `json:"run_requests"`
	Scans       int64 `json:"scans"`

	Clean        int64 `json:"clean"`
	Warnings     int64 `json:"warnings"`
	Blocks       int64 `json:"blocks"`
	Bans         int64 `json:"bans"`
	BanFailures  int64 `json:"ban_failures"`
	BannedDenied int64 `json:"banned_denied"`

	LookupFailures int64 `json:"lookup_failures"`
	Executions     int64 `json:"executions"`
	RunnerErrors   int64 `json:"runner_errors"`
	LogFailures    int64 `json:"log_failures"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:         uptime.Truncate(time.Second).String(),
		UptimeSeconds:  int64(uptime.Seconds()),
		RunRequests:    m.RunRequests.Load(),
		Scans:          m.Scans.Load(),
		Clean:          m.Clean.Load(),
		Warnings:       m.Warnings.Load(),
		Blocks:         m.Blocks.Load(),
		Bans:           m.Bans.Load(),
		BanFailures:    m.BanFailures.Load(),
		BannedDenied:   m.BannedDenied.Load(),
		LookupFailures: m.LookupFailures.Load(),
		Executions:     m.Executions.Load(),
		RunnerErrors:   m.RunnerErrors.Load(),
		LogFailures:    m.logFailures(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"runs", s.RunRequests,
		"executions", s.Executions,
		"warnings", s.Warnings,
		"blocks", s.Blocks,
		"bans", s.Bans,
		"lookup_failures", s.LookupFailures,
		"log_failures", s.LogFailures,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
