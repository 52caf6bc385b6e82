package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :9602 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// MetricsHandler serves /metrics and /healthz.
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", handleHealthz)
	return mux
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	snap := s.metrics.Snapshot()
	uptime := time.Since(s.metrics.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("secbot_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("secbot_run_requests_total", "Run requests received.", "counter", snap.RunRequests)
	write("secbot_scans_total", "Dry-run scans served.", "counter", snap.Scans)

	write("secbot_clean_total", "Submissions executed with no match.", "counter", snap.Clean)
	write("secbot_warnings_total", "Submissions executed with a sub-threshold match.", "counter", snap.Warnings)
	write("secbot_blocks_total", "Submissions blocked by the scanner.", "counter", snap.Blocks)
	write("secbot_bans_total", "Identities banned.", "counter", snap.Bans)
	write("secbot_ban_failures_total", "Bans that could not be written.", "counter", snap.BanFailures)
	write("secbot_banned_denied_total", "Submissions refused for already banned identities.", "counter", snap.BannedDenied)

	write("secbot_lookup_failures_total", "Ban lookups with unknown result.", "counter", snap.LookupFailures)
	write("secbot_executions_total", "Successful runner executions.", "counter", snap.Executions)
	write("secbot_runner_errors_total", "Failed runner calls.", "counter", snap.RunnerErrors)
	write("secbot_event_log_failures_total", "Security events that could not be recorded.", "counter", snap.LogFailures)
}
