package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownTimeout bounds how long in-flight requests get to finish.
const shutdownTimeout = 10 * time.Second

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	defer func() { _ = s.store.Close() }()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.ListenAddr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("secbot server running",
		"api", ln.Addr().String(),
		"runner", s.cfg.RunnerURL,
		"lookup_failure", s.cfg.LookupFailure,
		"ban_on_block", s.cfg.BanOnBlock,
	)

	if s.cfg.OperatorTokenHash == "" {
		slog.Warn("no operator token configured, ledger endpoints are open")
	}

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	s.metrics.StartPeriodicLog(s.cfg.MetricsLog, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-s.ctx.Done():
	case err := <-errCh:
		s.Shutdown()
		return fmt.Errorf("server: serve: %w", err)
	}

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown", "err", err)
		}
	}
	s.cancel()
}
