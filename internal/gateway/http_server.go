package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// startHTTPServer exposes /healthz and /metrics when the listener is
// enabled. Port 0 disables the surface entirely.
func (s *Server) startHTTPServer(ctx context.Context) error {
	if !s.cfg.HTTP.Enabled() {
		return nil
	}

	addr := s.cfg.HTTP.Addr()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: http listen: %w", err)
	}
	s.httpServer = server

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", addr)
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	var cancel context.CancelFunc
	if shutdownCtx == nil {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Status        string `json:"status"`
		Version       string `json:"version,omitempty"`
		Accounts      int    `json:"accounts"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}{
		Status:        "ok",
		Version:       s.version,
		Accounts:      len(s.accounts),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(payload)
}
