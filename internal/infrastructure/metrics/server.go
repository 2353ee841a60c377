// Package metrics serves the Prometheus exposition endpoint and the
// component health report on a listener separate from the dashboard.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskfleet/internal/core"
)

// Server exposes /metrics and /health.
type Server struct {
	addr   string
	logger core.ILogger
	hm     core.IHealthMonitor
	srv    *http.Server
}

// NewServer creates a metrics server bound to addr. The health monitor may
// be nil; /health then reports ok with no components.
func NewServer(addr string, hm core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		addr:   addr,
		logger: logger.WithField("component", "metrics_server"),
		hm:     hm,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting metrics server", "addr", s.addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.srv.Shutdown(shutdownCtx)
		s.logger.Info("Metrics server stopped")
		return err
	}
}

// handleHealth reports every registered component check. One failing check
// flips the status and the HTTP code, so a probe catches it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if s.hm != nil {
		components = s.hm.GetStatus()
	}

	status := "ok"
	code := http.StatusOK
	for _, state := range components {
		if state != "Healthy" {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"time":       time.Now().Unix(),
		"components": components,
	})
}
