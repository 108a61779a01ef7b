package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memory-mesh/memory-mesh/pkg/observability"
)

// BuildInfo is stamped by the linker and reported on /health.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Server is the operational endpoint listener: /metrics for scrapes,
// /health for liveness and /ready for load-balancer rotation.
type Server struct {
	addr   string
	info   BuildInfo
	logger observability.Logger

	ready atomic.Bool
	srv   *http.Server
}

// NewServer wires the handlers; Start brings up the listener.
func NewServer(addr string, m *Metrics, info BuildInfo, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	s := &Server{addr: addr, info: info, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetReady flips the readiness gate.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Ready reports the current readiness gate.
func (s *Server) Ready() bool { return s.ready.Load() }

// Start serves until Stop. It returns only on listener failure.
func (s *Server) Start() error {
	s.logger.Info("metrics server listening", map[string]interface{}{"addr": s.addr})
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down, honoring ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"version": s.info.Version,
		"commit":  s.info.Commit,
		"date":    s.info.Date,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
