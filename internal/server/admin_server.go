package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/hashkv/internal/config"
	"github.com/devrev/hashkv/internal/storage"
	"github.com/devrev/hashkv/internal/util/workerpool"
)

// ConnectionCounter reports live client sessions and connection slot usage
type ConnectionCounter interface {
	ConnectionCount() int
	PoolStats() workerpool.Stats
}

// AdminServer serves metrics, liveness and readiness over HTTP
type AdminServer struct {
	httpServer *http.Server
	engine     *storage.Engine
	conns      ConnectionCounter
	logger     *zap.Logger
}

// AdminServerConfig holds configuration for the admin server
type AdminServerConfig struct {
	Metrics  config.MetricsConfig
	Gatherer prometheus.Gatherer
}

// NewAdminServer creates an admin server. conns may be nil.
func NewAdminServer(cfg AdminServerConfig, engine *storage.Engine, conns ConnectionCounter, logger *zap.Logger) *AdminServer {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}

	router := mux.NewRouter()
	as := &AdminServer{
		httpServer: &http.Server{
			Addr:         cfg.Metrics.Addr,
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine: engine,
		conns:  conns,
		logger: logger,
	}

	router.Handle(path, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", as.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", as.readyHandler).Methods(http.MethodGet)

	return as
}

// Handler returns the HTTP routes
func (s *AdminServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listener and serves in the background
func (s *AdminServer) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Info("Starting admin server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	return ln.Addr(), nil
}

// Stop gracefully stops the admin server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.conns != nil {
		body["connections"] = s.conns.ConnectionCount()
		body["connection_slots"] = s.conns.PoolStats()
	}
	writeJSON(w, http.StatusOK, body)
}

// readyHandler reports ready when the backend answers a ping and its disk,
// if any, is not full
func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "not_ready",
			"reason": "backend_unavailable",
		})
		return
	}

	body := map[string]interface{}{
		"status":    "ready",
		"backend":   s.engine.Backend().Name(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if reporter, ok := s.engine.Backend().(storage.DiskReporter); ok {
		usage := reporter.DiskUsage()
		body["disk_usage_percent"] = usage.UsagePercent
		if usage.Full {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":             "not_ready",
				"reason":             "disk_full",
				"disk_usage_percent": usage.UsagePercent,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
