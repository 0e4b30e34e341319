// Package server exposes the coordination engine's observability surface
// over HTTP: health verdicts, execution/conflict/session status, and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/concordlabs/concord/internal/config"
	"github.com/concordlabs/concord/internal/engine"
)

// Components are the engine pieces the server reports on. Any field may be
// nil; the corresponding routes then return empty data.
type Components struct {
	Health       *engine.HealthChecker
	Metrics      *engine.MetricsCollector
	Breakers     *engine.CircuitBreakerManager
	Orchestrator *engine.WorkflowOrchestrator
	Resolver     *engine.ConflictResolver
	Synchronizer *engine.ContextSynchronizer
	Registry     prometheus.Gatherer
}

// Server serves the observability endpoints.
type Server struct {
	cfg        config.ServerConfig
	logger     *zap.Logger
	components Components
	httpServer *http.Server
}

// New creates a server bound to the configured listen address.
func New(cfg config.ServerConfig, logger *zap.Logger, components Components) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		components: components,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/status", s.handleStatus).Methods("GET")
	router.HandleFunc("/executions/{id}", s.handleExecution).Methods("GET")
	router.HandleFunc("/conflicts/{id}", s.handleConflict).Methods("GET")
	router.HandleFunc("/sessions/{id}", s.handleSession).Methods("GET")

	if s.components.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.components.Registry, promhttp.HandlerOpts{}))
	}
	return router
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("observability server starting", zap.String("addr", s.cfg.Listen))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.components.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	status := s.components.Health.CheckHealth()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// statusDocument is the /status response body.
type statusDocument struct {
	Executions []engine.ExecutionReport              `json:"executions"`
	Conflicts  []engine.ConflictStatus               `json:"conflicts"`
	Sessions   []engine.SessionStatus                `json:"sessions"`
	Breakers   map[string]engine.CircuitBreakerStats `json:"breakers"`
	Operations map[string]engine.OperationMetrics    `json:"operations"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc := statusDocument{
		Executions: []engine.ExecutionReport{},
		Conflicts:  []engine.ConflictStatus{},
		Sessions:   []engine.SessionStatus{},
		Breakers:   map[string]engine.CircuitBreakerStats{},
		Operations: map[string]engine.OperationMetrics{},
	}
	if s.components.Orchestrator != nil {
		doc.Executions = s.components.Orchestrator.Executions()
	}
	if s.components.Resolver != nil {
		doc.Conflicts = s.components.Resolver.ActiveConflicts()
	}
	if s.components.Synchronizer != nil {
		doc.Sessions = s.components.Synchronizer.Sessions()
	}
	if s.components.Breakers != nil {
		doc.Breakers = s.components.Breakers.AllStats()
	}
	if s.components.Metrics != nil {
		doc.Operations = s.components.Metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if s.components.Orchestrator == nil {
		http.Error(w, "orchestrator not configured", http.StatusNotFound)
		return
	}
	report, err := s.components.Orchestrator.Status(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleConflict(w http.ResponseWriter, r *http.Request) {
	if s.components.Resolver == nil {
		http.Error(w, "resolver not configured", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	if status, err := s.components.Resolver.Status(id); err == nil {
		writeJSON(w, http.StatusOK, status)
		return
	}
	// Not active; it may have already been resolved.
	if resolution, ok := s.components.Resolver.Resolution(id); ok {
		writeJSON(w, http.StatusOK, resolution)
		return
	}
	http.Error(w, "no conflict with id "+id, http.StatusNotFound)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.components.Synchronizer == nil {
		http.Error(w, "synchronizer not configured", http.StatusNotFound)
		return
	}
	status, err := s.components.Synchronizer.Status(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
