// Package server exposes the HTTP API: ingestion, search, memory operations,
// WebSocket fan-out, and health probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/engramdev/engram/internal/aggregator"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/hub"
	"github.com/engramdev/engram/internal/memory"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/search"
)

// Server wires the API handlers over the pipeline components.
type Server struct {
	cfg     config.ServerConfig
	agg     *aggregator.Aggregator
	engine  *search.Engine
	mem     *memory.Service
	hub     *hub.Hub
	store   graph.Store
	log     *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
}

// New assembles the server. hub may be nil when the fan-out surface is
// disabled.
func New(cfg config.ServerConfig, agg *aggregator.Aggregator, engine *search.Engine, mem *memory.Service, h *hub.Hub, store graph.Store, log *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		agg:     agg,
		engine:  engine,
		mem:     mem,
		hub:     h,
		store:   store,
		log:     log,
		metrics: metrics,
	}
}

// Handler builds the route table. Health and metrics endpoints bypass auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/ingest", s.handleIngest)
	api.HandleFunc("POST /api/search", s.handleSearch)
	api.HandleFunc("POST /api/memory/remember", s.handleRemember)
	api.HandleFunc("POST /api/memory/recall", s.handleRecall)
	api.HandleFunc("GET /api/memory/context/{id}", s.handleContext)
	api.HandleFunc("POST /api/memory/query", s.handleQuery)

	if s.hub != nil {
		api.HandleFunc("GET /ws/logs", s.hub.HandleLogs)
		api.HandleFunc("GET /ws/metrics", s.hub.HandleMetrics)
		api.HandleFunc("GET /ws/session/{id}", s.hub.HandleSession)
		api.HandleFunc("GET /api/snapshot", s.hub.HandleSnapshot)
	}

	mux.Handle("/", s.withAuth(api))
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server error", "error", err)
		}
	}()
	s.log.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz reports 503 while the graph store is unreachable, so load
// balancers stop routing ingest at a pipeline that cannot commit.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.store.SeenHash(ctx, "readyz", "readyz"); err != nil {
		s.log.Warn("readiness probe failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "graph store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
