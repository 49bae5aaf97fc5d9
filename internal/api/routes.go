// Package api exposes the engine's HTTP surface: run lifecycle, event
// streaming and operational endpoints.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/fanout"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runmanager"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
)

// Server wires handlers to their dependencies.
type Server struct {
	manager *runmanager.Manager
	store   runstore.Store
	log     *eventlog.Log
	drivers *driver.Selector
	sse     *fanout.SSEHandler
	hub     *fanout.Hub
	logger  *slog.Logger
}

// Options configure the router.
type Options struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewServer creates the Server.
func NewServer(manager *runmanager.Manager, store runstore.Store, log *eventlog.Log, drivers *driver.Selector, sse *fanout.SSEHandler, hub *fanout.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		store:   store,
		log:     log,
		drivers: drivers,
		sse:     sse,
		hub:     hub,
		logger:  logger,
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router(opts *Options) *mux.Router {
	if opts == nil {
		opts = &Options{AllowedOrigins: []string{"*"}, RateLimitRPS: 50, RateLimitBurst: 100}
	}

	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.Use(corsMiddleware(opts.AllowedOrigins))

	// Operational endpoints bypass the rate limit.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Handle("/ws", s.hub)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if opts.RateLimitRPS > 0 {
		v1.Use(rateLimitMiddleware(opts.RateLimitRPS, opts.RateLimitBurst))
	}

	v1.HandleFunc("/runs", s.handleCreateRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handleDeleteRun).Methods(http.MethodDelete)
	v1.HandleFunc("/runs/{id}/start", s.handleStartRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{id}/cancel", s.handleCancelRun).Methods(http.MethodPost)
	v1.Handle("/runs/{id}/events", s.sse).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/nodes/{node}/logs", s.handleNodeLogs).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/checkpoints", s.handlePostCheckpoint).Methods(http.MethodPost)
	v1.HandleFunc("/runstore/info", s.handleStoreInfo).Methods(http.MethodGet)

	return r
}
