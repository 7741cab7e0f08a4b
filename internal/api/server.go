// Package api serves the operational HTTP endpoints: health and readiness,
// Prometheus metrics and the runtime log level.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// ReadinessChecker reports failing dependencies by name
type ReadinessChecker interface {
	Ready(ctx context.Context) map[string]error
}

// Config represents API server configuration
type Config struct {
	ListenAddr string
	RateLimit  RateLimitConfig
}

// Server represents the ops HTTP server
type Server struct {
	config      Config
	readiness   ReadinessChecker
	metrics     http.Handler
	logger      *slog.Logger
	rateLimiter *RateLimitMiddleware
	httpServer  *http.Server
	listener    net.Listener
	startedAt   time.Time
}

// NewServer creates a server. readiness and metrics may be nil.
func NewServer(config Config, readiness ReadinessChecker, metrics http.Handler, logger *slog.Logger) *Server {
	if config.ListenAddr == "" {
		config.ListenAddr = ":9464"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:      config,
		readiness:   readiness,
		metrics:     metrics,
		logger:      logger.With("component", "api"),
		rateLimiter: NewRateLimitMiddleware(config.RateLimit),
		startedAt:   time.Now(),
	}
}

// Router builds the route table
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	// Probes are exempt from rate limiting
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", s.handleReady).Methods("GET")

	limited := r.NewRoute().Subrouter()
	limited.Use(s.rateLimiter.Limit)
	if s.metrics != nil {
		limited.Handle("/metrics", s.metrics).Methods("GET")
	}
	limited.HandleFunc("/api/logging/level", s.handleGetLogLevel).Methods("GET")
	limited.HandleFunc("/api/logging/level", s.handleSetLogLevel).Methods("POST", "PUT")

	return r
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = l
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "addr", l.Addr().String())
		if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // Best effort
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
