// Package control exposes the HTTP surface for creating and steering
// jobs, plus the lifecycle controller that executes them.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/legatohq/legato/internal/observability"
	"github.com/legatohq/legato/internal/tracing"
	"github.com/legatohq/legato/pkg/apidef"
	"github.com/legatohq/legato/pkg/job"
	"github.com/legatohq/legato/pkg/session"
)

// Server is the control API server.
type Server struct {
	host       string
	port       int
	controller *Controller
	store      job.Store
	sessions   *session.Manager
	defs       *apidef.Registry
	hub        *StreamHub
	logger     zerolog.Logger

	server         *http.Server
	upgrader       websocket.Upgrader
	isShuttingDown bool
	shutdownMu     sync.RWMutex
}

// ServerConfig wires the server's dependencies.
type ServerConfig struct {
	Host       string
	Port       int
	Controller *Controller
	Store      job.Store
	Sessions   *session.Manager
	Defs       *apidef.Registry
	Hub        *StreamHub
	Logger     zerolog.Logger
}

// NewServer creates the control API server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewStreamHub()
	}

	return &Server{
		host:       cfg.Host,
		port:       cfg.Port,
		controller: cfg.Controller,
		store:      cfg.Store,
		sessions:   cfg.Sessions,
		defs:       cfg.Defs,
		hub:        cfg.Hub,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start begins serving. It returns once the listener goroutine is up.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/targets/{target_id}/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/messages", s.handleJobMessages)
	mux.HandleFunc("GET /api/jobs/{id}/http_exchanges", s.handleJobExchanges)
	mux.HandleFunc("POST /api/jobs/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/jobs/{id}/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/jobs/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/jobs/{id}/stream", s.handleJobStream)

	mux.HandleFunc("POST /api/targets/{target_id}/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleArchiveSession)

	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)

	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.withRequestContext(mux),
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting control server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Control server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down control server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.logger.Info().Msg("Control server stopped")
	return nil
}

// withRequestContext tags every request with a trace id.
func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := tracing.NewRequestContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- response helpers ---

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// mapError translates domain errors onto HTTP statuses.
func mapError(w http.ResponseWriter, err error) {
	var tranErr *job.TransitionError
	switch {
	case errors.Is(err, job.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, apidef.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &tranErr):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
