// Package control serves the local HTTP control and ingest API.
package control

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/terastv/internal/events"
	"github.com/goodtune/terastv/internal/lifecycle"
	"github.com/goodtune/terastv/internal/policy"
	"github.com/goodtune/terastv/internal/probe"
	"github.com/goodtune/terastv/internal/storage"
	"github.com/goodtune/terastv/internal/tracker"
)

// EventRecorder accepts foreground usage events.
type EventRecorder interface {
	Record(e probe.Event, now time.Time) error
}

// SignalHandler dispatches power signals.
type SignalHandler interface {
	HandleSignal(ctx context.Context, signal lifecycle.Signal) error
}

// SessionView exposes the tracker state for status reporting.
type SessionView interface {
	Current() *tracker.Session
	Paused() bool
}

// Deps are the handlers' collaborators
type Deps struct {
	Store     storage.Store
	Events    EventRecorder
	Signals   SignalHandler
	Sessions  SessionView
	Publisher events.Publisher
	Clock     policy.Clock
}

// Server is the control API server.
type Server struct {
	deps     Deps
	server   *http.Server
	router   *mux.Router
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a control server listening on addr.
func NewServer(addr string, deps Deps, logger zerolog.Logger) *Server {
	if deps.Clock == nil {
		deps.Clock = policy.RealClock{}
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "control").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/reset", s.handleReset).Methods("POST")
	v1.HandleFunc("/power/{signal}", s.handlePower).Methods("POST")
	v1.HandleFunc("/events", s.handleEvent).Methods("POST")
	v1.HandleFunc("/titles", s.handleTitle).Methods("POST")
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the control server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting control server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated control listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Control server error")
		}
	}()
	return nil
}

// Stop gracefully stops the control server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping control server")
	return s.server.Shutdown(ctx)
}
