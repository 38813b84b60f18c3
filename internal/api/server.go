// Package api implements the kiosk operations HTTP API: ask and move
// endpoints for kiosk clients, plus introspection of the event
// timeline, request registry, tour plans and breakpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/docent/internal/breakpoint"
	"github.com/nugget/docent/internal/buildinfo"
	"github.com/nugget/docent/internal/connwatch"
	"github.com/nugget/docent/internal/metrics"
	"github.com/nugget/docent/internal/session"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	orch     *session.Orchestrator
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader
	deps     func() []connwatch.Status

	mu        sync.Mutex
	server    *http.Server
	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *session.Orchestrator, mc *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		metrics: mc,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Kiosk front ends are served from other origins on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		closing: make(chan struct{}),
	}
}

// SetDependencies installs the source of dependency health reported
// by /health. Without one, /health reports only local state.
func (s *Server) SetDependencies(fn func() []connwatch.Status) {
	s.deps = fn
}

// Handler returns the API routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Kiosk client endpoints
	mux.HandleFunc("POST /v1/clients/{clientId}/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/clients/{clientId}/move", s.handleMove)
	mux.HandleFunc("POST /v1/clients/{clientId}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/clients/{clientId}/tour", s.handleTourStart)
	mux.HandleFunc("GET /v1/clients/{clientId}/tour", s.handleTourResume)
	mux.HandleFunc("POST /v1/clients/{clientId}/tour/command", s.handleTourCommand)

	// Timeline endpoints
	mux.HandleFunc("GET /v1/events", s.handleEventsRecent)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/events/{requestId}", s.handleEventsForRequest)
	mux.HandleFunc("GET /v1/events/{requestId}/last_error", s.handleLastError)
	mux.HandleFunc("GET /v1/timings/{requestId}", s.handleTimings)
	mux.HandleFunc("GET /v1/requests/{requestId}", s.handleRequestInfo)

	// Tour planning
	mux.HandleFunc("GET /v1/tour/meta", s.handleTourMeta)
	mux.HandleFunc("GET /v1/tour/plan", s.handleTourPlan)

	// Breakpoints
	mux.HandleFunc("GET /v1/breakpoints/{kind}/{clientId}", s.handleBreakpointGet)
	mux.HandleFunc("DELETE /v1/breakpoints/{kind}/{clientId}", s.handleBreakpointDelete)

	return s.withLogging(mux)
}

// Start starts the HTTP server and blocks until it stops. It returns
// http.ErrServerClosed at once if Shutdown has already been called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		return http.ErrServerClosed
	default:
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming answers
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server and ends live event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Docent",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth always answers 200; a dependency that is down only
// degrades the reported status, since the kiosk keeps working on
// fallbacks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var deps []connwatch.Status
	if s.deps != nil {
		deps = s.deps()
		for _, d := range deps {
			if !d.Ready {
				status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":          status,
		"active_requests": s.orch.Registry.ActiveCount(),
		"tracked_events":  s.orch.Events.RequestCount(),
		"nav":             s.navName(),
		"dependencies":    deps,
	}, s.logger)
}

func (s *Server) navName() string {
	if s.orch.Nav == nil {
		return "disabled"
	}
	return s.orch.NavName
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// sessionError maps orchestrator and store errors onto status codes.
func (s *Server) sessionError(w http.ResponseWriter, err error) {
	var ve *breakpoint.ValidationError
	switch {
	case errors.Is(err, session.ErrRateLimited):
		s.errorResponse(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, session.ErrNoTour):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNavUnavailable):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrNotCommand),
		errors.Is(err, session.ErrUnresolvedJump),
		errors.Is(err, session.ErrBadStop),
		errors.As(err, &ve):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes an optional JSON body into v. An empty body is
// not an error.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}
