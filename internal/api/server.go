// Package api implements the engine's HTTP control surface and event
// feed.
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
	"time"

	"github.com/nugget/kaizen/internal/buildinfo"
	"github.com/nugget/kaizen/internal/catalog"
	"github.com/nugget/kaizen/internal/connwatch"
	"github.com/nugget/kaizen/internal/engine"
	"github.com/nugget/kaizen/internal/events"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/outcome"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Engine is the control surface the API drives. Satisfied by
// *engine.Engine.
type Engine interface {
	Start(ctx context.Context) error
	Stop()
	Pause() error
	Resume() error
	WakeFromRest() bool
	Nudge(action string) error
	RecordActivity(text string)
	Status() engine.Status
	Catalog() *catalog.Catalog
}

// Handoffs reads and clears the pending handoff. Satisfied by
// *handoff.Manager.
type Handoffs interface {
	Load() *handoff.Handoff
	Clear() error
}

// Services reports backend readiness. Satisfied by *connwatch.Manager.
type Services interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config wires a [Server]. Engine and Store are required.
type Config struct {
	Address  string
	Port     int
	Engine   Engine
	Store    *outcome.Store
	Handoffs Handoffs
	Services Services    // optional
	Bus      *events.Bus // optional; enables the event feed
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	engine   Engine
	store    *outcome.Store
	handoffs Handoffs
	services Services
	bus      *events.Bus
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		engine:   cfg.Engine,
		store:    cfg.Store,
		handoffs: cfg.Handoffs,
		services: cfg.Services,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
	}
}

// Handler returns the routed, logged handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Engine control
	mux.HandleFunc("GET /v1/engine/status", s.handleStatus)
	mux.HandleFunc("POST /v1/engine/start", s.handleStart)
	mux.HandleFunc("POST /v1/engine/stop", s.handleStop)
	mux.HandleFunc("POST /v1/engine/pause", s.handlePause)
	mux.HandleFunc("POST /v1/engine/resume", s.handleResume)
	mux.HandleFunc("POST /v1/engine/wake", s.handleWake)
	mux.HandleFunc("POST /v1/engine/nudge", s.handleNudge)
	mux.HandleFunc("POST /v1/engine/activity", s.handleActivity)

	// Learning history
	mux.HandleFunc("GET /v1/engine/cycles", s.handleCycles)
	mux.HandleFunc("GET /v1/engine/cycles/{id}", s.handleCycle)
	mux.HandleFunc("GET /v1/engine/effectiveness", s.handleEffectiveness)
	mux.HandleFunc("GET /v1/engine/exploration", s.handleExploration)
	mux.HandleFunc("GET /v1/engine/trend/{dimension}", s.handleTrend)
	mux.HandleFunc("GET /v1/engine/handoff", s.handleHandoff)
	mux.HandleFunc("DELETE /v1/engine/handoff", s.handleHandoffClear)
	mux.HandleFunc("GET /v1/engine/actions", s.handleActions)

	// Live feed
	mux.HandleFunc("GET /v1/engine/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
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
		"name":    "Kaizen",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth reports healthy when every watched service is ready.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	code := http.StatusOK
	if s.services != nil {
		services := s.services.Status()
		for _, st := range services {
			if !st.Ready {
				resp["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		resp["services"] = services
	}
	resp["engine"] = s.engine.Status().State

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
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

// queryLimit parses the limit query parameter, returning def when it is
// absent or invalid.
func queryLimit(r *http.Request, def int) int {
	return queryInt(r, "limit", def)
}

// queryInt parses a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	if l := r.URL.Query().Get(name); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
