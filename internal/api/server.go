// Package api exposes build control and introspection over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/storybuilder/internal/checkpoint"
	"git.home.luguber.info/inful/storybuilder/internal/eventstore"
	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
)

// SubmitFunc enqueues a build of storyID and returns the job id.
type SubmitFunc func(storyID string, resume bool, opts orchestrator.Options) (string, error)

// ActiveLister reports the builds in flight.
type ActiveLister interface {
	ActiveBuilds() []orchestrator.ActiveBuild
}

// HistoryReader is the read model of finished builds.
type HistoryReader interface {
	GetStoryHistory(storyID string) []eventstore.BuildSummary
}

// Deps are the collaborators served by the API. Nil members disable the
// routes that need them.
type Deps struct {
	Submit      SubmitFunc
	Active      ActiveLister
	Events      eventstore.Store
	History     HistoryReader
	Checkpoints checkpoint.Store
	Live        *EventSubscriber
	Metrics     http.Handler
}

// Server is the HTTP API of the daemon.
type Server struct {
	Addr   string
	router *chi.Mux
	server *http.Server
	deps   Deps
	errs   *errors.HTTPErrorAdapter
}

// NewServer creates a server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	if deps.Live == nil {
		deps.Live = NewEventSubscriber()
	}
	s := &Server{
		Addr:   addr,
		router: chi.NewRouter(),
		deps:   deps,
		errs:   errors.NewHTTPErrorAdapter(slog.Default()),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/builds", func(r chi.Router) {
		r.Get("/active", s.handleActiveBuilds)
		r.Post("/", s.handleCreateBuild)
		r.Get("/{story}/events", s.handleBuildEvents)
		r.Get("/{story}/status", s.handleBuildStatus)
	})

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown. http.ErrServerClosed is not reported.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapError(err, errors.CategoryNetwork, "http server failed").
			WithContext("addr", s.Addr).
			Build()
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Response is the envelope of successful responses.
type Response struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

func (s *Server) success(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.errs.WriteErrorResponse(w, r, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)))
	})
}
