package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/quotecache/internal/connection"
	"github.com/rickgao/quotecache/internal/query"
	"github.com/rickgao/quotecache/internal/registry"
	"github.com/rickgao/quotecache/internal/router"
)

// Querier answers price queries. *query.Router implements it.
type Querier interface {
	Handle(ctx context.Context, symbol string) (query.Quote, error)
}

// SessionInfo reports the streaming session state. *connection.Session implements it.
type SessionInfo interface {
	Info() connection.Info
}

// Counters reports event counts. *metrics.Recorder implements it.
type Counters interface {
	Snapshot() map[string]int64
}

// PushStats reports push pipeline counters. router.Router implements it.
type PushStats interface {
	Stats() router.RouterStats
}

// Config holds server configuration.
type Config struct {
	Port         int
	MaxAge       time.Duration // Reported to callers as maxAge in ms
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the components the handlers read from. Session and Push are
// nil when streaming is disabled.
type Deps struct {
	Query    Querier
	Registry *registry.Registry
	Session  SessionInfo
	Counters Counters
	Push     PushStats
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	deps   Deps
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

// New creates a Server with routes registered.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger.With("component", "server"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Post("/", s.handleAdapter)
	s.router.Get("/quote/{symbol}", s.handleQuote)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/debug", func(r chi.Router) {
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Get("/stats", s.handleStats)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "port", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
