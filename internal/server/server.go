// Package server provides the HTTP server and routing for the fleet.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/fleet/internal/di"
	accountshandlers "github.com/aristath/fleet/internal/modules/accounts/handlers"
	dispatchhandlers "github.com/aristath/fleet/internal/modules/dispatch/handlers"
	ledgerhandlers "github.com/aristath/fleet/internal/modules/ledger/handlers"
	pnlhandlers "github.com/aristath/fleet/internal/modules/pnl/handlers"
	sessionshandlers "github.com/aristath/fleet/internal/modules/sessions/handlers"
)

const apiTimeout = 60 * time.Second

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Container *di.Container
}

// Server represents the HTTP server
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	container *di.Container
	port      int
	startedAt time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		container: cfg.Container,
		port:      cfg.Port,
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes(cfg.DevMode)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(devMode bool) {
	c := s.container

	s.router.Get("/health", s.handleHealth)

	plHandler := pnlhandlers.NewHandler(c.Publisher, c.Config.Publisher.PingInterval, !devMode, s.log)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))

		r.Get("/system/status", s.handleSystemStatus)

		sessionshandlers.NewHandler(c.SessionCache, s.log).RegisterRoutes(r)
		dispatchhandlers.NewHandler(c.Dispatcher, s.log).RegisterRoutes(r)
		ledgerhandlers.NewHandler(c.ReportRepo, s.log).RegisterRoutes(r)
		accountshandlers.NewHandler(c.AccountRepo, c.SessionCache, c.Dispatcher, s.log).RegisterRoutes(r)
		plHandler.RegisterRoutes(r)
	})

	// Long-lived push channel, outside the /api timeout
	plHandler.RegisterStreamRoutes(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
