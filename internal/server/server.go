// Package server exposes the advisor over HTTP: JSON endpoints for
// accounts and portfolios, an SSE chat stream for the agent supervisor,
// and a unified system event stream.
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

	"github.com/meridianhq/advisor/internal/agents"
	"github.com/meridianhq/advisor/internal/clientdata"
	"github.com/meridianhq/advisor/internal/database"
	"github.com/meridianhq/advisor/internal/domain"
	"github.com/meridianhq/advisor/internal/events"
	"github.com/meridianhq/advisor/internal/modules/advisor"
	"github.com/meridianhq/advisor/internal/modules/execution"
	"github.com/meridianhq/advisor/internal/modules/market_hours"
	"github.com/meridianhq/advisor/internal/modules/portfolio"
	"github.com/meridianhq/advisor/internal/modules/sessions"
)

// Config holds everything the HTTP layer needs.
type Config struct {
	Log       zerolog.Logger
	Port      int
	Databases map[string]*database.DB
	Bus       *events.Bus
	Store     *portfolio.Store
	Sessions  *sessions.Service
	Executor  *execution.Service
	Analytics *advisor.Service
	Broker    domain.BrokerClient
	Cache     *clientdata.Cache
	Hours     *market_hours.Service

	// Supervisor drives /chat. The interface keeps handlers testable.
	Supervisor ChatProcessor
}

// ChatProcessor is the supervisor surface the chat handler needs.
type ChatProcessor interface {
	Process(ctx context.Context, req agents.Request, emit agents.ChunkWriter) (string, error)
}

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	databases map[string]*database.DB
	bus       *events.Bus
	store     *portfolio.Store
	sessions  *sessions.Service
	executor  *execution.Service
	analytics *advisor.Service
	broker    domain.BrokerClient
	cache     *clientdata.Cache
	hours     *market_hours.Service
	chat      ChatProcessor
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		databases: cfg.Databases,
		bus:       cfg.Bus,
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		executor:  cfg.Executor,
		analytics: cfg.Analytics,
		broker:    cfg.Broker,
		cache:     cfg.Cache,
		hours:     cfg.Hours,
		chat:      cfg.Supervisor,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/login", s.handleLogin)
	s.router.Post("/signup", s.handleSignup)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/chat", s.handleChat)
		r.Get("/portfolio", s.handlePortfolio)
		r.Post("/execute", s.handleExecute)
		r.Get("/profile", s.handleProfile)
		r.Get("/analytics", s.handleAnalytics)
	})

	s.router.Get("/api/events/stream", s.handleEventsStream)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown or a listen failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
