// Package server exposes saved conversations over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/convo/internal/config"
	"github.com/michaelbrown/convo/internal/llm"
	"github.com/michaelbrown/convo/internal/providers"
	"github.com/michaelbrown/convo/internal/storage"
	"github.com/michaelbrown/convo/internal/tools"
)

// Server is the HTTP server for the conversation API.
type Server struct {
	cfg         *config.Config
	store       storage.Store
	registry    *tools.Registry
	sessions    *SessionManager
	newProvider ProviderFactory
	log         *slog.Logger
	router      chi.Router
	http        *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithProviderFactory replaces how conversations get their provider.
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Server) { s.newProvider = f }
}

// New creates a new Server.
func New(cfg *config.Config, store storage.Store, registry *tools.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		registry: registry,
		log:      slog.New(slog.DiscardHandler),
		router:   chi.NewRouter(),
	}
	s.newProvider = func(provider, model string) (llm.Provider, error) {
		return providers.New(cfg, provider, model)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = NewSessionManager(cfg, store, registry, s.newProvider, s.log)
	s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(s.log.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)

		r.Get("/conversations/{id}/turns", s.handleGetTurns)
		r.Post("/conversations/{id}/messages", s.handleSendMessage)
		r.Post("/conversations/{id}/cancel", s.handleCancel)
		// Export overrides the content type per format.
		r.Get("/conversations/{id}/export", s.handleExport)
		r.Get("/conversations/{id}/ws", s.handleWebSocket)

		r.Get("/providers", s.handleListProviders)
		r.Get("/models/{provider}", s.handleListModels)
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info("server starting", "addr", "http://localhost"+addr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.sessions.CloseAll()
	if s.http == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
