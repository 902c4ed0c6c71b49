// Package api exposes projects, executions and the live activity feed over
// HTTP, Server-Sent Events and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tcmartin/scarfeed/pkg/config"
	"github.com/tcmartin/scarfeed/pkg/executor"
	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/middleware"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

// Server represents the HTTP API server
type Server struct {
	config   *config.Config
	router   *mux.Router
	server   *http.Server
	provider storage.StorageProvider
	executor *executor.Executor
	notifier feed.Notifier
	tokens   middleware.TokenValidator
	ws       *WebSocketManager
	logger   logging.Logger
}

// NewServer creates a new API server. Bearer authentication is enabled when
// cfg.Auth.JWTSecret is set.
func NewServer(cfg *config.Config, provider storage.StorageProvider, exec *executor.Executor, notifier feed.Notifier, logger logging.Logger) *Server {
	if notifier == nil {
		notifier = feed.NopNotifier{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		provider: provider,
		executor: exec,
		notifier: notifier,
		logger:   logger.WithFields(logging.F("component", "api")),
	}
	if cfg.Auth.JWTSecret != "" {
		s.tokens = middleware.NewTokenService(cfg.Auth.JWTSecret, 0)
	}
	s.ws = NewWebSocketManager(s.streamOptions, provider.GetActivityStore(), notifier, s.logger)

	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// no write timeout: streams and synchronous executions outlive any fixed bound
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server", logging.F("addr", addr))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLS.CertFile,
			s.config.Server.TLS.KeyFile,
		)
	} else {
		err = s.server.ListenAndServe()
	}

	// If the server was shut down gracefully, this error is expected
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully. Open streams are closed first since
// Shutdown does not wait for hijacked connections.
func (s *Server) Stop(ctx context.Context) error {
	s.ws.CloseAll()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// API router with version prefix
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Public routes (no authentication required)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)

	var auth *middleware.AuthMiddleware
	if s.tokens != nil {
		auth = middleware.NewAuthMiddleware(s.tokens)
	}

	// SSE takes ?token= as well; everything else needs the header
	events := api.PathPrefix("/sse").Subrouter()
	if auth != nil {
		events.Use(auth.AuthenticateStream)
	}
	events.HandleFunc("/scar/{project_id}", s.handleSSE).Methods(http.MethodGet, http.MethodOptions)

	authenticated := api.PathPrefix("").Subrouter()
	if auth != nil {
		authenticated.Use(auth.Authenticate)
	}

	// Project routes
	projects := authenticated.PathPrefix("/projects").Subrouter()
	projects.HandleFunc("", s.handleListProjects).Methods(http.MethodGet, http.MethodOptions)
	projects.HandleFunc("", s.handleCreateProject).Methods(http.MethodPost)
	projects.HandleFunc("/{id}", s.handleGetProject).Methods(http.MethodGet, http.MethodOptions)
	projects.HandleFunc("/{id}", s.handleDeleteProject).Methods(http.MethodDelete)
	projects.HandleFunc("/{id}/executions", s.handleExecute).Methods(http.MethodPost, http.MethodOptions)
	projects.HandleFunc("/{id}/executions", s.handleHistory).Methods(http.MethodGet)
	projects.HandleFunc("/{id}/executions/last", s.handleLastSuccessful).Methods(http.MethodGet, http.MethodOptions)

	// Execution routes
	executions := authenticated.PathPrefix("/executions").Subrouter()
	executions.HandleFunc("/{id}", s.handleGetExecution).Methods(http.MethodGet, http.MethodOptions)
	executions.HandleFunc("/{id}/activities", s.handleListActivities).Methods(http.MethodGet, http.MethodOptions)

	// Live feed
	authenticated.HandleFunc("/ws/scar/{project_id}", s.handleWebSocket).Methods(http.MethodGet)

	s.router.Use(middleware.RequestLogger(s.logger))
	// CORS middleware for all routes
	s.router.Use(middleware.CORS)
}

// streamOptions builds feed options for one consumer
func (s *Server) streamOptions(verbosity int) feed.Options {
	return feed.Options{
		PollInterval:      s.config.Feed.PollInterval(),
		HeartbeatInterval: s.config.Feed.HeartbeatInterval(),
		InitialLimit:      s.config.Feed.InitialLimit,
		Verbosity:         verbosity,
	}
}
