// -----------------------------------------------------------------------
// HTTP server lifecycle
// -----------------------------------------------------------------------

package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/app"
	"golang.org/x/time/rate"
)

// Server wraps the HTTP server and its routes.
type Server struct {
	app           *app.App
	logger        arbor.ILogger
	router        *http.ServeMux
	server        *http.Server
	submitLimiter *rate.Limiter
	shutdownCh    chan struct{}
	shutdownOnce  sync.Once
}

// New creates the HTTP server for an initialized application.
func New(a *app.App, logger arbor.ILogger) *Server {
	s := &Server{
		app:        a,
		logger:     logger,
		router:     http.NewServeMux(),
		shutdownCh: make(chan struct{}),
	}

	if a.Config.Server.SubmitRatePerSecond > 0 {
		s.submitLimiter = rate.NewLimiter(
			rate.Limit(a.Config.Server.SubmitRatePerSecond),
			a.Config.Server.SubmitBurst,
		)
	}

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// ShutdownRequested is closed when an API client posts /api/shutdown.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}
