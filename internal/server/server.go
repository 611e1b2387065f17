package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/cohortchat/internal/relay"
)

// Server serves the event channel and the HTTP API in front of a relay.Hub.
// The caller runs the hub; Shutdown stops it.
type Server struct {
	cfg      Config
	hub      *relay.Hub
	history  HistoryReader
	logger   *slog.Logger
	origins  *originPolicy
	upgrader websocket.Upgrader
	handler  http.Handler

	httpServer *http.Server

	// mu orders clients.Add against Shutdown's Wait.
	mu           sync.Mutex
	shuttingDown bool
	clients      sync.WaitGroup
}

// New creates a Server that reads message history from history.
func New(cfg Config, hub *relay.Hub, history HistoryReader, logger *slog.Logger) *Server {
	cfg = cfg.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	s := &Server{
		cfg:     cfg,
		hub:     hub,
		history: history,
		logger:  logger,
		origins: newOriginPolicy(cfg.AllowedOrigins, logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.handler = s.routes()
	s.httpServer = CreateServer(cfg.Port, s.handler)
	return s
}

// Handler returns the HTTP handler with every route mounted.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// CreateServer returns an http.Server for handler on port. Read and write
// timeouts cover the HTTP API; upgraded connections manage their own
// deadlines in the pumps.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// trackClient reserves the pump goroutines of one connection. It fails once
// Shutdown has begun.
func (s *Server) trackClient() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shuttingDown {
		return false
	}
	s.clients.Add(2)
	return true
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests, shuts the hub down (closing every
// WebSocket connection) and waits for the connection pumps to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	s.mu.Lock()
	s.shuttingDown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	timeout := s.cfg.ShutdownTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	pumps := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(pumps)
	}()
	select {
	case <-pumps:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("client connections: %w", ctx.Err()))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("HTTP server shutdown completed")
	return nil
}
