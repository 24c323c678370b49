package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"porthaul/controlplane/pkg/config"
	"porthaul/controlplane/pkg/server/middleware"
)

// Server is the control plane's HTTP listener. It serves the auther and
// observer callbacks, the internal admin routes, metrics and probes from a
// single mux.
type Server struct {
	cfg        config.ServerConfig
	httpServer *http.Server
	logger     *slog.Logger

	mu        sync.Mutex
	listener  net.Listener
	isRunning bool
	shutdown  sync.Once
	shutErr   error
}

// New wraps handler in the request ID, logging, recovery and body size
// middleware and prepares a server for cfg. Nothing is bound until Listen
// or Start.
func New(cfg config.ServerConfig, handler http.Handler) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes > 0 {
		handler = http.MaxBytesHandler(handler, cfg.MaxBodyBytes)
	}
	handler = middleware.Chain(handler,
		middleware.Recover,
		middleware.RequestID,
		middleware.AccessLog,
	)

	return &Server{
		cfg:    cfg,
		logger: slog.Default().With("component", "server"),
		httpServer: &http.Server{
			Addr:           cfg.ListenAddress,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
	}
}

// Listen binds the configured address. It is called by Start when needed;
// calling it first lets callers learn the bound port of ":0".
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	ln := s.listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "address", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if ok {
			s.setStopped()
			return err
		}
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the configured timeout. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.logger.Info("initiating graceful shutdown", "timeout", s.cfg.ShutdownTimeout.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			s.shutErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		if s.listener != nil && !s.isRunning {
			_ = s.listener.Close()
		}
		s.mu.Unlock()
		s.setStopped()
		s.logger.Info("server shutdown complete")
	})
	return s.shutErr
}

func (s *Server) setStopped() {
	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
