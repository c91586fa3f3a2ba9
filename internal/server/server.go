// HTTP server initialization and lifecycle management for the daemon.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Config holds HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultConfig returns default HTTP server configuration. The write timeout
// is zero because the SSE endpoint holds its response open indefinitely.
func DefaultConfig() Config {
	return Config{
		Addr:        "127.0.0.1:8377",
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}

// Server wraps the HTTP listener plus the resources it must release on
// shutdown (one index database per library root).
type Server struct {
	config  Config
	http    *http.Server
	log     zerolog.Logger
	closers []io.Closer
}

// NewServer creates the HTTP server around the given handler. closers are
// closed, in order, after the listener drains.
func NewServer(handler http.Handler, config Config, log zerolog.Logger, closers ...io.Closer) *Server {
	httpServer := &http.Server{
		Addr:         config.Addr,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return &Server{config: config, http: httpServer, log: log, closers: closers}
}

// Start binds the listener and serves until Shutdown or a listener error.
// http.ErrServerClosed is swallowed; a clean shutdown is not an error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("control api listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Shutdown drains in-flight requests, then releases the held resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down control api")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.log.Error().Err(err).Msg("close resource")
		}
	}
	return nil
}
