package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server runs the admin API on a TCP address.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewServer binds addr and prepares the server. The listener is opened
// immediately so a bad address fails here rather than in the serve goroutine.
func NewServer(addr string, api *AdminAPI, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           api.GetRouter(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks serving requests until Shutdown is called.
func (s *Server) Serve() error {
	s.logger.Info().Str("address", s.Addr()).Msg("Admin API listening")
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin API server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
