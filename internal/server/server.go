// Package server runs the HTTP transport on TCP and, optionally, a unix
// socket for local agents.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     zerolog.Logger
}

type Server struct {
	cfg    Config
	log    zerolog.Logger
	http   *http.Server
	tcpLn  net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds every listener up front so a port or socket conflict is reported
// before the caller commits to serving.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	s := &Server{
		cfg:  cfg,
		log:  cfg.Logger.With().Str("component", "server").Logger(),
		http: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen: %w", err)
	}
	s.tcpLn = ln

	if cfg.SocketPath != "" {
		// stale socket from a previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0o660); err != nil {
			ln.Close()
			uln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}
	return s, nil
}

// Addr is the bound TCP address, useful when Config.Addr used port 0.
func (s *Server) Addr() string {
	return s.tcpLn.Addr().String()
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.http.Serve(s.tcpLn) }()
	if s.unixLn != nil {
		go func() { errCh <- s.unix.Serve(s.unixLn) }()
	}
	s.log.Info().Str("addr", s.Addr()).Str("socket", s.cfg.SocketPath).Msg("listening")

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			s.Shutdown(context.Background())
			return err
		}
		return nil
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	// listeners that were never served are not tracked by http.Server
	s.tcpLn.Close()
	if s.unixLn != nil {
		s.unixLn.Close()
	}
	s.log.Info().Msg("server stopped")
	return firstErr
}
