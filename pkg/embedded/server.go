// Package embedded runs an intermail server inside another process.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/app"
	"github.com/mistakeknot/intermail/internal/config"
	httpapi "github.com/mistakeknot/intermail/internal/http"
	"github.com/mistakeknot/intermail/internal/server"
)

// Config configures the embedded server
type Config struct {
	// DataDir holds the database and the archive working tree.
	// If empty, defaults to ~/.intermail
	DataDir string

	// Addr is the TCP address to listen on.
	// If empty, defaults to 127.0.0.1:8765. Use port 0 for an ephemeral port.
	Addr string

	// Layout is the archive layout, "shared" or "per_project".
	Layout string

	Logger zerolog.Logger
}

type Server struct {
	app  *app.App
	srv  *server.Server
	lock *flock.Flock

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan error
	started bool
}

// New opens the store and archive under DataDir and binds the listener.
// Nothing is served until Start.
func New(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".intermail")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	c := config.Default()
	c.Storage.Root = filepath.Join(cfg.DataDir, "archive")
	c.Storage.DBPath = filepath.Join(cfg.DataDir, "intermail.db")
	c.Server.Addr = cfg.Addr
	if cfg.Layout != "" {
		c.Archive.Layout = cfg.Layout
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	lock, err := app.Lock(c.LockPath())
	if err != nil {
		return nil, err
	}
	a, err := app.New(c, cfg.Logger)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("init app: %w", err)
	}
	srv, err := server.New(server.Config{
		Addr:    c.Server.Addr,
		Handler: httpapi.NewRouter(httpapi.NewService(a)),
		Logger:  cfg.Logger,
	})
	if err != nil {
		a.Close()
		lock.Unlock()
		return nil, err
	}
	return &Server{app: a, srv: srv, lock: lock}, nil
}

// Start serves in the background along with the sweeper and reconciler.
// The listener is already bound, so requests succeed as soon as it returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	s.app.Start(ctx)
	go func() { s.done <- s.srv.Run(ctx) }()
	return nil
}

// Stop shuts the listener down and closes the store and archive. The server
// cannot be restarted.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runErr error
	if s.started {
		s.cancel()
		runErr = <-s.done
		s.started = false
	} else {
		runErr = s.srv.Shutdown(context.Background())
	}
	err := errors.Join(runErr, s.app.Close())
	if uerr := s.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	return err
}

func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// App exposes the engines for direct in-process calls.
func (s *Server) App() *app.App {
	return s.app
}
