// Package sqlite is the persistence gateway: a single SQLite connection with
// immediate-mode write transactions, retry on lock contention and a circuit
// breaker. The coordination engines issue their own SQL through Read and Write.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mistakeknot/intermail/internal/core"
)

//go:embed schema.sql
var schema string

const defaultBusyTimeout = 5 * time.Second

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

type Options struct {
	// Path of the database file. ":memory:" opens a private in-memory database.
	Path        string
	BusyTimeout time.Duration
	Retry       RetryConfig
	Breaker     *CircuitBreaker
	Logger      zerolog.Logger
}

type Store struct {
	db    *sql.DB
	q     Querier
	log   zerolog.Logger
	cb    *CircuitBreaker
	retry RetryConfig
	now   func() time.Time
}

// New opens the database at path with default options.
func New(path string, logger zerolog.Logger) (*Store, error) {
	return Open(Options{Path: path, Logger: logger})
}

// NewInMemory opens a private in-memory database. Used by tests and tooling.
func NewInMemory(logger zerolog.Logger) (*Store, error) {
	return Open(Options{Path: ":memory:", Logger: logger})
}

func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = defaultBusyTimeout
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.BaseDelay == 0 {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(5, 30*time.Second)
	}
	inMemory := opts.Path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(opts.Path, opts.BusyTimeout, inMemory))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: writers queue in the pool instead of racing for the
	// SQLite write lock, and an in-memory database stays alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	log := opts.Logger.With().Str("component", "sqlite").Logger()
	log.Debug().Str("path", opts.Path).Msg("store opened")
	return &Store{
		db:    db,
		q:     &queryLogger{inner: db, log: log},
		log:   log,
		cb:    opts.Breaker,
		retry: opts.Retry,
		now:   time.Now,
	}, nil
}

func dsn(path string, busy time.Duration, inMemory bool) string {
	params := []string{
		"_txlock=immediate",
		fmt.Sprintf("_pragma=busy_timeout(%d)", busy.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if !inMemory {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return path + "?" + strings.Join(params, "&")
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Read runs fn against the shared connection outside a transaction.
func (s *Store) Read(ctx context.Context, op string, fn func(q Querier) error) error {
	return s.run(ctx, op, func() error { return fn(s.q) })
}

// Write runs fn inside one immediate transaction. The write lock is taken at
// BEGIN, so check-then-insert sequences inside fn are serialized against every
// other writer. fn must only use the Querier it is given.
func (s *Store) Write(ctx context.Context, op string, fn func(q Querier) error) error {
	return s.run(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		if err := fn(&queryLogger{inner: tx, log: s.log}); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Warn().Err(rbErr).Str("op", op).Msg("rollback failed")
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func (s *Store) run(ctx context.Context, op string, fn func() error) error {
	err := s.cb.Execute(func() error {
		return retryOnDBLockInternal(ctx, s.retry, fn, sleepCtx(ctx))
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) {
		s.log.Warn().Str("op", op).Msg("circuit open, rejecting")
	}
	return core.Backend(op, err)
}

// Now returns the store clock. Engines share it so every timestamp written in
// one process comes from the same source.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// SetClock replaces the store clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// CircuitBreakerState reports the breaker state for health checks.
func (s *Store) CircuitBreakerState() string {
	return s.cb.State().String()
}

// Ping checks that the connection is usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return core.Backend("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
