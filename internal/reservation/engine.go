// Package reservation is the advisory lock table over path patterns. Acquire
// always records the claim; CheckConflicts is the query callers run to learn
// whether someone else holds an overlapping exclusive claim.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/glob"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

// DefaultTTL applies when ReservePaths is called without a TTL.
const DefaultTTL = time.Hour

// Observer is told how many conflicts each check reported.
type Observer interface {
	ReservationConflicts(n int)
}

type Engine struct {
	store *sqlite.Store
	obs   Observer
	log   zerolog.Logger
}

func New(store *sqlite.Store, obs Observer, logger zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		obs:   obs,
		log:   logger.With().Str("component", "reservation").Logger(),
	}
}

// Request describes one claim.
type Request struct {
	ProjectID   int64
	AgentID     int64
	PathPattern string
	Exclusive   bool
	Reason      string
	TTL         time.Duration
}

func (r Request) validate() error {
	if strings.TrimSpace(r.PathPattern) == "" {
		return core.InvalidInput("path pattern is empty")
	}
	if r.TTL <= 0 {
		return core.InvalidInput("ttl must be positive, got %s", r.TTL)
	}
	if err := glob.ValidateComplexity(r.PathPattern); err != nil {
		return core.InvalidInput("path pattern %q: %v", r.PathPattern, err)
	}
	return nil
}

// Acquire records the claim and returns its id. It never rejects on overlap.
func (e *Engine) Acquire(ctx context.Context, req Request) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	var id int64
	err := e.store.Write(ctx, "acquire reservation", func(q sqlite.Querier) error {
		var err error
		id, err = e.insert(ctx, q, req)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.log.Debug().Int64("reservation_id", id).Int64("agent_id", req.AgentID).
		Str("pattern", req.PathPattern).Bool("exclusive", req.Exclusive).Msg("reservation acquired")
	return id, nil
}

// AcquireStrict checks for conflicts and inserts in one write transaction.
// An overlapping claim that is exclusive on either side fails the call with a
// *core.ConflictError and nothing is recorded.
func (e *Engine) AcquireStrict(ctx context.Context, req Request) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	var id int64
	err := e.store.Write(ctx, "acquire reservation strict", func(q sqlite.Querier) error {
		conflicts, err := e.conflicts(ctx, q, req.ProjectID, req.AgentID, req.PathPattern, req.Exclusive)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &core.ConflictError{Resource: req.PathPattern, Conflicts: conflicts}
		}
		id, err = e.insert(ctx, q, req)
		return err
	})
	if err != nil {
		var ce *core.ConflictError
		if errors.As(err, &ce) {
			e.observe(len(ce.Conflicts))
		}
		return 0, err
	}
	return id, nil
}

func (e *Engine) insert(ctx context.Context, q sqlite.Querier, req Request) (int64, error) {
	if err := requireAgent(ctx, q, req.ProjectID, req.AgentID); err != nil {
		return 0, err
	}
	now := e.store.Now()
	res, err := q.ExecContext(ctx,
		`INSERT INTO file_reservations (project_id, agent_id, path_pattern, exclusive, reason, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ProjectID, req.AgentID, req.PathPattern, req.Exclusive, req.Reason,
		sqlite.FormatTime(now), sqlite.FormatTime(now.Add(req.TTL)))
	if err != nil {
		return 0, fmt.Errorf("insert reservation: %w", err)
	}
	return res.LastInsertId()
}

// Renew moves the expiry of an unreleased reservation. Released or unknown ids
// are a silent no-op.
func (e *Engine) Renew(ctx context.Context, id int64, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		return core.InvalidInput("new expiry is required")
	}
	return e.store.Write(ctx, "renew reservation", func(q sqlite.Querier) error {
		_, err := q.ExecContext(ctx,
			`UPDATE file_reservations SET expires_at = ? WHERE id = ? AND released_at IS NULL`,
			sqlite.FormatTime(expiresAt), id)
		if err != nil {
			return fmt.Errorf("renew reservation: %w", err)
		}
		return nil
	})
}

// Release marks the reservation released. Already released or unknown ids are
// a no-op.
func (e *Engine) Release(ctx context.Context, id int64) error {
	_, err := e.release(ctx, "release reservation", id)
	return err
}

// ForceRelease has the same effect as Release without any ownership check by
// the caller. It is logged with the holder for audit.
func (e *Engine) ForceRelease(ctx context.Context, id int64) error {
	r, err := e.release(ctx, "force release reservation", id)
	if err != nil {
		return err
	}
	if r != nil {
		e.log.Warn().Int64("reservation_id", id).Int64("holder_id", r.AgentID).
			Str("pattern", r.PathPattern).Msg("reservation force-released")
	}
	return nil
}

// release returns the reservation as it was before release, or nil when
// nothing was released.
func (e *Engine) release(ctx context.Context, op string, id int64) (*core.FileReservation, error) {
	var released *core.FileReservation
	err := e.store.Write(ctx, op, func(q sqlite.Querier) error {
		r, err := scanReservation(q.QueryRowContext(ctx,
			`UPDATE file_reservations SET released_at = ? WHERE id = ? AND released_at IS NULL
			 RETURNING `+columns, sqlite.FormatTime(e.store.Now()), id))
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		released = &r
		return nil
	})
	return released, err
}

// ReleaseByPath releases the agent's newest active reservation whose pattern
// equals pattern exactly. ok is false when there was none.
func (e *Engine) ReleaseByPath(ctx context.Context, projectID, agentID int64, pattern string) (id int64, ok bool, err error) {
	err = e.store.Write(ctx, "release reservation by path", func(q sqlite.Querier) error {
		now := sqlite.FormatTime(e.store.Now())
		row := q.QueryRowContext(ctx,
			`UPDATE file_reservations SET released_at = ?
			 WHERE id = (
			   SELECT id FROM file_reservations
			   WHERE project_id = ? AND agent_id = ? AND path_pattern = ?
			     AND released_at IS NULL AND expires_at > ?
			   ORDER BY id DESC LIMIT 1)
			 RETURNING id`, now, projectID, agentID, pattern, now)
		switch err := row.Scan(&id); {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			return fmt.Errorf("release by path: %w", err)
		}
		ok = true
		return nil
	})
	return id, ok, err
}

func (e *Engine) Get(ctx context.Context, id int64) (core.FileReservation, error) {
	var r core.FileReservation
	err := e.store.Read(ctx, "get reservation", func(q sqlite.Querier) error {
		var err error
		r, err = scanReservation(q.QueryRowContext(ctx,
			`SELECT `+columns+` FROM file_reservations WHERE id = ?`, id))
		if errors.Is(err, core.ErrNotFound) {
			return core.NotFound("reservation", id)
		}
		return err
	})
	return r, err
}

// ListActiveForProject returns unreleased, unexpired reservations, newest first.
func (e *Engine) ListActiveForProject(ctx context.Context, projectID int64) ([]core.FileReservation, error) {
	var out []core.FileReservation
	err := e.store.Read(ctx, "list active reservations", func(q sqlite.Querier) error {
		var err error
		out, err = listActive(ctx, q, projectID, sqlite.FormatTime(e.store.Now()))
		return err
	})
	return out, err
}

// ListAllForProject includes released and expired rows, newest first.
func (e *Engine) ListAllForProject(ctx context.Context, projectID int64) ([]core.FileReservation, error) {
	var out []core.FileReservation
	err := e.store.Read(ctx, "list reservations", func(q sqlite.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+columns+` FROM file_reservations WHERE project_id = ? ORDER BY id DESC`, projectID)
		if err != nil {
			return fmt.Errorf("query reservations: %w", err)
		}
		out, err = collect(rows)
		return err
	})
	return out, err
}

// CheckConflicts reports every active reservation of another agent whose
// pattern overlaps pattern, where either side is exclusive.
func (e *Engine) CheckConflicts(ctx context.Context, projectID, agentID int64, pattern string, exclusive bool) ([]core.ConflictDetail, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, core.InvalidInput("path pattern is empty")
	}
	var out []core.ConflictDetail
	err := e.store.Read(ctx, "check reservation conflicts", func(q sqlite.Querier) error {
		var err error
		out, err = e.conflicts(ctx, q, projectID, agentID, pattern, exclusive)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.observe(len(out))
	return out, nil
}

func (e *Engine) conflicts(ctx context.Context, q sqlite.Querier, projectID, agentID int64, pattern string, exclusive bool) ([]core.ConflictDetail, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+prefixed("r")+`, a.name FROM file_reservations r
		 JOIN agents a ON a.id = r.agent_id
		 WHERE r.project_id = ? AND r.agent_id != ? AND r.released_at IS NULL AND r.expires_at > ?
		 ORDER BY r.id DESC`,
		projectID, agentID, sqlite.FormatTime(e.store.Now()))
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	defer rows.Close()

	var out []core.ConflictDetail
	for rows.Next() {
		var holder string
		r, err := scanReservationWith(rows, &holder)
		if err != nil {
			return nil, err
		}
		if !exclusive && !r.Exclusive {
			continue
		}
		overlap, err := glob.PatternsOverlap(pattern, r.PathPattern)
		if err != nil {
			return nil, core.InvalidInput("path pattern %q: %v", pattern, err)
		}
		if !overlap {
			continue
		}
		out = append(out, core.ConflictDetail{
			Resource:      r.PathPattern,
			ReservationID: r.ID,
			HolderID:      r.AgentID,
			HolderName:    holder,
			Exclusive:     r.Exclusive,
			ExpiresAt:     r.ExpiresAt,
		})
	}
	return out, rows.Err()
}

func (e *Engine) observe(n int) {
	if e.obs != nil && n > 0 {
		e.obs.ReservationConflicts(n)
	}
}

func listActive(ctx context.Context, q sqlite.Querier, projectID int64, now string) ([]core.FileReservation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+columns+` FROM file_reservations
		 WHERE project_id = ? AND released_at IS NULL AND expires_at > ?
		 ORDER BY id DESC`, projectID, now)
	if err != nil {
		return nil, fmt.Errorf("query active reservations: %w", err)
	}
	return collect(rows)
}

func requireAgent(ctx context.Context, q sqlite.Querier, projectID, agentID int64) error {
	var n int
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE id = ? AND project_id = ?`, agentID, projectID).Scan(&n); err != nil {
		return fmt.Errorf("check agent: %w", err)
	}
	if n == 0 {
		return core.NotFound("agent", agentID)
	}
	return nil
}
