// Package buildslot is a TTL-governed named mutex. Unlike file reservations,
// a slot has at most one live holder per (project, name) and Acquire refuses
// a second one.
package buildslot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

const columns = "id, project_id, agent_id, slot_name, created_at, expires_at, released_at"

// Observer counts acquisition outcomes: "acquired", "conflict", "error".
type Observer interface {
	SlotAcquire(result string)
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
		log:   logger.With().Str("component", "buildslot").Logger(),
	}
}

// Acquire takes the slot for agent. Inside one write transaction it releases
// the slot's expired rows, checks for a live holder and inserts. A live holder
// yields a *core.ConflictError naming it.
func (e *Engine) Acquire(ctx context.Context, projectID, agentID int64, name string, ttl time.Duration) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, core.InvalidInput("slot name is empty")
	}
	if ttl <= 0 {
		return 0, core.InvalidInput("ttl must be positive, got %s", ttl)
	}

	var id int64
	err := e.store.Write(ctx, "acquire slot", func(q sqlite.Querier) error {
		var n int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agents WHERE id = ? AND project_id = ?`, agentID, projectID).Scan(&n); err != nil {
			return fmt.Errorf("check agent: %w", err)
		}
		if n == 0 {
			return core.NotFound("agent", agentID)
		}

		now := e.store.Now()
		nowText := sqlite.FormatTime(now)
		if _, err := q.ExecContext(ctx,
			`UPDATE build_slots SET released_at = expires_at
			 WHERE project_id = ? AND slot_name = ? AND released_at IS NULL AND expires_at <= ?`,
			projectID, name, nowText); err != nil {
			return fmt.Errorf("expire slots: %w", err)
		}

		var holder string
		held, err := scanSlotWith(q.QueryRowContext(ctx,
			`SELECT `+prefixed("s")+`, a.name FROM build_slots s
			 JOIN agents a ON a.id = s.agent_id
			 WHERE s.project_id = ? AND s.slot_name = ? AND s.released_at IS NULL`,
			projectID, name), &holder)
		switch {
		case err == nil:
			return conflict(held, holder)
		case !errors.Is(err, core.ErrNotFound):
			return err
		}

		res, err := q.ExecContext(ctx,
			`INSERT INTO build_slots (project_id, agent_id, slot_name, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)`,
			projectID, agentID, name, nowText, sqlite.FormatTime(now.Add(ttl)))
		if sqlite.IsUniqueViolation(err) {
			return &core.ConflictError{Resource: name}
		}
		if err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})

	switch core.KindOf(err) {
	case core.KindNone:
		e.observe("acquired")
		e.log.Debug().Int64("slot_id", id).Str("slot", name).Int64("agent_id", agentID).Msg("slot acquired")
		return id, nil
	case core.KindConflict:
		e.observe("conflict")
	default:
		e.observe("error")
	}
	return 0, err
}

func conflict(held core.BuildSlot, holder string) error {
	return &core.ConflictError{
		Resource: held.SlotName,
		Conflicts: []core.ConflictDetail{{
			Resource:   held.SlotName,
			SlotID:     held.ID,
			HolderID:   held.AgentID,
			HolderName: holder,
			Exclusive:  true,
			ExpiresAt:  held.ExpiresAt,
		}},
	}
}

// Renew sets expires = now + ttl while the slot is held and returns it. A
// released or unknown slot is not an error; the returned time is then zero.
func (e *Engine) Renew(ctx context.Context, id int64, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		return time.Time{}, core.InvalidInput("ttl must be positive, got %s", ttl)
	}
	var renewed time.Time
	err := e.store.Write(ctx, "renew slot", func(q sqlite.Querier) error {
		expires := e.store.Now().Add(ttl)
		res, err := q.ExecContext(ctx,
			`UPDATE build_slots SET expires_at = ? WHERE id = ? AND released_at IS NULL`,
			sqlite.FormatTime(expires), id)
		if err != nil {
			return fmt.Errorf("renew slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("renew slot: %w", err)
		}
		if n > 0 {
			renewed = expires
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return renewed, nil
}

// Release frees the slot. Released or unknown ids are a no-op.
func (e *Engine) Release(ctx context.Context, id int64) error {
	return e.store.Write(ctx, "release slot", func(q sqlite.Querier) error {
		if _, err := q.ExecContext(ctx,
			`UPDATE build_slots SET released_at = ? WHERE id = ? AND released_at IS NULL`,
			sqlite.FormatTime(e.store.Now()), id); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}
		return nil
	})
}

func (e *Engine) Get(ctx context.Context, id int64) (core.BuildSlot, error) {
	var s core.BuildSlot
	err := e.store.Read(ctx, "get slot", func(q sqlite.Querier) error {
		var err error
		s, err = scanSlot(q.QueryRowContext(ctx, `SELECT `+columns+` FROM build_slots WHERE id = ?`, id))
		if errors.Is(err, core.ErrNotFound) {
			return core.NotFound("build slot", id)
		}
		return err
	})
	return s, err
}

// ListActive returns held, unexpired slots of the project, newest first.
func (e *Engine) ListActive(ctx context.Context, projectID int64) ([]core.BuildSlot, error) {
	var out []core.BuildSlot
	err := e.store.Read(ctx, "list active slots", func(q sqlite.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+columns+` FROM build_slots
			 WHERE project_id = ? AND released_at IS NULL AND expires_at > ?
			 ORDER BY id DESC`, projectID, sqlite.FormatTime(e.store.Now()))
		if err != nil {
			return fmt.Errorf("query slots: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			s, err := scanSlot(rows)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	return out, err
}

func (e *Engine) observe(result string) {
	if e.obs != nil {
		e.obs.SlotAcquire(result)
	}
}

func prefixed(alias string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanSlot(row sqlite.Scanner) (core.BuildSlot, error) {
	return scanSlotWith(row)
}

func scanSlotWith(row sqlite.Scanner, extra ...any) (core.BuildSlot, error) {
	var (
		s                core.BuildSlot
		created, expires string
		released         sql.NullString
	)
	dest := append([]any{&s.ID, &s.ProjectID, &s.AgentID, &s.SlotName, &created, &expires, &released}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.BuildSlot{}, core.ErrNotFound
		}
		return core.BuildSlot{}, fmt.Errorf("scan slot: %w", err)
	}
	var err error
	if s.CreatedAt, err = sqlite.ParseTime(created); err != nil {
		return core.BuildSlot{}, err
	}
	if s.ExpiresAt, err = sqlite.ParseTime(expires); err != nil {
		return core.BuildSlot{}, err
	}
	if s.ReleasedAt, err = sqlite.ParseNullTime(released); err != nil {
		return core.BuildSlot{}, err
	}
	return s, nil
}
