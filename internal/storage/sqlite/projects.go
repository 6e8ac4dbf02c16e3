package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/slug"
)

const projectColumns = "id, slug, human_key, created_at"

// EnsureProject returns the project for humanKey, creating it on first use.
// The slug is derived from the key; a colliding slug gets a hash suffix.
func (s *Store) EnsureProject(ctx context.Context, humanKey string) (core.Project, error) {
	humanKey = strings.TrimSpace(humanKey)
	if humanKey == "" {
		return core.Project{}, core.InvalidInput("project key is empty")
	}

	var p core.Project
	err := s.Write(ctx, "ensure project", func(q Querier) error {
		existing, err := scanProject(q.QueryRowContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE human_key = ?`, humanKey))
		if err == nil {
			p = existing
			return nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}

		base := slug.Make(humanKey, "project")
		candidate := base
		var taken int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE slug = ?`, candidate).Scan(&taken); err != nil {
			return fmt.Errorf("check slug: %w", err)
		}
		if taken > 0 {
			candidate = slug.WithSuffix(base, humanKey)
		}

		now := s.Now()
		res, err := q.ExecContext(ctx,
			`INSERT INTO projects (slug, human_key, created_at) VALUES (?, ?, ?)`,
			candidate, humanKey, FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("project id: %w", err)
		}
		p = core.Project{ID: id, Slug: candidate, HumanKey: humanKey, CreatedAt: now}
		s.log.Info().Int64("project_id", id).Str("slug", candidate).Msg("project created")
		return nil
	})
	return p, err
}

func (s *Store) ProjectBySlug(ctx context.Context, projectSlug string) (core.Project, error) {
	var p core.Project
	err := s.Read(ctx, "get project", func(q Querier) error {
		var err error
		p, err = scanProject(q.QueryRowContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE slug = ?`, projectSlug))
		if errors.Is(err, core.ErrNotFound) {
			return core.NotFound("project", projectSlug)
		}
		return err
	})
	return p, err
}

func (s *Store) ProjectByID(ctx context.Context, id int64) (core.Project, error) {
	var p core.Project
	err := s.Read(ctx, "get project", func(q Querier) error {
		var err error
		p, err = scanProject(q.QueryRowContext(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
		if errors.Is(err, core.ErrNotFound) {
			return core.NotFound("project", id)
		}
		return err
	})
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]core.Project, error) {
	var out []core.Project
	err := s.Read(ctx, "list projects", func(q Querier) error {
		rows, err := q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
		if err != nil {
			return fmt.Errorf("query projects: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

func scanProject(row Scanner) (core.Project, error) {
	var (
		p       core.Project
		created string
	)
	if err := row.Scan(&p.ID, &p.Slug, &p.HumanKey, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Project{}, core.ErrNotFound
		}
		return core.Project{}, fmt.Errorf("scan project: %w", err)
	}
	var err error
	if p.CreatedAt, err = ParseTime(created); err != nil {
		return core.Project{}, err
	}
	return p, nil
}
