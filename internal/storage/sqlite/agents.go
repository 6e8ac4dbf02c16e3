package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/names"
)

const agentColumns = "id, project_id, name, program, model, task_description, inception_at, last_active_at"

const maxNameAttempts = 32

// RegisterAgent creates the agent or, when the name is already registered in
// the project, refreshes its profile and activity time. An empty name gets a
// generated one.
func (s *Store) RegisterAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	if a.Name != "" && !names.Valid(a.Name) {
		return core.Agent{}, core.InvalidInput("agent name %q must match [A-Za-z0-9][A-Za-z0-9_.-]*", a.Name)
	}

	var out core.Agent
	err := s.Write(ctx, "register agent", func(q Querier) error {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE id = ?`, a.ProjectID).Scan(&exists); err != nil {
			return fmt.Errorf("check project: %w", err)
		}
		if exists == 0 {
			return core.NotFound("project", a.ProjectID)
		}

		name := a.Name
		if name == "" {
			var err error
			if name, err = freeName(ctx, q, a.ProjectID); err != nil {
				return err
			}
		}

		now := FormatTime(s.Now())
		var err error
		out, err = scanAgent(q.QueryRowContext(ctx,
			`INSERT INTO agents (project_id, name, program, model, task_description, inception_at, last_active_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(project_id, name) DO UPDATE SET
			   program = excluded.program,
			   model = excluded.model,
			   task_description = excluded.task_description,
			   last_active_at = excluded.last_active_at
			 RETURNING `+agentColumns,
			a.ProjectID, name, a.Program, a.Model, a.TaskDescription, now, now))
		return err
	})
	if err == nil {
		s.log.Debug().Int64("agent_id", out.ID).Str("agent", out.Name).Msg("agent registered")
	}
	return out, err
}

func freeName(ctx context.Context, q Querier, projectID int64) (string, error) {
	for i := 0; i < maxNameAttempts; i++ {
		candidate := names.Generate()
		if i >= maxNameAttempts/2 {
			candidate = fmt.Sprintf("%s%d", candidate, i)
		}
		var n int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agents WHERE project_id = ? AND name = ?`, projectID, candidate).Scan(&n); err != nil {
			return "", fmt.Errorf("check name: %w", err)
		}
		if n == 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free agent name after %d attempts", maxNameAttempts)
}

func (s *Store) AgentByName(ctx context.Context, projectID int64, name string) (core.Agent, error) {
	var a core.Agent
	err := s.Read(ctx, "get agent", func(q Querier) error {
		var err error
		a, err = AgentByNameQ(ctx, q, projectID, name)
		return err
	})
	return a, err
}

// AgentByNameQ looks an agent up through q, for callers already inside a
// transaction.
func AgentByNameQ(ctx context.Context, q Querier, projectID int64, name string) (core.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND name = ?`, projectID, name))
	if errors.Is(err, core.ErrNotFound) {
		return core.Agent{}, core.NotFound("agent", name)
	}
	return a, err
}

func (s *Store) AgentByID(ctx context.Context, id int64) (core.Agent, error) {
	var a core.Agent
	err := s.Read(ctx, "get agent", func(q Querier) error {
		var err error
		a, err = scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
		if errors.Is(err, core.ErrNotFound) {
			return core.NotFound("agent", id)
		}
		return err
	})
	return a, err
}

func (s *Store) ListAgents(ctx context.Context, projectID int64) ([]core.Agent, error) {
	var out []core.Agent
	err := s.Read(ctx, "list agents", func(q Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY name`, projectID)
		if err != nil {
			return fmt.Errorf("query agents: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

// TouchAgent bumps last_active_at. Missing agents are ignored.
func (s *Store) TouchAgent(ctx context.Context, id int64) error {
	return s.Write(ctx, "touch agent", func(q Querier) error {
		if _, err := q.ExecContext(ctx,
			`UPDATE agents SET last_active_at = ? WHERE id = ?`, FormatTime(s.Now()), id); err != nil {
			return fmt.Errorf("touch agent: %w", err)
		}
		return nil
	})
}

func scanAgent(row Scanner) (core.Agent, error) {
	var (
		a                  core.Agent
		inception, lastAct string
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Program, &a.Model, &a.TaskDescription, &inception, &lastAct)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Agent{}, core.ErrNotFound
		}
		return core.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	if a.InceptionAt, err = ParseTime(inception); err != nil {
		return core.Agent{}, err
	}
	if a.LastActiveAt, err = ParseTime(lastAct); err != nil {
		return core.Agent{}, err
	}
	return a, nil
}
