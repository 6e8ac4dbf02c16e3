package reservation

import (
	"context"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

// PathsRequest reserves several patterns for one agent at once.
type PathsRequest struct {
	ProjectID int64
	AgentID   int64
	Paths     []string
	Exclusive bool
	Reason    string
	TTL       time.Duration // DefaultTTL when zero
}

// PathsResult lists every granted reservation and every conflict observed
// while granting them. Conflicts do not prevent a grant.
type PathsResult struct {
	Granted   []core.FileReservation `json:"granted"`
	Conflicts []core.ConflictDetail  `json:"conflicts"`
}

// ReservePaths checks and records each pattern inside one write transaction,
// so the reported conflicts are exactly those present when the grants were
// made.
func (e *Engine) ReservePaths(ctx context.Context, req PathsRequest) (PathsResult, error) {
	if req.TTL == 0 {
		req.TTL = DefaultTTL
	}
	if len(req.Paths) == 0 {
		return PathsResult{}, core.InvalidInput("no paths given")
	}
	reqs := make([]Request, len(req.Paths))
	for i, p := range req.Paths {
		reqs[i] = Request{
			ProjectID:   req.ProjectID,
			AgentID:     req.AgentID,
			PathPattern: p,
			Exclusive:   req.Exclusive,
			Reason:      req.Reason,
			TTL:         req.TTL,
		}
		if err := reqs[i].validate(); err != nil {
			return PathsResult{}, err
		}
	}

	res := PathsResult{Granted: []core.FileReservation{}, Conflicts: []core.ConflictDetail{}}
	err := e.store.Write(ctx, "reserve paths", func(q sqlite.Querier) error {
		res.Granted = res.Granted[:0]
		res.Conflicts = res.Conflicts[:0]
		for _, r := range reqs {
			conflicts, err := e.conflicts(ctx, q, r.ProjectID, r.AgentID, r.PathPattern, r.Exclusive)
			if err != nil {
				return err
			}
			res.Conflicts = append(res.Conflicts, conflicts...)

			id, err := e.insert(ctx, q, r)
			if err != nil {
				return err
			}
			granted, err := scanReservation(q.QueryRowContext(ctx,
				`SELECT `+columns+` FROM file_reservations WHERE id = ?`, id))
			if err != nil {
				return err
			}
			res.Granted = append(res.Granted, granted)
		}
		return nil
	})
	if err != nil {
		return PathsResult{}, err
	}
	e.observe(len(res.Conflicts))
	e.log.Debug().Int64("agent_id", req.AgentID).Int("granted", len(res.Granted)).
		Int("conflicts", len(res.Conflicts)).Msg("paths reserved")
	return res, nil
}
