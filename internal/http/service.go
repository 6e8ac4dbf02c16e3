// Package httpapi is the JSON transport. Handlers resolve project slugs and
// agent names to ids and hand off to the engines; they hold no state.
package httpapi

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/app"
	"github.com/mistakeknot/intermail/internal/buildslot"
	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/mailer"
	"github.com/mistakeknot/intermail/internal/reservation"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

type Service struct {
	store        *sqlite.Store
	reservations *reservation.Engine
	slots        *buildslot.Engine
	mail         *mailer.Archiver
	metrics      http.Handler
	log          zerolog.Logger

	reservationTTL time.Duration
	slotTTL        time.Duration
	strict         bool
}

func NewService(a *app.App) *Service {
	return &Service{
		store:          a.Store,
		reservations:   a.Reservations,
		slots:          a.Slots,
		mail:           a.Mailer,
		metrics:        a.Metrics.Handler(),
		log:            a.Log.With().Str("component", "http").Logger(),
		reservationTTL: a.Config.Reservations.DefaultTTL,
		slotTTL:        a.Config.Slots.DefaultTTL,
		strict:         a.Config.Reservations.Strict,
	}
}

func (s *Service) project(ctx context.Context, slug string) (core.Project, error) {
	return s.store.ProjectBySlug(ctx, slug)
}

// agent resolves a name within a project. Agents that act through the API
// have their last-active time bumped.
func (s *Service) agent(ctx context.Context, projectID int64, name string, touch bool) (core.Agent, error) {
	if name == "" {
		return core.Agent{}, core.InvalidInput("agent name is required")
	}
	a, err := s.store.AgentByName(ctx, projectID, name)
	if err != nil {
		return core.Agent{}, err
	}
	if touch {
		if err := s.store.TouchAgent(ctx, a.ID); err != nil {
			s.log.Warn().Err(err).Int64("agent_id", a.ID).Msg("touch agent failed")
		}
	}
	return a, nil
}

// agents resolves several names within a project, in order.
func (s *Service) agents(ctx context.Context, projectID int64, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		a, err := s.agent(ctx, projectID, n, false)
		if err != nil {
			return nil, err
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// maxTTLSeconds keeps seconds*time.Second within a Duration.
const maxTTLSeconds = int64(math.MaxInt64 / int64(time.Second))

// ttl converts an optional seconds field. Zero (or absent) falls back to def;
// a negative or overflowing value is invalid.
func ttl(seconds int64, def time.Duration) (time.Duration, error) {
	switch {
	case seconds == 0:
		return def, nil
	case seconds < 0:
		return 0, core.InvalidInput("ttl_seconds must be positive, got %d", seconds)
	case seconds > maxTTLSeconds:
		return 0, core.InvalidInput("ttl_seconds %d is too large", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
