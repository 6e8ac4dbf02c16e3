package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/reservation"
)

type reservationRequest struct {
	Agent       string `json:"agent"`
	PathPattern string `json:"path_pattern"`
	Exclusive   *bool  `json:"exclusive"` // default true
	Reason      string `json:"reason"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type reservationResponse struct {
	Reservation core.FileReservation  `json:"reservation"`
	Conflicts   []core.ConflictDetail `json:"conflicts"`
}

type reservePathsRequest struct {
	Agent      string   `json:"agent"`
	Paths      []string `json:"paths"`
	Exclusive  *bool    `json:"exclusive"`
	Reason     string   `json:"reason"`
	TTLSeconds int64    `json:"ttl_seconds"`
}

type releaseByPathRequest struct {
	Agent       string `json:"agent"`
	PathPattern string `json:"path_pattern"`
}

type renewReservationRequest struct {
	TTLSeconds int64      `json:"ttl_seconds"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func exclusive(v *bool) bool {
	return v == nil || *v
}

// handleAcquireReservation records the claim and reports the conflicts that
// existed at the time. In strict mode an exclusive overlap is refused with 409.
func (s *Service) handleAcquireReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	var body reservationRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	a, err := s.agent(ctx, p.ID, body.Agent, true)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	d, err := ttl(body.TTLSeconds, s.reservationTTL)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	req := reservation.Request{
		ProjectID:   p.ID,
		AgentID:     a.ID,
		PathPattern: body.PathPattern,
		Exclusive:   exclusive(body.Exclusive),
		Reason:      body.Reason,
		TTL:         d,
	}

	conflicts := []core.ConflictDetail{}
	var id int64
	if s.strict {
		id, err = s.reservations.AcquireStrict(ctx, req)
	} else {
		if conflicts, err = s.reservations.CheckConflicts(ctx, p.ID, a.ID, req.PathPattern, req.Exclusive); err == nil {
			id, err = s.reservations.Acquire(ctx, req)
		}
	}
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	res, err := s.reservations.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	if conflicts == nil {
		conflicts = []core.ConflictDetail{}
	}
	writeJSON(w, http.StatusCreated, reservationResponse{Reservation: res, Conflicts: conflicts})
}

func (s *Service) handleReservePaths(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	var body reservePathsRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	a, err := s.agent(ctx, p.ID, body.Agent, true)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	d, err := ttl(body.TTLSeconds, s.reservationTTL)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	res, err := s.reservations.ReservePaths(ctx, reservation.PathsRequest{
		ProjectID: p.ID,
		AgentID:   a.ID,
		Paths:     body.Paths,
		Exclusive: exclusive(body.Exclusive),
		Reason:    body.Reason,
		TTL:       d,
	})
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleListReservations lists active reservations, or every reservation
// including released ones with ?all=true.
func (s *Service) handleListReservations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	var list []core.FileReservation
	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		list, err = s.reservations.ListAllForProject(ctx, p.ID)
	} else {
		list, err = s.reservations.ListActiveForProject(ctx, p.ID)
	}
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": list})
}

func (s *Service) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	q := r.URL.Query()
	a, err := s.agent(ctx, p.ID, q.Get("agent"), false)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	excl := q.Get("exclusive") != "false"
	conflicts, err := s.reservations.CheckConflicts(ctx, p.ID, a.ID, q.Get("pattern"), excl)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	if conflicts == nil {
		conflicts = []core.ConflictDetail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Service) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	res, err := s.reservations.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRenewReservation accepts either an absolute expiry or a TTL from now.
// Renewing a released or unknown reservation succeeds without effect.
func (s *Service) handleRenewReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	var body renewReservationRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	d, err := ttl(body.TTLSeconds, s.reservationTTL)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	expires := s.store.Now().Add(d)
	if body.ExpiresAt != nil {
		expires = body.ExpiresAt.UTC()
	}
	if err := s.reservations.Renew(r.Context(), id, expires); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "expires_at": expires})
}

func (s *Service) handleReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	if err := s.reservations.Release(r.Context(), id); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "released": true})
}

func (s *Service) handleForceReleaseReservation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	if err := s.reservations.ForceRelease(r.Context(), id); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "released": true})
}

func (s *Service) handleReleaseByPath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	var body releaseByPathRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	a, err := s.agent(ctx, p.ID, body.Agent, true)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	id, ok, err := s.reservations.ReleaseByPath(ctx, p.ID, a.ID, body.PathPattern)
	if err != nil {
		s.writeError(w, r, err, CodeReservationConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "released": ok})
}
