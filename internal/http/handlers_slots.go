package httpapi

import (
	"net/http"

	"github.com/mistakeknot/intermail/internal/core"
)

type acquireSlotRequest struct {
	Agent      string `json:"agent"`
	Slot       string `json:"slot"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type renewSlotRequest struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

func (s *Service) handleAcquireSlot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	var body acquireSlotRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	a, err := s.agent(ctx, p.ID, body.Agent, true)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	d, err := ttl(body.TTLSeconds, s.slotTTL)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	id, err := s.slots.Acquire(ctx, p.ID, a.ID, body.Slot, d)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	slot, err := s.slots.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	writeJSON(w, http.StatusCreated, slot)
}

func (s *Service) handleListSlots(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	slots, err := s.slots.ListActive(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	if slots == nil {
		slots = []core.BuildSlot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": slots})
}

func (s *Service) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	slot, err := s.slots.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// handleRenewSlot reports renewed=false when the slot was no longer held.
func (s *Service) handleRenewSlot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	var body renewSlotRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	d, err := ttl(body.TTLSeconds, s.slotTTL)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	expires, err := s.slots.Renew(r.Context(), id, d)
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	resp := map[string]any{"id": id, "renewed": !expires.IsZero()}
	if !expires.IsZero() {
		resp["expires_at"] = expires
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleReleaseSlot(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	if err := s.slots.Release(r.Context(), id); err != nil {
		s.writeError(w, r, err, CodeSlotConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "released": true})
}
