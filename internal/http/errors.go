package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/mailer"
)

// Error codes returned in the "code" field of every error body.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeReservationConflict = "RESERVATION_CONFLICT"
	CodeSlotConflict        = "SLOT_CONFLICT"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeInternal            = "INTERNAL"
)

type errorResponse struct {
	Code      string                `json:"code"`
	Error     string                `json:"error"`
	Conflicts []core.ConflictDetail `json:"conflicts,omitempty"`
	MessageID int64                 `json:"message_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error onto a status and code. conflictCode names
// the resource kind for 409s. Backend errors never expose their cause.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error, conflictCode string) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch core.KindOf(err) {
	case core.KindNotFound:
		status, resp.Code = http.StatusNotFound, CodeNotFound
	case core.KindInvalidInput:
		status, resp.Code = http.StatusBadRequest, CodeInvalidInput
	case core.KindConflict:
		status, resp.Code = http.StatusConflict, conflictCode
		var ce *core.ConflictError
		if errors.As(err, &ce) {
			resp.Conflicts = ce.Conflicts
		}
	default:
		resp.Code = CodeInternal
		resp.Error = "internal error"
		var ae *mailer.ArchiveError
		if errors.As(err, &ae) {
			resp.MessageID = ae.MessageID
			resp.Error = "message stored but not archived"
		}
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.InvalidInput("request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, core.InvalidInput("%s must be a positive integer", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.InvalidInput("%s must be an integer", name)
	}
	return n, nil
}
