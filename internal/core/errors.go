package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies every error the engines return. The set is closed: anything
// that is not explicitly NotFound, Conflict or InvalidInput is Backend.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindConflict
	KindInvalidInput
	KindBackend
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "backend"
	}
}

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrBackend      = errors.New("backend failure")
)

// KindOf maps err onto the taxonomy. An explicit ErrBackend wins over any
// kind found deeper in the chain.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBackend):
		return KindBackend
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	default:
		return KindBackend
	}
}

// NotFound builds a NotFound error naming the missing entity.
func NotFound(entity string, key any) error {
	return fmt.Errorf("%w: %s %v", ErrNotFound, entity, key)
}

// InvalidInput builds an InvalidInput error.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Backend wraps a storage or archive failure. Errors that already carry a
// kind pass through unchanged.
func Backend(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindBackend || errors.Is(err, ErrBackend) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
}

// ConflictDetail describes one live claim that blocks or overlaps a request.
type ConflictDetail struct {
	Resource      string    `json:"resource"`
	ReservationID int64     `json:"reservation_id,omitempty"`
	SlotID        int64     `json:"slot_id,omitempty"`
	HolderID      int64     `json:"holder_id"`
	HolderName    string    `json:"holder_name,omitempty"`
	Exclusive     bool      `json:"exclusive"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ConflictError is returned when a resource is held by someone else.
type ConflictError struct {
	Resource  string
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	holders := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		name := c.HolderName
		if name == "" {
			name = fmt.Sprintf("agent %d", c.HolderID)
		}
		holders = append(holders, fmt.Sprintf("%s (%s until %s)", name, c.Resource, c.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return fmt.Sprintf("conflict: %s held by %s", e.Resource, strings.Join(holders, ", "))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
