package reservation

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

var columnNames = []string{
	"id", "project_id", "agent_id", "path_pattern", "exclusive", "reason",
	"created_at", "expires_at", "released_at",
}

var columns = strings.Join(columnNames, ", ")

func prefixed(alias string) string {
	out := make([]string, len(columnNames))
	for i, c := range columnNames {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

func scanReservation(row sqlite.Scanner) (core.FileReservation, error) {
	return scanReservationWith(row)
}

// scanReservationWith scans the reservation columns followed by extra
// destinations for joined columns.
func scanReservationWith(row sqlite.Scanner, extra ...any) (core.FileReservation, error) {
	var (
		r                core.FileReservation
		created, expires string
		released         sql.NullString
	)
	dest := append([]any{
		&r.ID, &r.ProjectID, &r.AgentID, &r.PathPattern, &r.Exclusive, &r.Reason,
		&created, &expires, &released,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.FileReservation{}, core.ErrNotFound
		}
		return core.FileReservation{}, fmt.Errorf("scan reservation: %w", err)
	}
	var err error
	if r.CreatedAt, err = sqlite.ParseTime(created); err != nil {
		return core.FileReservation{}, err
	}
	if r.ExpiresAt, err = sqlite.ParseTime(expires); err != nil {
		return core.FileReservation{}, err
	}
	if r.ReleasedAt, err = sqlite.ParseNullTime(released); err != nil {
		return core.FileReservation{}, err
	}
	return r, nil
}

func collect(rows *sql.Rows) ([]core.FileReservation, error) {
	defer rows.Close()
	var out []core.FileReservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
