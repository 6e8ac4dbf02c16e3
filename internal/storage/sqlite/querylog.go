package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

const slowQueryThreshold = 100 * time.Millisecond

// queryLogger wraps a Querier and logs statements slower than slowQueryThreshold.
type queryLogger struct {
	inner Querier
	log   zerolog.Logger
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.inner.ExecContext(ctx, query, args...)
	q.observe(start, query)
	return result, err
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.inner.QueryContext(ctx, query, args...)
	q.observe(start, query)
	return rows, err
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := q.inner.QueryRowContext(ctx, query, args...)
	q.observe(start, query)
	return row
}

func (q *queryLogger) observe(start time.Time, query string) {
	if d := time.Since(start); d >= slowQueryThreshold {
		q.log.Warn().
			Dur("elapsed", d.Round(time.Millisecond)).
			Str("query", truncateQuery(query)).
			Msg("slow query")
	}
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
