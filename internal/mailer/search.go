package mailer

import (
	"context"
	"fmt"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

const searchQuery = viewQuery + `
JOIN messages_fts ON messages_fts.rowid = m.id
WHERE messages_fts MATCH ? AND m.project_id = ?
ORDER BY messages_fts.rank, m.id DESC
LIMIT ?`

// SearchMessages runs an FTS5 query over subject and body within a project,
// best match first. Prefix ("quick*") and phrase ("\"brown fox\"") syntax are
// supported. A query FTS5 cannot parse matches nothing.
func (a *Archiver) SearchMessages(ctx context.Context, projectID int64, query string, limit int) ([]core.MessageView, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.InvalidInput("search query is empty")
	}
	out := []core.MessageView{}
	err := a.store.Read(ctx, "search messages", func(q sqlite.Querier) error {
		views, err := queryViews(ctx, q, searchQuery, query, projectID, clamp(limit))
		if isQuerySyntaxError(err) {
			a.log.Debug().Err(err).Str("query", query).Msg("unparseable search query")
			return nil
		}
		if err != nil {
			return fmt.Errorf("search messages: %w", err)
		}
		out = views
		return nil
	})
	return out, err
}

// isQuerySyntaxError reports whether err is FTS5 rejecting the query text
// rather than a storage failure.
func isQuerySyntaxError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "fts5: syntax error") ||
		strings.Contains(msg, "unterminated string") ||
		strings.Contains(msg, "no such column")
}
