package mailer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// viewQuery selects a message joined with its project slug, sender name and
// comma-joined to/cc recipient names. BCC recipients are never listed. Agent
// names cannot contain commas.
const viewQuery = `SELECT m.id, m.project_id, m.sender_id, m.thread_id, m.subject, m.body, m.importance,
       m.ack_required, m.attachments, m.created_at, m.archived_at, m.archive_error,
       p.slug, s.name,
       COALESCE((SELECT group_concat(a.name, ',') FROM message_recipients r
           JOIN agents a ON a.id = r.agent_id
           WHERE r.message_id = m.id AND r.kind != 'bcc'), '')
FROM messages m
JOIN projects p ON p.id = m.project_id
JOIN agents s ON s.id = m.sender_id`

// Get reads a message from the store. The archive is never consulted.
func (a *Archiver) Get(ctx context.Context, id int64) (core.MessageView, error) {
	var v core.MessageView
	err := a.store.Read(ctx, "get message", func(q sqlite.Querier) error {
		var err error
		v, err = scanView(q.QueryRowContext(ctx, viewQuery+` WHERE m.id = ?`, id))
		return notFoundOr(err, "message", id)
	})
	return v, err
}

// ListInboxForAgent returns messages addressed to the agent, newest first.
func (a *Archiver) ListInboxForAgent(ctx context.Context, projectID, agentID int64, limit int) ([]core.MessageView, error) {
	return a.list(ctx, "list inbox",
		viewQuery+` JOIN message_recipients mr ON mr.message_id = m.id
		 WHERE m.project_id = ? AND mr.agent_id = ? ORDER BY m.id DESC LIMIT ?`,
		projectID, agentID, clamp(limit))
}

// ListOutboxForAgent returns messages sent by the agent, newest first.
func (a *Archiver) ListOutboxForAgent(ctx context.Context, projectID, agentID int64, limit int) ([]core.MessageView, error) {
	return a.list(ctx, "list outbox",
		viewQuery+` WHERE m.project_id = ? AND m.sender_id = ? ORDER BY m.id DESC LIMIT ?`,
		projectID, agentID, clamp(limit))
}

// ListThread returns the messages of a thread, oldest first.
func (a *Archiver) ListThread(ctx context.Context, projectID int64, threadID string) ([]core.MessageView, error) {
	return a.list(ctx, "list thread",
		viewQuery+` WHERE m.project_id = ? AND m.thread_id = ? ORDER BY m.id`,
		projectID, threadID)
}

// MarkRead records the first read of a message by one of its recipients.
func (a *Archiver) MarkRead(ctx context.Context, messageID, agentID int64) error {
	return a.touchRecipient(ctx, "mark read", messageID, agentID,
		`UPDATE message_recipients SET read_at = COALESCE(read_at, ?) WHERE message_id = ? AND agent_id = ?`)
}

// Acknowledge records the acknowledgement, which also counts as a read.
func (a *Archiver) Acknowledge(ctx context.Context, messageID, agentID int64) error {
	return a.touchRecipient(ctx, "acknowledge", messageID, agentID,
		`UPDATE message_recipients SET ack_at = COALESCE(ack_at, ?1), read_at = COALESCE(read_at, ?1)
		 WHERE message_id = ?2 AND agent_id = ?3`)
}

func (a *Archiver) touchRecipient(ctx context.Context, op string, messageID, agentID int64, stmt string) error {
	return a.store.Write(ctx, op, func(q sqlite.Querier) error {
		res, err := q.ExecContext(ctx, stmt, sqlite.FormatTime(a.store.Now()), messageID, agentID)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return core.NotFound("recipient", fmt.Sprintf("%d of message %d", agentID, messageID))
		}
		return nil
	})
}

// Recipients returns the per-recipient delivery state of a message.
func (a *Archiver) Recipients(ctx context.Context, messageID int64) ([]core.MessageRecipient, error) {
	var out []core.MessageRecipient
	err := a.store.Read(ctx, "list recipients", func(q sqlite.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT message_id, agent_id, kind, read_at, ack_at FROM message_recipients
			 WHERE message_id = ? ORDER BY rowid`, messageID)
		if err != nil {
			return fmt.Errorf("query recipients: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r         core.MessageRecipient
				read, ack sql.NullString
			)
			if err := rows.Scan(&r.MessageID, &r.AgentID, &r.Kind, &read, &ack); err != nil {
				return fmt.Errorf("scan recipient: %w", err)
			}
			if r.ReadAt, err = sqlite.ParseNullTime(read); err != nil {
				return err
			}
			if r.AckAt, err = sqlite.ParseNullTime(ack); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (a *Archiver) list(ctx context.Context, op, query string, args ...any) ([]core.MessageView, error) {
	out := []core.MessageView{}
	err := a.store.Read(ctx, op, func(q sqlite.Querier) error {
		views, err := queryViews(ctx, q, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		out = views
		return nil
	})
	return out, err
}

func queryViews(ctx context.Context, q sqlite.Querier, query string, args ...any) ([]core.MessageView, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []core.MessageView{}
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanView(row sqlite.Scanner) (core.MessageView, error) {
	var (
		v                   core.MessageView
		attachments         string
		created, recipients string
		archived            sql.NullString
	)
	err := row.Scan(&v.ID, &v.ProjectID, &v.SenderID, &v.ThreadID, &v.Subject, &v.Body, &v.Importance,
		&v.AckRequired, &attachments, &created, &archived, &v.ArchiveError,
		&v.ProjectSlug, &v.SenderName, &recipients)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.MessageView{}, core.ErrNotFound
		}
		return core.MessageView{}, fmt.Errorf("scan message: %w", err)
	}
	if v.CreatedAt, err = sqlite.ParseTime(created); err != nil {
		return core.MessageView{}, err
	}
	if v.ArchivedAt, err = sqlite.ParseNullTime(archived); err != nil {
		return core.MessageView{}, err
	}
	if err := json.Unmarshal([]byte(attachments), &v.Attachments); err != nil {
		return core.MessageView{}, fmt.Errorf("decode attachments: %w", err)
	}
	v.Recipients = []string{}
	if recipients != "" {
		v.Recipients = strings.Split(recipients, ",")
	}
	return v, nil
}

func clamp(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// notFoundOr turns a missing row into NotFound and wraps anything else.
func notFoundOr(err error, entity string, key any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, core.ErrNotFound):
		return core.NotFound(entity, key)
	}
	return fmt.Errorf("lookup %s: %w", entity, err)
}
