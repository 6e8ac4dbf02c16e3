// Package mailer records messages in the relational store and in the Git
// archive. Every message gets a canonical copy, an outbox copy for the sender
// and an inbox copy per recipient, all written in one commit.
package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/archive"
	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/repocache"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

// RepoLayout decides which repository holds a project's files.
type RepoLayout int

const (
	// SharedRepo keeps every project in one repository at the archive root.
	SharedRepo RepoLayout = iota
	// RepoPerProject gives each project its own repository at
	// <root>/projects/<slug>. Files land at the same place on disk.
	RepoPerProject
)

// ParseRepoLayout accepts "shared" and "per_project".
func ParseRepoLayout(s string) (RepoLayout, error) {
	switch s {
	case "", "shared":
		return SharedRepo, nil
	case "per_project":
		return RepoPerProject, nil
	}
	return SharedRepo, core.InvalidInput("unknown archive layout %q", s)
}

// Observer counts archive outcomes: "committed", "unchanged", "failed".
type Observer interface {
	ArchiveCommit(result string)
}

type Options struct {
	Root   string
	Layout RepoLayout
	Logger zerolog.Logger
	Obs    Observer
}

type Archiver struct {
	store  *sqlite.Store
	cache  *repocache.Cache
	root   string
	layout RepoLayout
	obs    Observer
	log    zerolog.Logger
}

func New(store *sqlite.Store, cache *repocache.Cache, opts Options) *Archiver {
	return &Archiver{
		store:  store,
		cache:  cache,
		root:   opts.Root,
		layout: opts.Layout,
		obs:    opts.Obs,
		log:    opts.Logger.With().Str("component", "mailer").Logger(),
	}
}

// MessageInput is everything Create needs. Recipient ids must belong to the
// project. An agent listed more than once keeps its first kind, To before CC
// before BCC.
type MessageInput struct {
	ProjectID   int64
	SenderID    int64
	To          []int64
	CC          []int64
	BCC         []int64
	Subject     string
	Body        string
	ThreadID    string
	Importance  string
	AckRequired bool
	Attachments []core.Attachment
}

// ArchiveError reports a message that was stored but could not be archived.
// The message stays marked unarchived until Reconcile succeeds.
type ArchiveError struct {
	MessageID int64
	Err       error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("message %d stored but not archived: %v", e.MessageID, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// Is makes every ArchiveError a backend failure, whatever the cause.
func (e *ArchiveError) Is(target error) bool { return target == core.ErrBackend }

type recipient struct {
	id   int64
	name string
	kind string
}

// record is a message with every name needed to archive it.
type record struct {
	msg         core.Message
	projectSlug string
	senderName  string
	recipients  []recipient
}

func (r record) names(kinds ...string) []string {
	out := []string{}
	for _, rc := range r.recipients {
		for _, k := range kinds {
			if rc.kind == k {
				out = append(out, rc.name)
				break
			}
		}
	}
	return out
}

// Create stores the message and its recipients in one transaction, then
// archives it. Unknown project, sender or recipients fail with NotFound before
// anything is written. If only the archive step fails, the returned
// *ArchiveError carries the id of the stored message.
func (a *Archiver) Create(ctx context.Context, in MessageInput) (int64, error) {
	if err := normalize(&in); err != nil {
		return 0, err
	}
	attachments, err := json.Marshal(in.Attachments)
	if err != nil {
		return 0, core.InvalidInput("attachments: %v", err)
	}

	var rec record
	err = a.store.Write(ctx, "create message", func(q sqlite.Querier) error {
		var err error
		if rec, err = resolve(ctx, q, in); err != nil {
			return err
		}
		now := a.store.Now()
		res, err := q.ExecContext(ctx,
			`INSERT INTO messages (project_id, sender_id, thread_id, subject, body, importance, ack_required, attachments, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ProjectID, in.SenderID, in.ThreadID, in.Subject, in.Body, in.Importance, in.AckRequired,
			string(attachments), sqlite.FormatTime(now))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		for _, r := range rec.recipients {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO message_recipients (message_id, agent_id, kind) VALUES (?, ?, ?)`,
				id, r.id, r.kind); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
		rec.msg = core.Message{
			ID:          id,
			ProjectID:   in.ProjectID,
			SenderID:    in.SenderID,
			ThreadID:    in.ThreadID,
			Subject:     in.Subject,
			Body:        in.Body,
			Importance:  in.Importance,
			AckRequired: in.AckRequired,
			Attachments: in.Attachments,
			CreatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := a.archive(ctx, rec); err != nil {
		return rec.msg.ID, err
	}
	a.log.Info().Int64("message_id", rec.msg.ID).Str("project", rec.projectSlug).
		Str("from", rec.senderName).Int("recipients", len(rec.recipients)).Msg("message created")
	return rec.msg.ID, nil
}

func normalize(in *MessageInput) error {
	in.Subject = strings.TrimSpace(in.Subject)
	if in.Subject == "" {
		return core.InvalidInput("subject is empty")
	}
	if len(in.To)+len(in.CC)+len(in.BCC) == 0 {
		return core.InvalidInput("message needs at least one recipient")
	}
	switch in.Importance {
	case "":
		in.Importance = core.ImportanceNormal
	case core.ImportanceLow, core.ImportanceNormal, core.ImportanceHigh, core.ImportanceUrgent:
	default:
		return core.InvalidInput("unknown importance %q", in.Importance)
	}
	in.ThreadID = strings.TrimSpace(in.ThreadID)
	if in.ThreadID == "" {
		in.ThreadID = uuid.NewString()
	}
	if in.Attachments == nil {
		in.Attachments = []core.Attachment{}
	}
	return nil
}

// resolve looks up every name the archive needs. It runs inside the create
// transaction, so a NotFound rolls back before any row is written.
func resolve(ctx context.Context, q sqlite.Querier, in MessageInput) (record, error) {
	var rec record
	if err := q.QueryRowContext(ctx, `SELECT slug FROM projects WHERE id = ?`, in.ProjectID).Scan(&rec.projectSlug); err != nil {
		return record{}, notFoundOr(err, "project", in.ProjectID)
	}
	var err error
	if rec.senderName, err = agentName(ctx, q, in.ProjectID, in.SenderID); err != nil {
		return record{}, err
	}

	seen := make(map[int64]bool)
	add := func(ids []int64, kind string) error {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			name, err := agentName(ctx, q, in.ProjectID, id)
			if err != nil {
				return err
			}
			rec.recipients = append(rec.recipients, recipient{id: id, name: name, kind: kind})
		}
		return nil
	}
	if err := add(in.To, core.RecipientTo); err != nil {
		return record{}, err
	}
	if err := add(in.CC, core.RecipientCC); err != nil {
		return record{}, err
	}
	if err := add(in.BCC, core.RecipientBCC); err != nil {
		return record{}, err
	}
	return rec, nil
}

func agentName(ctx context.Context, q sqlite.Querier, projectID, agentID int64) (string, error) {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT name FROM agents WHERE id = ? AND project_id = ?`, agentID, projectID).Scan(&name)
	if err != nil {
		return "", notFoundOr(err, "agent", agentID)
	}
	return name, nil
}

// archive writes every copy of the message in one commit and records the
// outcome on the message row.
func (a *Archiver) archive(ctx context.Context, rec record) error {
	commitErr := a.commit(ctx, rec)
	if commitErr != nil {
		a.observe("failed")
		a.log.Error().Err(commitErr).Int64("message_id", rec.msg.ID).Msg("archive failed, message left unarchived")
		bg := context.WithoutCancel(ctx)
		markErr := a.store.Write(bg, "mark message unarchived", func(q sqlite.Querier) error {
			_, err := q.ExecContext(bg,
				`UPDATE messages SET archived_at = NULL, archive_error = ? WHERE id = ?`,
				commitErr.Error(), rec.msg.ID)
			return err
		})
		if markErr != nil {
			a.log.Error().Err(markErr).Int64("message_id", rec.msg.ID).Msg("record archive failure")
		}
		return &ArchiveError{MessageID: rec.msg.ID, Err: commitErr}
	}

	return a.store.Write(ctx, "mark message archived", func(q sqlite.Querier) error {
		_, err := q.ExecContext(ctx,
			`UPDATE messages SET archived_at = ?, archive_error = '' WHERE id = ?`,
			sqlite.FormatTime(a.store.Now()), rec.msg.ID)
		return err
	})
}

func (a *Archiver) commit(ctx context.Context, rec record) error {
	var inboxNames []string
	for _, r := range rec.recipients {
		inboxNames = append(inboxNames, r.name)
	}
	visible := rec.names(core.RecipientTo, core.RecipientCC)

	content, err := Render(Frontmatter{
		ID:          rec.msg.ID,
		Project:     rec.projectSlug,
		From:        rec.senderName,
		To:          rec.names(core.RecipientTo),
		CC:          rec.names(core.RecipientCC),
		Subject:     rec.msg.Subject,
		ThreadID:    rec.msg.ThreadID,
		Created:     rec.msg.CreatedAt.UTC().Format(stampLayout),
		Importance:  rec.msg.Importance,
		Attachments: rec.msg.Attachments,
	}, rec.msg.Body)
	if err != nil {
		return err
	}

	layout := Paths(rec.projectSlug, rec.senderName, inboxNames, rec.msg.CreatedAt, rec.msg.Subject, rec.msg.ID)
	repoRoot, prefix := a.repoFor(rec.projectSlug)
	files := make([]archive.File, 0, len(layout.Inboxes)+2)
	for _, p := range layout.All() {
		files = append(files, archive.File{Path: strings.TrimPrefix(p, prefix), Content: content})
	}

	lease, err := a.cache.Get(ctx, repoRoot)
	if err != nil {
		return err
	}
	defer lease.Release()

	hash, err := lease.Repo().CommitFiles(ctx, CommitMessage(rec.senderName, visible, rec.msg.Subject), files)
	if err != nil {
		return err
	}
	if hash == "" {
		a.observe("unchanged")
	} else {
		a.observe("committed")
	}
	return nil
}

// repoFor returns the repository root for a project and the prefix to strip
// from archive paths to make them relative to that root.
func (a *Archiver) repoFor(projectSlug string) (root, prefix string) {
	if a.layout == RepoPerProject {
		return filepath.Join(a.root, "projects", projectSlug), "projects/" + projectSlug + "/"
	}
	return a.root, ""
}

// Reconcile archives every message left unarchived by an earlier failure, or
// older than grace without an archive record. Rewriting an already committed
// message produces no new commit. It returns how many messages it archived.
func (a *Archiver) Reconcile(ctx context.Context, grace time.Duration) (int, error) {
	var ids []int64
	cutoff := sqlite.FormatTime(a.store.Now().Add(-grace))
	err := a.store.Read(ctx, "list unarchived", func(q sqlite.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT id FROM messages WHERE archived_at IS NULL AND (archive_error != '' OR created_at <= ?) ORDER BY id`,
			cutoff)
		if err != nil {
			return fmt.Errorf("query unarchived: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	var (
		done, failed int
		firstErr     error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		rec, err := a.loadRecord(ctx, id)
		if err != nil {
			return done, err
		}
		if err := a.archive(ctx, rec); err != nil {
			var ae *ArchiveError
			if !errors.As(err, &ae) {
				return done, err
			}
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		done++
	}
	if done > 0 {
		a.log.Info().Int("messages", done).Msg("reconciled unarchived messages")
	}
	if failed > 0 {
		return done, fmt.Errorf("%d message(s) still unarchived: %w", failed, firstErr)
	}
	return done, nil
}

func (a *Archiver) loadRecord(ctx context.Context, id int64) (record, error) {
	var rec record
	err := a.store.Read(ctx, "load message", func(q sqlite.Querier) error {
		view, err := scanView(q.QueryRowContext(ctx, viewQuery+` WHERE m.id = ?`, id))
		if err != nil {
			return notFoundOr(err, "message", id)
		}
		rec.msg = view.Message
		rec.projectSlug = view.ProjectSlug
		rec.senderName = view.SenderName

		rows, err := q.QueryContext(ctx,
			`SELECT a.id, a.name, r.kind FROM message_recipients r
			 JOIN agents a ON a.id = r.agent_id
			 WHERE r.message_id = ? ORDER BY r.rowid`, id)
		if err != nil {
			return fmt.Errorf("query recipients: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r recipient
			if err := rows.Scan(&r.id, &r.name, &r.kind); err != nil {
				return fmt.Errorf("scan recipient: %w", err)
			}
			rec.recipients = append(rec.recipients, r)
		}
		return rows.Err()
	})
	return rec, err
}

func (a *Archiver) observe(result string) {
	if a.obs != nil {
		a.obs.ArchiveCommit(result)
	}
}
