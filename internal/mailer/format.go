package mailer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/slug"
)

// stampLayout is the compact UTC form used in frontmatter and file names.
const stampLayout = "2006-01-02T15-04-05Z"

// Frontmatter is the JSON header of an archived message. Field order is the
// on-disk order.
type Frontmatter struct {
	ID          int64             `json:"id"`
	Project     string            `json:"project"`
	From        string            `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	Subject     string            `json:"subject"`
	ThreadID    string            `json:"thread_id"`
	Created     string            `json:"created"`
	Importance  string            `json:"importance"`
	Attachments []core.Attachment `json:"attachments,omitempty"`
}

// Render returns the archived form of a message: a ---json fenced header
// followed by a blank line and the body verbatim.
func Render(fm Frontmatter, body string) ([]byte, error) {
	var hdr bytes.Buffer
	enc := json.NewEncoder(&hdr)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fm); err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}

	var out bytes.Buffer
	out.Grow(hdr.Len() + len(body) + 16)
	out.WriteString("---json\n")
	out.Write(bytes.TrimRight(hdr.Bytes(), "\n"))
	out.WriteString("\n---\n\n")
	out.WriteString(body)
	return out.Bytes(), nil
}

// Parse splits an archived message back into header and body.
func Parse(data []byte) (Frontmatter, string, error) {
	const fenceOpen, fenceClose = "---json\n", "\n---\n\n"
	s := string(data)
	if !strings.HasPrefix(s, fenceOpen) {
		return Frontmatter{}, "", core.InvalidInput("archived message has no frontmatter")
	}
	end := strings.Index(s[len(fenceOpen):], fenceClose)
	if end < 0 {
		return Frontmatter{}, "", core.InvalidInput("archived message frontmatter is not terminated")
	}
	var fm Frontmatter
	if err := json.Unmarshal([]byte(s[len(fenceOpen):len(fenceOpen)+end]), &fm); err != nil {
		return Frontmatter{}, "", core.InvalidInput("archived message frontmatter: %v", err)
	}
	return fm, s[len(fenceOpen)+end+len(fenceClose):], nil
}

// Layout is where a message's copies live, relative to the archive root.
type Layout struct {
	Canonical string
	Outbox    string
	Inboxes   []string
}

// All returns every path, canonical first.
func (l Layout) All() []string {
	return append([]string{l.Canonical, l.Outbox}, l.Inboxes...)
}

// Paths builds the canonical, outbox and inbox paths of a message. All copies
// share one file name under the same year/month directories.
func Paths(projectSlug, sender string, recipients []string, created time.Time, subject string, id int64) Layout {
	created = created.UTC()
	name := fmt.Sprintf("%s__%s__%d.md", created.Format(stampLayout), slug.Make(subject, "message"), id)
	ym := path.Join(created.Format("2006"), created.Format("01"))
	base := path.Join("projects", projectSlug)

	l := Layout{
		Canonical: path.Join(base, "messages", ym, name),
		Outbox:    path.Join(base, "agents", sender, "outbox", ym, name),
		Inboxes:   make([]string, 0, len(recipients)),
	}
	for _, r := range recipients {
		l.Inboxes = append(l.Inboxes, path.Join(base, "agents", r, "inbox", ym, name))
	}
	return l
}

// CommitMessage summarizes a message for the archive history.
func CommitMessage(sender string, recipients []string, subject string) string {
	return fmt.Sprintf("mail: %s -> %s | %s", sender, strings.Join(recipients, ", "), subject)
}
