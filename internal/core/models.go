package core

import "time"

// Importance levels accepted for messages.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
	ImportanceUrgent = "urgent"
)

// Recipient kinds.
const (
	RecipientTo  = "to"
	RecipientCC  = "cc"
	RecipientBCC = "bcc"
)

type Project struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedAt time.Time `json:"created_at"`
}

type Agent struct {
	ID              int64     `json:"id"`
	ProjectID       int64     `json:"project_id"`
	Name            string    `json:"name"`
	Program         string    `json:"program"`
	Model           string    `json:"model"`
	TaskDescription string    `json:"task_description"`
	InceptionAt     time.Time `json:"inception_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

type Attachment struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	MediaType string `json:"media_type,omitempty"`
}

// Message is immutable once created. ArchivedAt and ArchiveError only record
// whether the Git copy was written.
type Message struct {
	ID           int64        `json:"id"`
	ProjectID    int64        `json:"project_id"`
	SenderID     int64        `json:"sender_id"`
	ThreadID     string       `json:"thread_id"`
	Subject      string       `json:"subject"`
	Body         string       `json:"body"`
	Importance   string       `json:"importance"`
	AckRequired  bool         `json:"ack_required"`
	Attachments  []Attachment `json:"attachments"`
	CreatedAt    time.Time    `json:"created_at"`
	ArchivedAt   *time.Time   `json:"archived_at,omitempty"`
	ArchiveError string       `json:"archive_error,omitempty"`
}

// Archived reports whether the Git copy of the message was committed.
func (m Message) Archived() bool {
	return m.ArchivedAt != nil
}

type MessageRecipient struct {
	MessageID int64      `json:"message_id"`
	AgentID   int64      `json:"agent_id"`
	Kind      string     `json:"kind"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	AckAt     *time.Time `json:"ack_at,omitempty"`
}

// MessageView is a message joined with the names needed to render it.
type MessageView struct {
	Message
	ProjectSlug string   `json:"project_slug"`
	SenderName  string   `json:"sender_name"`
	Recipients  []string `json:"recipients"`
}

// FileReservation is an advisory claim on a path pattern.
type FileReservation struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	AgentID     int64      `json:"agent_id"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
}

// ActiveAt reports whether the reservation is unreleased and unexpired at now.
func (r FileReservation) ActiveAt(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// BuildSlot is a named mutex for serializing builds within a project.
type BuildSlot struct {
	ID         int64      `json:"id"`
	ProjectID  int64      `json:"project_id"`
	AgentID    int64      `json:"agent_id"`
	SlotName   string     `json:"slot_name"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

func (s BuildSlot) ActiveAt(now time.Time) bool {
	return s.ReleasedAt == nil && s.ExpiresAt.After(now)
}
