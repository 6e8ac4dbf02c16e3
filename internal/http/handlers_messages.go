package httpapi

import (
	"context"
	"net/http"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/mailer"
)

type sendMessageRequest struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc"`
	BCC         []string          `json:"bcc"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ThreadID    string            `json:"thread_id"`
	Importance  string            `json:"importance"`
	AckRequired bool              `json:"ack_required"`
	Attachments []core.Attachment `json:"attachments"`
}

type recipientRequest struct {
	Agent string `json:"agent"`
}

// handleSendMessage stores and archives a message. If only archiving fails,
// the 500 body still carries the stored message id.
func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	var body sendMessageRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	sender, err := s.agent(ctx, p.ID, body.From, true)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	in := mailer.MessageInput{
		ProjectID:   p.ID,
		SenderID:    sender.ID,
		Subject:     body.Subject,
		Body:        body.Body,
		ThreadID:    body.ThreadID,
		Importance:  body.Importance,
		AckRequired: body.AckRequired,
		Attachments: body.Attachments,
	}
	if in.To, err = s.agents(ctx, p.ID, body.To); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if in.CC, err = s.agents(ctx, p.ID, body.CC); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if in.BCC, err = s.agents(ctx, p.ID, body.BCC); err != nil {
		s.writeError(w, r, err, "")
		return
	}

	id, err := s.mail.Create(ctx, in)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	msg, err := s.mail.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Service) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	msg, err := s.mail.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) handleRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if _, err := s.mail.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	recips, err := s.mail.Recipients(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": recips})
}

func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	s.mailbox(w, r, s.mail.ListInboxForAgent)
}

func (s *Service) handleOutbox(w http.ResponseWriter, r *http.Request) {
	s.mailbox(w, r, s.mail.ListOutboxForAgent)
}

type mailboxFunc func(ctx context.Context, projectID, agentID int64, limit int) ([]core.MessageView, error)

func (s *Service) mailbox(w http.ResponseWriter, r *http.Request, list mailboxFunc) {
	ctx := r.Context()
	p, err := s.project(ctx, r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	a, err := s.agent(ctx, p.ID, r.PathValue("agent"), false)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	msgs, err := list(ctx, p.ID, a.ID, limit)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleThread lists a thread oldest first.
func (s *Service) handleThread(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	msgs, err := s.mail.ListThread(r.Context(), p.ID, r.PathValue("thread"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleSearch runs ?q= as a full-text query; ?limit= caps the result.
func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	msgs, err := s.mail.SearchMessages(r.Context(), p.ID, r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Service) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	s.touchRecipient(w, r, s.mail.MarkRead, "read")
}

func (s *Service) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.touchRecipient(w, r, s.mail.Acknowledge, "acknowledged")
}

// touchRecipient resolves the agent within the message's project before
// recording the read or acknowledgement.
func (s *Service) touchRecipient(w http.ResponseWriter, r *http.Request, mark func(context.Context, int64, int64) error, field string) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	var body recipientRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	msg, err := s.mail.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	a, err := s.agent(ctx, msg.ProjectID, body.Agent, true)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	if err := mark(ctx, id, a.ID); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, field: true})
}
