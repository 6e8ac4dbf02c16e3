// Package client is a Go client for the intermail HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Project string
}

type Option func(*Client)

// WithProject sets the project slug used by project-scoped calls.
func WithProject(slug string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(slug)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Conflicts []core.ConflictDetail
	MessageID int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("intermail: %d %s: %s", e.Status, e.Code, e.Message)
}

// Is maps response codes onto the core error kinds, so callers can test with
// errors.Is(err, core.ErrConflict) and friends.
func (e *APIError) Is(target error) bool {
	switch e.Code {
	case "NOT_FOUND":
		return target == core.ErrNotFound
	case "INVALID_INPUT":
		return target == core.ErrInvalidInput
	case "RESERVATION_CONFLICT", "SLOT_CONFLICT":
		return target == core.ErrConflict
	case "INTERNAL":
		return target == core.ErrBackend
	}
	return false
}

type Agent struct {
	Name            string `json:"name,omitempty"`
	Program         string `json:"program,omitempty"`
	Model           string `json:"model,omitempty"`
	TaskDescription string `json:"task_description,omitempty"`
}

type Message struct {
	From        string            `json:"from"`
	To          []string          `json:"to"`
	CC          []string          `json:"cc,omitempty"`
	BCC         []string          `json:"bcc,omitempty"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Importance  string            `json:"importance,omitempty"`
	AckRequired bool              `json:"ack_required,omitempty"`
	Attachments []core.Attachment `json:"attachments,omitempty"`
}

// Reservation asks for a claim on PathPattern. Exclusive defaults to true on
// the server when nil. A zero TTL uses the server default.
type Reservation struct {
	Agent       string
	PathPattern string
	Exclusive   *bool
	Reason      string
	TTL         time.Duration
}

// Granted is the stored reservation plus the overlaps it was granted over.
type Granted struct {
	Reservation core.FileReservation  `json:"reservation"`
	Conflicts   []core.ConflictDetail `json:"conflicts"`
}

type Health struct {
	Status  string `json:"status"`
	Breaker string `json:"breaker"`
}

func (c *Client) EnsureProject(ctx context.Context, humanKey string) (core.Project, error) {
	var out core.Project
	err := c.do(ctx, http.MethodPost, "/api/projects", map[string]string{"human_key": humanKey}, &out)
	return out, err
}

// RegisterAgent creates or updates an agent in the client's project.
func (c *Client) RegisterAgent(ctx context.Context, a Agent) (core.Agent, error) {
	var out core.Agent
	err := c.do(ctx, http.MethodPost, c.projectPath("/agents"), a, &out)
	return out, err
}

func (c *Client) ListAgents(ctx context.Context) ([]core.Agent, error) {
	var out struct {
		Agents []core.Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("/agents"), nil, &out)
	return out.Agents, err
}

func (c *Client) SendMessage(ctx context.Context, msg Message) (core.MessageView, error) {
	var out core.MessageView
	err := c.do(ctx, http.MethodPost, c.projectPath("/messages"), msg, &out)
	return out, err
}

func (c *Client) GetMessage(ctx context.Context, id int64) (core.MessageView, error) {
	var out core.MessageView
	err := c.do(ctx, http.MethodGet, "/api/messages/"+strconv.FormatInt(id, 10), nil, &out)
	return out, err
}

// Inbox lists the newest messages addressed to agent. limit <= 0 uses the
// server default.
func (c *Client) Inbox(ctx context.Context, agent string, limit int) ([]core.MessageView, error) {
	return c.mailbox(ctx, agent, "inbox", limit)
}

func (c *Client) Outbox(ctx context.Context, agent string, limit int) ([]core.MessageView, error) {
	return c.mailbox(ctx, agent, "outbox", limit)
}

func (c *Client) mailbox(ctx context.Context, agent, box string, limit int) ([]core.MessageView, error) {
	p := c.projectPath("/agents/" + url.PathEscape(agent) + "/" + box)
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []core.MessageView `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, p, nil, &out)
	return out.Messages, err
}

func (c *Client) Thread(ctx context.Context, threadID string) ([]core.MessageView, error) {
	var out struct {
		Messages []core.MessageView `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("/threads/"+url.PathEscape(threadID)), nil, &out)
	return out.Messages, err
}

// Search runs a full-text query over subject and body in the client's project.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]core.MessageView, error) {
	q := url.Values{}
	q.Set("q", query)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Messages []core.MessageView `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("/messages/search?"+q.Encode()), nil, &out)
	return out.Messages, err
}

func (c *Client) MarkRead(ctx context.Context, id int64, agent string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+strconv.FormatInt(id, 10)+"/read", map[string]string{"agent": agent}, nil)
}

func (c *Client) Acknowledge(ctx context.Context, id int64, agent string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+strconv.FormatInt(id, 10)+"/ack", map[string]string{"agent": agent}, nil)
}

func (c *Client) Reserve(ctx context.Context, r Reservation) (Granted, error) {
	body := struct {
		Agent       string `json:"agent"`
		PathPattern string `json:"path_pattern"`
		Exclusive   *bool  `json:"exclusive,omitempty"`
		Reason      string `json:"reason,omitempty"`
		TTLSeconds  int64  `json:"ttl_seconds,omitempty"`
	}{r.Agent, r.PathPattern, r.Exclusive, r.Reason, int64(r.TTL / time.Second)}
	var out Granted
	err := c.do(ctx, http.MethodPost, c.projectPath("/reservations"), body, &out)
	return out, err
}

func (c *Client) CheckConflicts(ctx context.Context, agent, pattern string, exclusive bool) ([]core.ConflictDetail, error) {
	q := url.Values{}
	q.Set("agent", agent)
	q.Set("pattern", pattern)
	q.Set("exclusive", strconv.FormatBool(exclusive))
	var out struct {
		Conflicts []core.ConflictDetail `json:"conflicts"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("/reservations/conflicts?"+q.Encode()), nil, &out)
	return out.Conflicts, err
}

func (c *Client) ReleaseReservation(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/api/reservations/"+strconv.FormatInt(id, 10)+"/release", struct{}{}, nil)
}

func (c *Client) AcquireSlot(ctx context.Context, agent, slot string, ttl time.Duration) (core.BuildSlot, error) {
	body := map[string]any{"agent": agent, "slot": slot}
	if ttl > 0 {
		body["ttl_seconds"] = int64(ttl / time.Second)
	}
	var out core.BuildSlot
	err := c.do(ctx, http.MethodPost, c.projectPath("/slots"), body, &out)
	return out, err
}

func (c *Client) ReleaseSlot(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/api/slots/"+strconv.FormatInt(id, 10)+"/release", struct{}{}, nil)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}

func (c *Client) projectPath(suffix string) string {
	return "/api/projects/" + url.PathEscape(c.Project) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Code      string                `json:"code"`
		Error     string                `json:"error"`
		Conflicts []core.ConflictDetail `json:"conflicts"`
		MessageID int64                 `json:"message_id"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &body); err != nil || body.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{
		Status:    resp.StatusCode,
		Code:      body.Code,
		Message:   body.Error,
		Conflicts: body.Conflicts,
		MessageID: body.MessageID,
	}
}

// IsConflict returns the conflicts carried by a 409 response.
func IsConflict(err error) ([]core.ConflictDetail, bool) {
	var ae *APIError
	if errors.As(err, &ae) && errors.Is(ae, core.ErrConflict) {
		return ae.Conflicts, true
	}
	return nil, false
}
