package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/mistakeknot/intermail/internal/core"
)

func sendTestMessage(t *testing.T, env *testEnv, body map[string]any) core.MessageView {
	t.Helper()
	resp := env.post(t, env.projectPath("/messages"), body)
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[core.MessageView](t, resp)
}

func TestSendMessageAndFetchInbox(t *testing.T) {
	env := newTestEnv(t)
	msg := sendTestMessage(t, env, map[string]any{
		"from":      "Alice",
		"to":        []string{"Bob"},
		"cc":        []string{"Carol"},
		"subject":   "Parser split",
		"body":      "take the lexer",
		"thread_id": "parser",
	})
	if msg.ArchivedAt == nil || msg.SenderName != "Alice" || len(msg.Recipients) != 2 {
		t.Fatalf("unexpected message %+v", msg)
	}

	for _, who := range []string{"Bob", "Carol"} {
		inbox := decodeJSON[struct {
			Messages []core.MessageView `json:"messages"`
		}](t, env.get(t, env.projectPath("/agents/"+who+"/inbox")))
		if len(inbox.Messages) != 1 || inbox.Messages[0].ID != msg.ID {
			t.Fatalf("%s: expected message %d in inbox, got %+v", who, msg.ID, inbox.Messages)
		}
	}

	outbox := decodeJSON[struct {
		Messages []core.MessageView `json:"messages"`
	}](t, env.get(t, env.projectPath("/agents/Alice/outbox?limit=5")))
	if len(outbox.Messages) != 1 {
		t.Fatalf("expected 1 outbox message, got %d", len(outbox.Messages))
	}

	thread := decodeJSON[struct {
		Messages []core.MessageView `json:"messages"`
	}](t, env.get(t, env.projectPath("/threads/parser")))
	if len(thread.Messages) != 1 {
		t.Fatalf("expected 1 thread message, got %d", len(thread.Messages))
	}

	got := decodeJSON[core.MessageView](t, env.get(t, fmt.Sprintf("/api/messages/%d", msg.ID)))
	if got.Body != "take the lexer" {
		t.Fatalf("unexpected body %q", got.Body)
	}
}

func TestSendMessageUnknownRecipient(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, env.projectPath("/messages"), map[string]any{
		"from": "Alice", "to": []string{"Zed"}, "subject": "hi", "body": "x",
	})
	requireError(t, resp, http.StatusNotFound, CodeNotFound)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, env.projectPath("/messages"), map[string]any{
		"from": "Alice", "to": []string{"Bob"}, "subject": "", "body": "x",
	})
	requireError(t, resp, http.StatusBadRequest, CodeInvalidInput)

	resp = env.post(t, env.projectPath("/messages"), map[string]any{
		"from": "Alice", "to": []string{"Bob"}, "subject": "s", "importance": "meh",
	})
	requireError(t, resp, http.StatusBadRequest, CodeInvalidInput)
}

func TestSendMessageArchiveFailureKeepsID(t *testing.T) {
	env := newTestEnv(t)
	root := env.app.Config.Storage.Root
	if err := os.MkdirAll(filepath.Dir(root), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root, []byte("blocked"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp := env.post(t, env.projectPath("/messages"), map[string]any{
		"from": "Alice", "to": []string{"Bob"}, "subject": "lost?", "body": "x",
	})
	body := requireError(t, resp, http.StatusInternalServerError, CodeInternal)
	if body.MessageID == 0 {
		t.Fatalf("expected message id in error body")
	}
	got := decodeJSON[core.MessageView](t, env.get(t, fmt.Sprintf("/api/messages/%d", body.MessageID)))
	if got.ArchivedAt != nil || got.ArchiveError == "" {
		t.Fatalf("expected unarchived message, got %+v", got)
	}
}

func TestMessageReadAndAck(t *testing.T) {
	env := newTestEnv(t)
	msg := sendTestMessage(t, env, map[string]any{
		"from": "Alice", "to": []string{"Bob"}, "subject": "please ack", "body": "x", "ack_required": true,
	})
	base := fmt.Sprintf("/api/messages/%d", msg.ID)

	resp := env.post(t, base+"/read", map[string]any{"agent": "Bob"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = env.post(t, base+"/ack", map[string]any{"agent": "Bob"})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	recips := decodeJSON[struct {
		Recipients []core.MessageRecipient `json:"recipients"`
	}](t, env.get(t, base+"/recipients"))
	if len(recips.Recipients) != 1 || recips.Recipients[0].ReadAt == nil || recips.Recipients[0].AckAt == nil {
		t.Fatalf("expected read and ack recorded, got %+v", recips.Recipients)
	}

	requireError(t, env.post(t, base+"/ack", map[string]any{"agent": "Carol"}), http.StatusNotFound, CodeNotFound)
}

func TestSearchMessages(t *testing.T) {
	env := newTestEnv(t)
	msg := sendTestMessage(t, env, map[string]any{
		"from": "Alice", "to": []string{"Bob"}, "subject": "The quick brown fox", "body": "jumps",
	})
	sendTestMessage(t, env, map[string]any{
		"from": "Bob", "to": []string{"Alice"}, "subject": "Lunch", "body": "noon?",
	})

	type result struct {
		Messages []core.MessageView `json:"messages"`
	}
	got := decodeJSON[result](t, env.get(t, env.projectPath(`/messages/search?q=%22brown+fox%22`)))
	if len(got.Messages) != 1 || got.Messages[0].ID != msg.ID {
		t.Fatalf("phrase search: %+v", got.Messages)
	}
	got = decodeJSON[result](t, env.get(t, env.projectPath("/messages/search?q=qui*&limit=5")))
	if len(got.Messages) != 1 {
		t.Fatalf("prefix search: %+v", got.Messages)
	}
	got = decodeJSON[result](t, env.get(t, env.projectPath(`/messages/search?q=%22unclosed`)))
	if len(got.Messages) != 0 {
		t.Fatalf("malformed query should match nothing: %+v", got.Messages)
	}

	requireError(t, env.get(t, env.projectPath("/messages/search?q=")), http.StatusBadRequest, CodeInvalidInput)
	requireError(t, env.get(t, "/api/projects/nope/messages/search?q=fox"), http.StatusNotFound, CodeNotFound)
}
