package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
)

func TestClientFailsWithoutServer(t *testing.T) {
	c := New("http://127.0.0.1:1", WithProject("widget"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.SendMessage(ctx, Message{From: "a", To: []string{"b"}, Subject: "s", Body: "hi"})
	if err == nil {
		t.Fatalf("expected failure without server")
	}
}

func TestClientDecodesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/projects/widget/slots" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["slot"] != "build" || body["ttl_seconds"] != float64(60) {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":      "SLOT_CONFLICT",
			"error":     "conflict: build held by Bob",
			"conflicts": []map[string]any{{"resource": "build", "slot_id": 7, "holder_id": 2, "holder_name": "Bob"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithProject("widget"))
	_, err := c.AcquireSlot(context.Background(), "Alice", "build", time.Minute)
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	conflicts, ok := IsConflict(err)
	if !ok || len(conflicts) != 1 || conflicts[0].HolderName != "Bob" || conflicts[0].SlotID != 7 {
		t.Fatalf("conflicts = %+v ok=%v", conflicts, ok)
	}
}

func TestClientErrorKinds(t *testing.T) {
	cases := map[string]error{
		"NOT_FOUND":     core.ErrNotFound,
		"INVALID_INPUT": core.ErrInvalidInput,
		"INTERNAL":      core.ErrBackend,
	}
	for code, want := range cases {
		err := &APIError{Status: 400, Code: code}
		if !errors.Is(err, want) {
			t.Fatalf("%s: errors.Is(%v) = false", code, want)
		}
		if errors.Is(err, core.ErrConflict) {
			t.Fatalf("%s matched conflict", code)
		}
	}
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Health(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusBadGateway || ae.Message != "bad gateway" {
		t.Fatalf("err = %#v", err)
	}
}

func TestClientArchiveFailureCarriesMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code": "INTERNAL", "error": "message stored but not archived", "message_id": 42,
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL, WithProject("widget")).SendMessage(context.Background(), Message{From: "a", To: []string{"b"}})
	var ae *APIError
	if !errors.As(err, &ae) || ae.MessageID != 42 {
		t.Fatalf("err = %#v", err)
	}
}
