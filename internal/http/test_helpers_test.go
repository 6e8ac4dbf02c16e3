package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/app"
	"github.com/mistakeknot/intermail/internal/config"
)

// testEnv bundles a fully wired App behind an httptest.Server. Every env gets
// a fresh project "widget" with agents Alice, Bob and Carol.
type testEnv struct {
	srv     *httptest.Server
	app     *app.App
	project string
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, func(*config.Config) {})
}

func newTestEnvWith(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Root = filepath.Join(dir, "archive")
	cfg.Storage.DBPath = filepath.Join(dir, "intermail.db")
	mutate(&cfg)

	a, err := app.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	srv := httptest.NewServer(NewRouter(NewService(a)))
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, app: a}

	resp := env.post(t, "/api/projects", map[string]any{"human_key": "/srv/widget"})
	requireStatus(t, resp, http.StatusOK)
	env.project = decodeJSON[map[string]any](t, resp)["slug"].(string)
	for _, name := range []string{"Alice", "Bob", "Carol"} {
		resp := env.post(t, env.projectPath("/agents"), map[string]any{"name": name, "program": "test"})
		requireStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
	return env
}

func (e *testEnv) projectPath(suffix string) string {
	return "/api/projects/" + e.project + suffix
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func requireError(t *testing.T, resp *http.Response, status int, code string) errorResponse {
	t.Helper()
	requireStatus(t, resp, status)
	body := decodeJSON[errorResponse](t, resp)
	if body.Code != code {
		t.Fatalf("expected code %s, got %s (%s)", code, body.Code, body.Error)
	}
	return body
}
