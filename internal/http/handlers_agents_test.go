package httpapi

import (
	"net/http"
	"testing"

	"github.com/mistakeknot/intermail/internal/core"
)

func TestEnsureProjectIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/projects", map[string]any{"human_key": "/srv/widget"})
	requireStatus(t, resp, http.StatusOK)
	p := decodeJSON[core.Project](t, resp)
	if p.Slug != env.project {
		t.Fatalf("expected slug %q, got %q", env.project, p.Slug)
	}

	list := decodeJSON[struct {
		Projects []core.Project `json:"projects"`
	}](t, env.get(t, "/api/projects"))
	if len(list.Projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(list.Projects))
	}
}

func TestEnsureProjectRequiresKey(t *testing.T) {
	env := newTestEnv(t)
	requireError(t, env.post(t, "/api/projects", map[string]any{}), http.StatusBadRequest, CodeInvalidInput)
}

func TestRegisterAgentGeneratesName(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, env.projectPath("/agents"), map[string]any{"program": "codex", "model": "m1"})
	requireStatus(t, resp, http.StatusOK)
	a := decodeJSON[core.Agent](t, resp)
	if a.Name == "" || a.Program != "codex" {
		t.Fatalf("unexpected agent %+v", a)
	}

	got := decodeJSON[core.Agent](t, env.get(t, env.projectPath("/agents/"+a.Name)))
	if got.ID != a.ID {
		t.Fatalf("expected agent %d, got %d", a.ID, got.ID)
	}

	list := decodeJSON[struct {
		Agents []core.Agent `json:"agents"`
	}](t, env.get(t, env.projectPath("/agents")))
	if len(list.Agents) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(list.Agents))
	}
}

func TestRegisterAgentRejectsBadName(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, env.projectPath("/agents"), map[string]any{"name": "../etc"})
	requireError(t, resp, http.StatusBadRequest, CodeInvalidInput)
}

func TestUnknownProjectAndAgent(t *testing.T) {
	env := newTestEnv(t)
	requireError(t, env.get(t, "/api/projects/nope"), http.StatusNotFound, CodeNotFound)
	requireError(t, env.get(t, env.projectPath("/agents/Zed")), http.StatusNotFound, CodeNotFound)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/healthz")
	requireStatus(t, resp, http.StatusOK)
	body := decodeJSON[map[string]string](t, resp)
	if body["status"] != "ok" || body["breaker"] != "closed" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/metrics")
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
