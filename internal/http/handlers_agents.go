package httpapi

import (
	"net/http"

	"github.com/mistakeknot/intermail/internal/core"
)

type ensureProjectRequest struct {
	HumanKey string `json:"human_key"`
}

type registerAgentRequest struct {
	Name            string `json:"name"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description"`
}

func (s *Service) handleEnsureProject(w http.ResponseWriter, r *http.Request) {
	var req ensureProjectRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	p, err := s.store.EnsureProject(r.Context(), req.HumanKey)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Service) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleRegisterAgent creates or updates an agent. An empty name gets a
// generated one.
func (s *Service) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	var req registerAgentRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err, "")
		return
	}
	a, err := s.store.RegisterAgent(r.Context(), core.Agent{
		ProjectID:       p.ID,
		Name:            req.Name,
		Program:         req.Program,
		Model:           req.Model,
		TaskDescription: req.TaskDescription,
	})
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	agents, err := s.store.ListAgents(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Service) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	p, err := s.project(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	a, err := s.agent(r.Context(), p.ID, r.PathValue("agent"), false)
	if err != nil {
		s.writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, a)
}
