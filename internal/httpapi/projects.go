package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/tenant"
)

// starterPackAgents are the 4 default agents materialized for every
// newly created project (spec §6): fixed semantic roles, each with its
// own default system prompt, temperature, and token ceiling.
var starterPackAgents = []struct {
	name         string
	systemPrompt string
	temperature  float64
	maxTokens    int
}{
	{"coder", "You write and modify code. Favor small, correct, well-tested changes.", 0.2, 4096},
	{"analyzer", "You analyze code, data, and logs to explain behavior and find root causes.", 0.3, 4096},
	{"writer", "You write clear prose: documentation, summaries, commit messages, explanations.", 0.6, 2048},
	{"researcher", "You gather and synthesize information from available context before answering.", 0.4, 4096},
}

type projectRequest struct {
	Name          string  `json:"name"`
	WorkspacePath *string `json:"workspace_path,omitempty"`
}

type projectResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WorkspacePath *string `json:"workspace_path,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func projectToResponse(p *store.Project) projectResponse {
	return projectResponse{
		ID:            p.ID,
		Name:          p.Name,
		WorkspacePath: p.WorkspacePath,
		CreatedAt:     p.CreatedAt.Format(timeLayout),
		UpdatedAt:     p.UpdatedAt.Format(timeLayout),
	}
}

// createProject creates a project and materializes its starter pack of
// 4 default agents, each registered with the Agent Bus and with its
// vector collection name reserved, before the response is written —
// so a client's very next call (create a session, send a message) has
// agents to route to.
func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())

	var req projectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, validationError("name is required"))
		return
	}

	proj, err := s.Store.CreateProject(r.Context(), tc.UserID, req.Name, req.WorkspacePath)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.materializeStarterPack(r.Context(), tc.UserID, proj.ID); err != nil {
		s.Logger.Error("starter pack materialization failed", "project_id", proj.ID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, projectToResponse(proj))
}

// materializeStarterPack creates the 4 default agents under projectID
// and, via the project's Worker Space, registers each with the Agent
// Bus and resolves its vector collection name (spec §6).
func (s *Server) materializeStarterPack(ctx context.Context, userID, projectID string) error {
	space, err := s.Registry.GetOrCreate(ctx, userID, projectID)
	if err != nil {
		return err
	}
	for _, a := range starterPackAgents {
		agent, err := s.Store.CreateAgent(ctx, userID, projectID, a.name, store.AgentConfig{
			Model:            "default",
			Temperature:      a.temperature,
			MaxTokens:        a.maxTokens,
			ConcurrencyLimit: 2,
			SystemPrompt:     a.systemPrompt,
			Description:      a.systemPrompt,
		})
		if err != nil {
			return err
		}
		if _, err := space.GetAgent(ctx, agent.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projects, err := s.Store.ListProjects(r.Context(), tc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]projectResponse, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectToResponse(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	proj, err := s.Store.GetProject(r.Context(), tc.UserID, chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectToResponse(proj))
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	var req projectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, validationError("name is required"))
		return
	}
	if err := s.Store.UpdateProject(r.Context(), tc.UserID, projectID, req.Name, req.WorkspacePath); err != nil {
		writeError(w, err)
		return
	}
	proj, err := s.Store.GetProject(r.Context(), tc.UserID, projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectToResponse(proj))
}

func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	if err := s.Store.DeleteProject(r.Context(), tc.UserID, projectID); err != nil {
		writeError(w, err)
		return
	}
	s.Registry.Remove(r.Context(), tc.UserID, projectID)
	w.WriteHeader(http.StatusNoContent)
}
