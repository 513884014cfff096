package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/tenant"
)

type agentRequest struct {
	Name   string           `json:"name"`
	Config store.AgentConfig `json:"config"`
}

type agentResponse struct {
	ID        string             `json:"id"`
	ProjectID string             `json:"project_id"`
	Name      string             `json:"name"`
	Config    store.AgentConfig  `json:"config"`
	Status    store.AgentStatus  `json:"status"`
	CreatedAt string             `json:"created_at"`
}

func agentToResponse(a *store.Agent) agentResponse {
	return agentResponse{
		ID:        a.ID,
		ProjectID: a.ProjectID,
		Name:      a.Name,
		Config:    a.Config,
		Status:    a.Status,
		CreatedAt: a.CreatedAt.Format(timeLayout),
	}
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, validationError("name is required"))
		return
	}

	agent, err := s.Store.CreateAgent(r.Context(), tc.UserID, projectID, req.Name, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentToResponse(agent))
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	agents, err := s.Store.ListAgents(r.Context(), tc.UserID, chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentToResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	agent, err := s.Store.GetAgent(r.Context(), tc.UserID, chi.URLParam(r, "agentID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if agent.ProjectID != chi.URLParam(r, "projectID") {
		writeError(w, notFoundError("agent"))
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(agent))
}

// updateAgent replaces an agent's configuration and invalidates its
// cached descriptor in the owning Worker Space, if one has already
// been materialized, so the next dispatch picks up the new
// concurrency_limit/system_prompt immediately instead of waiting out
// the cache TTL.
func (s *Server) updateAgent(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")
	agentID := chi.URLParam(r, "agentID")

	var req agentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Store.UpdateAgentConfig(r.Context(), tc.UserID, agentID, req.Config); err != nil {
		writeError(w, err)
		return
	}

	if space := s.Registry.Get(tc.UserID, projectID); space != nil {
		space.InvalidateAgent(agentID)
	}

	agent, err := s.Store.GetAgent(r.Context(), tc.UserID, agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentToResponse(agent))
}

func (s *Server) deleteAgent(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")
	agentID := chi.URLParam(r, "agentID")

	if err := s.Store.DeleteAgent(r.Context(), tc.UserID, agentID); err != nil {
		writeError(w, err)
		return
	}
	if space := s.Registry.Get(tc.UserID, projectID); space != nil {
		space.InvalidateAgent(agentID)
	}
	w.WriteHeader(http.StatusNoContent)
}
