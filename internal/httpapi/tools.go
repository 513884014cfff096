package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentcore/platform/internal/tenant"
)

type toolResultRequest struct {
	Result string `json:"result"`
	Failed bool   `json:"failed"`
}

// postToolResult unblocks the agent task parked in tool.Mediator's
// ExecuteTool, per spec §4.7 step 7. The client is trusted to only
// post a result for an execution it was signaled for; the mediator's
// own CAS guard (execution must currently be "executing") is what
// actually rejects a stale or duplicate post.
func (s *Server) postToolResult(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	execID := chi.URLParam(r, "execID")

	exec, err := s.Store.GetToolExecution(r.Context(), execID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.Store.GetSession(r.Context(), tc.UserID, exec.SessionID); err != nil {
		writeError(w, err)
		return
	}

	var req toolResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Tools.PostResult(r.Context(), execID, req.Result, req.Failed); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
