package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/tenant"
)

type approvalResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Payload    any    `json:"payload"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

func approvalToResponse(req *store.ApprovalRequest) approvalResponse {
	out := approvalResponse{
		ID:        req.ID,
		Type:      string(req.Type),
		Status:    req.Status.String(),
		Payload:   req.Payload,
		CreatedAt: req.CreatedAt.Format(timeLayout),
	}
	if req.ResolvedAt != nil {
		out.ResolvedAt = req.ResolvedAt.Format(timeLayout)
	}
	return out
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	requests, err := s.Store.ListPendingApprovals(r.Context(), tc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]approvalResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, approvalToResponse(req))
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveApprovalRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	approvalID := chi.URLParam(r, "approvalID")

	var req resolveApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := s.Approvals.Resolve(r.Context(), approvalID, tc.UserID, req.Approve, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
