package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/tenant"
)

type sessionResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	CreatedAt string `json:"created_at"`
}

func sessionToResponse(sess *store.Session) sessionResponse {
	return sessionResponse{ID: sess.ID, ProjectID: sess.ProjectID, CreatedAt: sess.CreatedAt.Format(timeLayout)}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	if _, err := s.Store.GetProject(r.Context(), tc.UserID, projectID); err != nil {
		writeError(w, err)
		return
	}

	sess, err := s.Store.CreateSession(r.Context(), tc.UserID, projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionToResponse(sess))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	sessions, err := s.Store.ListSessions(r.Context(), tc.UserID, chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	sess, err := s.Store.GetSession(r.Context(), tc.UserID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ProjectID != chi.URLParam(r, "projectID") {
		writeError(w, notFoundError("session"))
		return
	}
	writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	if err := s.Store.DeleteSession(r.Context(), tc.UserID, chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	Content      string  `json:"content"`
	TargetAgent  *string `json:"target_agent,omitempty"`
}

type sendMessageResponse struct {
	UserMessageID      string `json:"user_message_id"`
	AssistantMessageID string `json:"assistant_message_id"`
	AgentID            string `json:"agent_id"`
	Content            string `json:"content"`
}

// sendMessage implements spec §8's testable property for one chat
// turn: the user message and, when a target_agent was named, the
// direct_agent_call signal are written transactionally as two ordered
// outbox events off the same WriteWithEvents call, so the outbox
// Loop publishes message_created(user) before direct_agent_call —
// matching scenario A's required stream order — instead of racing the
// outbox's own async flush with a synchronous stream push. Dispatch
// then runs through the project's Worker Space, and the assistant's
// reply is written transactionally with its own
// message_created(assistant) outbox event.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.Store.GetSession(r.Context(), tc.UserID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ProjectID != projectID {
		writeError(w, notFoundError("session"))
		return
	}

	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, validationError("content is required"))
		return
	}

	history, err := s.Store.GetMessagesSince(r.Context(), sessionID, time.Time{})
	if err != nil {
		writeError(w, err)
		return
	}

	userMsg := &store.Message{ID: uuid.NewString(), SessionID: sessionID, Role: store.MessageRoleUser, Content: req.Content}
	events := []store.EventIntent{{
		AggregateType: "message",
		AggregateID:   userMsg.ID,
		UserID:        tc.UserID,
		ProjectID:     projectID,
		EventType:     "message_created",
		Payload: map[string]any{
			"session_id": sessionID,
			"role":       userMsg.Role,
			"content":    userMsg.Content,
			"message_id": userMsg.ID,
		},
	}}
	if req.TargetAgent != nil {
		events = append(events, store.EventIntent{
			AggregateType: "direct_agent_call",
			AggregateID:   uuid.NewString(),
			UserID:        tc.UserID,
			ProjectID:     projectID,
			EventType:     "direct_agent_call",
			Payload: map[string]any{
				"session_id": sessionID,
				"agent_id":   *req.TargetAgent,
			},
		})
	}
	if _, err := s.Store.WriteWithEvents(r.Context(),
		func(ctx context.Context) error { return s.Store.SaveMessage(ctx, userMsg) },
		events,
	); err != nil {
		writeError(w, err)
		return
	}

	space, err := s.Registry.GetOrCreate(r.Context(), tc.UserID, projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := space.HandleMessage(r.Context(), sessionID, req.Content, req.TargetAgent, history, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	agentID := ""
	if req.TargetAgent != nil {
		agentID = *req.TargetAgent
	}

	assistantMsg := &store.Message{ID: uuid.NewString(), SessionID: sessionID, Role: store.MessageRoleAssistant, Content: res.Text, AgentID: req.TargetAgent}
	if _, err := s.Store.WriteWithEvents(r.Context(),
		func(ctx context.Context) error { return s.Store.SaveMessage(ctx, assistantMsg) },
		[]store.EventIntent{{
			AggregateType: "message",
			AggregateID:   assistantMsg.ID,
			UserID:        tc.UserID,
			ProjectID:     projectID,
			EventType:     "message_created",
			Payload: map[string]any{
				"session_id": sessionID,
				"role":       assistantMsg.Role,
				"content":    assistantMsg.Content,
				"agent_id":   agentID,
				"message_id": assistantMsg.ID,
			},
		}},
	); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sendMessageResponse{
		UserMessageID:      userMsg.ID,
		AssistantMessageID: assistantMsg.ID,
		AgentID:            agentID,
		Content:            res.Text,
	})
}

// streamEvents verifies session ownership before delegating to the
// stream Manager, which — per its own doc contract — enforces no
// authorization of its own; the ownership check belongs entirely to
// this handler.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	tc := tenant.MustFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.Store.GetSession(r.Context(), tc.UserID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ProjectID != projectID {
		writeError(w, notFoundError("session"))
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, validationError("since must be RFC3339"))
			return
		}
		since = &t
	}

	if err := s.Streams.WriteNDJSON(w, r, sessionID, since); err != nil {
		s.Logger.Warn("event stream write failed", "session_id", sessionID, "error", err)
	}
}
