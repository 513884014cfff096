package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentcore/platform/internal/apperror"
)

// CreateProject inserts a project owned by userID.
func (s *Store) CreateProject(ctx context.Context, userID, name string, workspacePath *string) (*Project, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO user_projects (id, user_id, name, workspace_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, userID, name, workspacePath, now)
	if err != nil {
		return nil, apperror.Wrap("store.CreateProject", apperror.CodeTransient, err)
	}
	return &Project{ID: id, UserID: userID, Name: name, WorkspacePath: workspacePath, CreatedAt: now, UpdatedAt: now}, nil
}

// GetProject returns a project scoped to userID, or ErrNotFound.
func (s *Store) GetProject(ctx context.Context, userID, projectID string) (*Project, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, name, workspace_path, created_at, updated_at
		FROM user_projects WHERE id = $1 AND user_id = $2
	`, projectID, userID)

	var p Project
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.WorkspacePath, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New("store.GetProject", apperror.CodeNotFound, projectID)
		}
		return nil, apperror.Wrap("store.GetProject", apperror.CodeTransient, err)
	}
	return &p, nil
}

// ListProjects returns every project owned by userID.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, name, workspace_path, created_at, updated_at
		FROM user_projects WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, apperror.Wrap("store.ListProjects", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.WorkspacePath, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, apperror.Wrap("store.ListProjects", apperror.CodeTransient, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdateProject renames projectID and/or changes its workspace path.
func (s *Store) UpdateProject(ctx context.Context, userID, projectID string, name string, workspacePath *string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE user_projects SET name = $3, workspace_path = $4, updated_at = $5
		WHERE id = $1 AND user_id = $2
	`, projectID, userID, name, workspacePath, time.Now().UTC())
	if err != nil {
		return apperror.Wrap("store.UpdateProject", apperror.CodeTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New("store.UpdateProject", apperror.CodeNotFound, projectID)
	}
	return nil
}

// DeleteProject removes projectID and cascades to its agents, sessions
// and messages, relying on the migration's ON DELETE CASCADE
// foreign keys for user_agents/chat_sessions/messages.
func (s *Store) DeleteProject(ctx context.Context, userID, projectID string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM user_projects WHERE id = $1 AND user_id = $2`, projectID, userID)
	if err != nil {
		return apperror.Wrap("store.DeleteProject", apperror.CodeTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New("store.DeleteProject", apperror.CodeNotFound, projectID)
	}
	return nil
}

// CreateAgent inserts an agent under projectID, enforcing
// concurrency_limit >= 1 at the boundary.
func (s *Store) CreateAgent(ctx context.Context, userID, projectID, name string, cfg AgentConfig) (*Agent, error) {
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, apperror.Wrap("store.CreateAgent", apperror.CodeValidation, err)
	}

	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO user_agents (id, user_id, project_id, name, config, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, userID, projectID, name, cfgJSON, AgentStatusReady, now)
	if err != nil {
		return nil, apperror.Wrap("store.CreateAgent", apperror.CodeTransient, err)
	}
	return &Agent{ID: id, UserID: userID, ProjectID: projectID, Name: name, Config: cfg, Status: AgentStatusReady, CreatedAt: now}, nil
}

// GetAgent returns an agent scoped to userID, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, userID, agentID string) (*Agent, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, project_id, name, config, status, created_at
		FROM user_agents WHERE id = $1 AND user_id = $2
	`, agentID, userID)
	return scanAgent(row)
}

// ListAgents returns every agent within projectID, scoped to userID.
func (s *Store) ListAgents(ctx context.Context, userID, projectID string) ([]*Agent, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, project_id, name, config, status, created_at
		FROM user_agents WHERE user_id = $1 AND project_id = $2 ORDER BY created_at
	`, userID, projectID)
	if err != nil {
		return nil, apperror.Wrap("store.ListAgents", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus sets an agent's readiness status.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	_, err := s.q(ctx).Exec(ctx, `UPDATE user_agents SET status = $2 WHERE id = $1`, agentID, status)
	if err != nil {
		return apperror.Wrap("store.UpdateAgentStatus", apperror.CodeTransient, err)
	}
	return nil
}

// UpdateAgentConfig replaces an agent's JSONB configuration, clamping
// concurrency_limit the same way CreateAgent does.
func (s *Store) UpdateAgentConfig(ctx context.Context, userID, agentID string, cfg AgentConfig) error {
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return apperror.Wrap("store.UpdateAgentConfig", apperror.CodeValidation, err)
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE user_agents SET config = $3 WHERE id = $1 AND user_id = $2
	`, agentID, userID, cfgJSON)
	if err != nil {
		return apperror.Wrap("store.UpdateAgentConfig", apperror.CodeTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New("store.UpdateAgentConfig", apperror.CodeNotFound, agentID)
	}
	return nil
}

// DeleteAgent removes agentID. Sessions keep their message history;
// messages.agent_id is set NULL by the migration's FK action.
func (s *Store) DeleteAgent(ctx context.Context, userID, agentID string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM user_agents WHERE id = $1 AND user_id = $2`, agentID, userID)
	if err != nil {
		return apperror.Wrap("store.DeleteAgent", apperror.CodeTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New("store.DeleteAgent", apperror.CodeNotFound, agentID)
	}
	return nil
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	var cfgJSON []byte
	if err := row.Scan(&a.ID, &a.UserID, &a.ProjectID, &a.Name, &cfgJSON, &a.Status, &a.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New("store.GetAgent", apperror.CodeNotFound, "")
		}
		return nil, apperror.Wrap("store.GetAgent", apperror.CodeTransient, err)
	}
	if err := json.Unmarshal(cfgJSON, &a.Config); err != nil {
		return nil, apperror.Wrap("store.GetAgent", apperror.CodePermanent, err)
	}
	return &a, nil
}

func scanAgentRows(rows pgx.Rows) (*Agent, error) {
	var a Agent
	var cfgJSON []byte
	if err := rows.Scan(&a.ID, &a.UserID, &a.ProjectID, &a.Name, &cfgJSON, &a.Status, &a.CreatedAt); err != nil {
		return nil, apperror.Wrap("store.ListAgents", apperror.CodeTransient, err)
	}
	if err := json.Unmarshal(cfgJSON, &a.Config); err != nil {
		return nil, apperror.Wrap("store.ListAgents", apperror.CodePermanent, err)
	}
	return &a, nil
}

// CreateSession inserts a chat session under projectID.
func (s *Store) CreateSession(ctx context.Context, userID, projectID string) (*Session, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO chat_sessions (id, user_id, project_id, created_at) VALUES ($1, $2, $3, $4)
	`, id, userID, projectID, now)
	if err != nil {
		return nil, apperror.Wrap("store.CreateSession", apperror.CodeTransient, err)
	}
	return &Session{ID: id, UserID: userID, ProjectID: projectID, CreatedAt: now}, nil
}

// ListSessions returns every session within projectID, scoped to userID.
func (s *Store) ListSessions(ctx context.Context, userID, projectID string) ([]*Session, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, project_id, created_at
		FROM chat_sessions WHERE user_id = $1 AND project_id = $2 ORDER BY created_at
	`, userID, projectID)
	if err != nil {
		return nil, apperror.Wrap("store.ListSessions", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.ProjectID, &sess.CreatedAt); err != nil {
			return nil, apperror.Wrap("store.ListSessions", apperror.CodeTransient, err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// GetSession returns a session scoped to userID.
func (s *Store) GetSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, project_id, created_at FROM chat_sessions WHERE id = $1 AND user_id = $2
	`, sessionID, userID)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ProjectID, &sess.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New("store.GetSession", apperror.CodeNotFound, sessionID)
		}
		return nil, apperror.Wrap("store.GetSession", apperror.CodeTransient, err)
	}
	return &sess, nil
}

// GetSessionByID returns a session by id with no tenant predicate,
// for internal system components (the tool mediator, maintenance
// cleanup) that need a session's owning user_id/project_id to stamp
// an outbox event and have already authorized the surrounding
// operation some other way — never call this from a tenant-facing
// handler.
func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*Session, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, project_id, created_at FROM chat_sessions WHERE id = $1
	`, sessionID)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.ProjectID, &sess.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New("store.GetSessionByID", apperror.CodeNotFound, sessionID)
		}
		return nil, apperror.Wrap("store.GetSessionByID", apperror.CodeTransient, err)
	}
	return &sess, nil
}

// DeleteSession removes sessionID and cascades to its messages.
func (s *Store) DeleteSession(ctx context.Context, userID, sessionID string) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return apperror.Wrap("store.DeleteSession", apperror.CodeTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New("store.DeleteSession", apperror.CodeNotFound, sessionID)
	}
	return nil
}

// SaveMessage inserts a single message.
func (s *Store) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, agent_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.SessionID, msg.Role, msg.Content, msg.AgentID, msg.CreatedAt)
	if err != nil {
		return apperror.Wrap("store.SaveMessage", apperror.CodeTransient, err)
	}
	return nil
}

// GetMessagesSince returns messages for sessionID strictly after since,
// ordered by created_at. The session history handler passes the zero
// time to read a session's whole transcript from the durable log.
func (s *Store) GetMessagesSince(ctx context.Context, sessionID string, since time.Time) ([]*Message, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, session_id, role, content, agent_id, created_at
		FROM messages WHERE session_id = $1 AND created_at > $2 ORDER BY created_at
	`, sessionID, since)
	if err != nil {
		return nil, apperror.Wrap("store.GetMessagesSince", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.AgentID, &m.CreatedAt); err != nil {
			return nil, apperror.Wrap("store.GetMessagesSince", apperror.CodeTransient, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
