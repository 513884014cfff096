package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/runstate"
)

// CreateToolExecution inserts a pending tool execution row, optionally
// pre-linked to an approval request (approvalID nil for LOW-risk tools
// that auto-approve without ever creating one).
func (s *Store) CreateToolExecution(ctx context.Context, agentID, sessionID, toolName string, params json.RawMessage, risk runstate.RiskLevel, approvalID *string) (*ToolExecution, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.q(ctx).Exec(ctx, `
		INSERT INTO tool_executions (id, agent_id, session_id, tool_name, params, risk, status, approval_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, agentID, sessionID, toolName, params, risk, runstate.ToolExecutionPending, approvalID, now)
	if err != nil {
		return nil, apperror.Wrap("store.CreateToolExecution", apperror.CodeTransient, err)
	}
	return &ToolExecution{
		ID: id, AgentID: agentID, SessionID: sessionID, ToolName: toolName,
		Params: params, Risk: risk, Status: runstate.ToolExecutionPending,
		ApprovalID: approvalID, CreatedAt: now,
	}, nil
}

// GetToolExecution returns a tool execution by id.
func (s *Store) GetToolExecution(ctx context.Context, id string) (*ToolExecution, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, agent_id, session_id, tool_name, params, risk, status, result, approval_id, created_at
		FROM tool_executions WHERE id = $1
	`, id)
	return scanToolExecution(row)
}

// TransitionToolExecution performs a guarded status transition,
// optionally attaching a result payload (set on completed/failed). The
// WHERE clause double-checks status == from so a stale or duplicate
// transition (e.g. a client posting a result twice) affects zero rows
// instead of clobbering a later state.
func (s *Store) TransitionToolExecution(ctx context.Context, id string, from, to runstate.ToolExecutionStatus, result *string) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, apperror.New("store.TransitionToolExecution", apperror.CodeValidation, string(from)+"->"+string(to))
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE tool_executions SET status = $2, result = $3 WHERE id = $1 AND status = $4
	`, id, to, result, from)
	if err != nil {
		return false, apperror.Wrap("store.TransitionToolExecution", apperror.CodeTransient, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetStuckToolExecutions returns executions stuck in "executing" past
// horizon — a client accepted a tool call and never reported a result,
// the client-executed-tool analogue of a stuck agent run (SPEC_FULL.md
// Section D: stale-claim reclamation).
func (s *Store) GetStuckToolExecutions(ctx context.Context, horizon time.Time) ([]*ToolExecution, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, agent_id, session_id, tool_name, params, risk, status, result, approval_id, created_at
		FROM tool_executions WHERE status = $1 AND created_at < $2
	`, runstate.ToolExecutionExecuting, horizon)
	if err != nil {
		return nil, apperror.Wrap("store.GetStuckToolExecutions", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*ToolExecution
	for rows.Next() {
		te, err := scanToolExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, te)
	}
	return out, rows.Err()
}

func scanToolExecution(row pgx.Row) (*ToolExecution, error) {
	var te ToolExecution
	if err := row.Scan(&te.ID, &te.AgentID, &te.SessionID, &te.ToolName, &te.Params, &te.Risk, &te.Status, &te.Result, &te.ApprovalID, &te.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New("store.GetToolExecution", apperror.CodeNotFound, "")
		}
		return nil, apperror.Wrap("store.GetToolExecution", apperror.CodeTransient, err)
	}
	return &te, nil
}

func scanToolExecutionRows(rows pgx.Rows) (*ToolExecution, error) {
	var te ToolExecution
	if err := rows.Scan(&te.ID, &te.AgentID, &te.SessionID, &te.ToolName, &te.Params, &te.Risk, &te.Status, &te.Result, &te.ApprovalID, &te.CreatedAt); err != nil {
		return nil, apperror.Wrap("store.GetStuckToolExecutions", apperror.CodeTransient, err)
	}
	return &te, nil
}
