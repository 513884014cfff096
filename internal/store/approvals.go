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

// CreateApprovalRequest inserts a pending approval request.
func (s *Store) CreateApprovalRequest(ctx context.Context, userID string, typ runstate.ApprovalType, payload any) (*ApprovalRequest, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperror.Wrap("store.CreateApprovalRequest", apperror.CodeValidation, err)
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO approval_requests (id, user_id, type, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, userID, typ, body, runstate.ApprovalPending, now)
	if err != nil {
		return nil, apperror.Wrap("store.CreateApprovalRequest", apperror.CodeTransient, err)
	}
	return &ApprovalRequest{ID: id, UserID: userID, Type: typ, Payload: body, Status: runstate.ApprovalPending, CreatedAt: now}, nil
}

// GetApprovalRequest returns a request by id.
func (s *Store) GetApprovalRequest(ctx context.Context, id string) (*ApprovalRequest, error) {
	row := s.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, type, payload, status, created_at, resolved_at, decision
		FROM approval_requests WHERE id = $1
	`, id)
	var a ApprovalRequest
	if err := row.Scan(&a.ID, &a.UserID, &a.Type, &a.Payload, &a.Status, &a.CreatedAt, &a.ResolvedAt, &a.Decision); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperror.New("store.GetApprovalRequest", apperror.CodeNotFound, id)
		}
		return nil, apperror.Wrap("store.GetApprovalRequest", apperror.CodeTransient, err)
	}
	return &a, nil
}

// ListPendingApprovals returns every pending request owned by userID.
func (s *Store) ListPendingApprovals(ctx context.Context, userID string) ([]*ApprovalRequest, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT id, user_id, type, payload, status, created_at, resolved_at, decision
		FROM approval_requests WHERE user_id = $1 AND status = $2 ORDER BY created_at
	`, userID, runstate.ApprovalPending)
	if err != nil {
		return nil, apperror.Wrap("store.ListPendingApprovals", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*ApprovalRequest
	for rows.Next() {
		var a ApprovalRequest
		if err := rows.Scan(&a.ID, &a.UserID, &a.Type, &a.Payload, &a.Status, &a.CreatedAt, &a.ResolvedAt, &a.Decision); err != nil {
			return nil, apperror.Wrap("store.ListPendingApprovals", apperror.CodeTransient, err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ResolveApprovalRequest performs the single allowed terminal
// transition, atomically, guarded by the current status so a second
// resolution affects zero rows (rows == 0 signals AlreadyResolved to
// the caller).
func (s *Store) ResolveApprovalRequest(ctx context.Context, id string, target runstate.ApprovalStatus, decision string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE approval_requests
		SET status = $2, resolved_at = $3, decision = $4
		WHERE id = $1 AND status = $5
	`, id, target, now, decision, runstate.ApprovalPending)
	if err != nil {
		return false, apperror.Wrap("store.ResolveApprovalRequest", apperror.CodeTransient, err)
	}
	return tag.RowsAffected() > 0, nil
}
