package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentcore/platform/internal/apperror"
)

// Instance is one live process registered for heartbeat-based
// liveness tracking (SPEC_FULL.md Section D: heartbeat-based instance
// liveness); internal/maintenance's cleanup deregisters instances whose
// heartbeat has gone stale.
type Instance struct {
	ID              string
	Name            string
	LastHeartbeatAt time.Time
	RegisteredAt    time.Time
}

// RegisterInstance upserts instanceID's row with a fresh heartbeat,
// used once at process startup.
func (s *Store) RegisterInstance(ctx context.Context, instanceID, name string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (id, name, last_heartbeat_at, registered_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO UPDATE SET last_heartbeat_at = $3, name = $2
	`, instanceID, name, now)
	if err != nil {
		return apperror.Wrap("store.RegisterInstance", apperror.CodeTransient, err)
	}
	return nil
}

// UpdateInstanceHeartbeat bumps instanceID's last_heartbeat_at.
func (s *Store) UpdateInstanceHeartbeat(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE instances SET last_heartbeat_at = $2 WHERE id = $1`, instanceID, time.Now().UTC())
	if err != nil {
		return apperror.Wrap("store.UpdateInstanceHeartbeat", apperror.CodeTransient, err)
	}
	return nil
}

// GetStaleInstances returns ids of instances whose last heartbeat is
// older than horizon.
func (s *Store) GetStaleInstances(ctx context.Context, horizon time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM instances WHERE last_heartbeat_at < $1`, horizon)
	if err != nil {
		return nil, apperror.Wrap("store.GetStaleInstances", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperror.Wrap("store.GetStaleInstances", apperror.CodeTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeregisterInstance removes instanceID's row entirely.
func (s *Store) DeregisterInstance(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, instanceID)
	if err != nil {
		return apperror.Wrap("store.DeregisterInstance", apperror.CodeTransient, err)
	}
	return nil
}

// GetInstance returns a single instance row, or nil.
func (s *Store) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, last_heartbeat_at, registered_at FROM instances WHERE id = $1`, instanceID)
	var inst Instance
	if err := row.Scan(&inst.ID, &inst.Name, &inst.LastHeartbeatAt, &inst.RegisteredAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperror.Wrap("store.GetInstance", apperror.CodeTransient, err)
	}
	return &inst, nil
}
