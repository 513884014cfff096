package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentcore/platform/internal/apperror"
)

// Leader is the current holder of the maintenance-sweep TTL lease.
type Leader struct {
	Name      string
	LeaderID  string
	ElectedAt time.Time
	ExpiresAt time.Time
}

// LeaderElectParams parameterizes an election or re-election attempt.
type LeaderElectParams struct {
	LeaderID string
	TTL      time.Duration
}

// LeaderAttemptElect attempts to become leader for the "default"
// maintenance-sweep lease, grounded on the teacher's
// driver/databasesql LeaderAttemptElect INSERT ... ON CONFLICT DO
// NOTHING pattern. Returns true only if this call inserted the row.
func (s *Store) LeaderAttemptElect(ctx context.Context, params LeaderElectParams) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO leader_election (name, leader_id, elected_at, expires_at)
		VALUES ('default', $1, $2, $3)
		ON CONFLICT (name) DO NOTHING
	`, params.LeaderID, now, now.Add(params.TTL))
	if err != nil {
		return false, apperror.Wrap("store.LeaderAttemptElect", apperror.CodeTransient, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeaderAttemptReelect renews the lease iff this instance still holds it.
func (s *Store) LeaderAttemptReelect(ctx context.Context, params LeaderElectParams) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE leader_election SET elected_at = $2, expires_at = $3
		WHERE name = 'default' AND leader_id = $1
	`, params.LeaderID, now, now.Add(params.TTL))
	if err != nil {
		return false, apperror.Wrap("store.LeaderAttemptReelect", apperror.CodeTransient, err)
	}
	return tag.RowsAffected() > 0, nil
}

// LeaderResign releases the lease if held by leaderID.
func (s *Store) LeaderResign(ctx context.Context, leaderID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM leader_election WHERE name = 'default' AND leader_id = $1`, leaderID)
	if err != nil {
		return apperror.Wrap("store.LeaderResign", apperror.CodeTransient, err)
	}
	return nil
}

// LeaderDeleteExpired removes stale leases (crashed leader) so a new
// election can succeed without waiting for the holder to resign.
func (s *Store) LeaderDeleteExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM leader_election WHERE expires_at < NOW()`)
	if err != nil {
		return 0, apperror.Wrap("store.LeaderDeleteExpired", apperror.CodeTransient, err)
	}
	return int(tag.RowsAffected()), nil
}

// LeaderGetCurrent returns the active lease holder, or nil if none.
func (s *Store) LeaderGetCurrent(ctx context.Context) (*Leader, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, leader_id, elected_at, expires_at FROM leader_election
		WHERE name = 'default' AND expires_at > NOW()
	`)
	var l Leader
	if err := row.Scan(&l.Name, &l.LeaderID, &l.ElectedAt, &l.ExpiresAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, apperror.Wrap("store.LeaderGetCurrent", apperror.CodeTransient, err)
	}
	return &l, nil
}
