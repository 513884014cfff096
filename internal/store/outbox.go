package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/runstate"
)

// EventIntent is one event to be written into the outbox alongside a
// domain change, in the same transaction.
type EventIntent struct {
	AggregateType string
	AggregateID   string
	UserID        string
	ProjectID     string
	EventType     string
	Payload       any
}

// WriteWithEvents runs domainWrite and then inserts one outbox row per
// event, all inside a single transaction — the atomic domain-write +
// event-intent pairing the outbox pattern depends on (spec §4.4).
// Returns the public event_id for each inserted row, in order.
func (s *Store) WriteWithEvents(ctx context.Context, domainWrite func(ctx context.Context) error, events []EventIntent) ([]string, error) {
	var ids []string
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		if err := domainWrite(ctx); err != nil {
			return err
		}
		for _, ev := range events {
			id, err := s.insertOutboxRow(ctx, ev)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertOutboxEvent inserts a single outbox row outside of a paired
// domain write — used by callers (the Approval Manager's follow-up
// events: resolved/timeout/warning) that need to add an event to an
// already-committed aggregate rather than pairing it with a new
// domain write. Reuses a transaction carried on ctx via WithinTx if
// present, otherwise runs as its own single-statement transaction.
func (s *Store) InsertOutboxEvent(ctx context.Context, ev EventIntent) (string, error) {
	var id string
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		var werr error
		id, werr = s.insertOutboxRow(ctx, ev)
		return werr
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) insertOutboxRow(ctx context.Context, ev EventIntent) (string, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", apperror.Wrap("store.insertOutboxRow", apperror.CodeValidation, err)
	}
	id := uuid.NewString()
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO event_outbox
			(id, aggregate_type, aggregate_id, user_id, project_id, event_type, payload, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)
	`, id, ev.AggregateType, ev.AggregateID, ev.UserID, ev.ProjectID, ev.EventType, payload,
		runstate.OutboxPending, time.Now().UTC())
	if err != nil {
		return "", apperror.Wrap("store.insertOutboxRow", apperror.CodeTransient, err)
	}
	return id, nil
}

// ClaimAndProcess claims up to limit pending, due rows for exclusive
// processing by this publisher instance using SELECT ... FOR UPDATE
// SKIP LOCKED, the same single-writer-per-row mechanism the teacher's
// stored procedures use for run/tool-execution claiming
// (driver/pgxv5/store.go ClaimRuns/ClaimToolExecutions), expressed here
// as an inline CTE rather than a stored procedure since this schema has
// no equivalent procedure to mirror. Unlike a bare claim-then-release
// SELECT, the whole claim runs inside one transaction that fn's calls
// (MarkPublished/MarkRetry, routed through the same ctx via
// TxFromContext) also participate in, so a row's SKIP LOCKED lock is
// held until its publish attempt is recorded, not released the instant
// the SELECT returns. That only matters once more than one publisher
// instance is running concurrently; a single instance already had
// effective exclusivity either way. A non-nil error from fn aborts
// the batch and rolls the transaction back, so a caller whose failed
// publish still needs its retry bookkeeping committed returns nil from
// fn (the outbox loop does).
func (s *Store) ClaimAndProcess(ctx context.Context, limit int, fn func(ctx context.Context, row *OutboxRow) error) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		rows, err := s.claimPending(ctx, limit)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := fn(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) claimPending(ctx context.Context, limit int) ([]*OutboxRow, error) {
	rows, err := s.q(ctx).Query(ctx, `
		WITH claimed AS (
			SELECT id FROM event_outbox
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		SELECT o.id, o.aggregate_type, o.aggregate_id, o.user_id, o.project_id, o.event_type,
		       o.payload, o.status, o.retry_count, o.next_retry_at, o.created_at, o.published_at, o.last_error
		FROM event_outbox o
		JOIN claimed c ON c.id = o.id
	`, limit)
	if err != nil {
		return nil, apperror.Wrap("store.ClaimAndProcess", apperror.CodeTransient, err)
	}
	defer rows.Close()

	var out []*OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.AggregateType, &r.AggregateID, &r.UserID, &r.ProjectID, &r.EventType,
			&r.Payload, &r.Status, &r.RetryCount, &r.NextRetryAt, &r.CreatedAt, &r.PublishedAt, &r.LastError); err != nil {
			return nil, apperror.Wrap("store.ClaimAndProcess", apperror.CodeTransient, err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// MarkPublished transitions a row to published. It runs against
// whatever transaction ctx carries (ClaimAndProcess's, when called
// from the publish loop), so the update shares the claiming
// transaction's locks rather than racing a separately committed one.
func (s *Store) MarkPublished(ctx context.Context, id string) error {
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE event_outbox SET status = $2, published_at = $3 WHERE id = $1 AND status = 'pending'
	`, id, runstate.OutboxPublished, time.Now().UTC())
	if err != nil {
		return apperror.Wrap("store.MarkPublished", apperror.CodeTransient, err)
	}
	return nil
}

// MarkRetry bumps retry_count, records lastErr (truncated by the
// caller), and schedules nextRetryAt — or transitions to failed if the
// row has exhausted maxRetries. Like MarkPublished, it runs against
// whatever transaction ctx carries.
func (s *Store) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string, retryCount, maxRetries int) error {
	if retryCount >= maxRetries {
		_, err := s.q(ctx).Exec(ctx, `
			UPDATE event_outbox SET status = $2, retry_count = $3, last_error = $4 WHERE id = $1
		`, id, runstate.OutboxFailed, retryCount, lastErr)
		if err != nil {
			return apperror.Wrap("store.MarkRetry", apperror.CodeTransient, err)
		}
		return nil
	}
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE event_outbox SET retry_count = $2, next_retry_at = $3, last_error = $4 WHERE id = $1
	`, id, retryCount, nextRetryAt, lastErr)
	if err != nil {
		return apperror.Wrap("store.MarkRetry", apperror.CodeTransient, err)
	}
	return nil
}
