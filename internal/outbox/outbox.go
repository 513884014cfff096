// Package outbox runs the background publish loop for the
// transactional outbox: poll, claim, publish, acknowledge-or-retry.
// The claim-and-row storage lives in internal/store; this package is
// only the loop that drains it.
package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
)

// Publisher delivers one claimed outbox row to its destination (the
// stream manager for UI-facing events, a webhook, etc). Any error is
// treated as retryable; Publisher implementations that hit a
// permanent failure should still return an error — the outbox has no
// separate dead-letter path, rows simply exhaust their retry budget
// and land in runstate.OutboxFailed.
type Publisher interface {
	Publish(ctx context.Context, row *store.OutboxRow) error
}

// Config parameterizes the loop, mirroring internal/config.OutboxConfig.
type Config struct {
	BatchSize         int
	Tick              time.Duration
	MaxRetries        int
	BackoffScheduleMS []int
}

// claimStore is the slice of *store.Store this loop needs, kept as an
// interface so the loop can be exercised with a fake in tests.
type claimStore interface {
	ClaimAndProcess(ctx context.Context, limit int, fn func(ctx context.Context, row *store.OutboxRow) error) error
	MarkPublished(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string, retryCount, maxRetries int) error
}

// Loop is the publisher's background worker.
type Loop struct {
	store     claimStore
	publisher Publisher
	cfg       Config
	logger    logging.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Loop. It does not start polling until Start is called.
func New(st claimStore, publisher Publisher, cfg Config, logger logging.Logger) *Loop {
	return &Loop{store: st, publisher: publisher, cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Start begins the poll-claim-publish cycle in a background goroutine.
func (l *Loop) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	go l.run(ctx)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (l *Loop) Stop() {
	if !l.started.Load() {
		return
	}
	l.cancel()
	<-l.done
	l.started.Store(false)
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	err := l.store.ClaimAndProcess(ctx, l.cfg.BatchSize, func(ctx context.Context, row *store.OutboxRow) error {
		if err := l.publishOne(ctx, row); err != nil {
			l.logger.Warn("outbox publish failed, scheduling retry", "event_id", row.ID, "event_type", row.EventType, "retry_count", row.RetryCount, "error", err)
		}
		// A publish failure is recorded (MarkRetry/MarkPublished ran
		// inside publishOne) but never aborts the claiming
		// transaction — one slow or failing row must not roll back
		// every other row's bookkeeping in the same batch.
		return nil
	})
	if err != nil {
		l.logger.Error("outbox claim failed", "error", err)
	}
}

func (l *Loop) publishOne(ctx context.Context, row *store.OutboxRow) error {
	err := l.publisher.Publish(ctx, row)
	if err == nil {
		return l.store.MarkPublished(ctx, row.ID)
	}

	retryCount := row.RetryCount + 1
	nextRetryAt := time.Now().UTC().Add(l.backoffFor(retryCount))
	lastErr := truncateError(err.Error())

	if markErr := l.store.MarkRetry(ctx, row.ID, nextRetryAt, lastErr, retryCount, l.cfg.MaxRetries); markErr != nil {
		l.logger.Error("failed to record outbox retry state", "event_id", row.ID, "error", markErr)
		return apperror.Wrap("outbox.publishOne", apperror.CodeTransient, markErr)
	}
	return err
}

// backoffFor returns the configured delay for the given 1-indexed
// retry attempt, clamping to the schedule's last entry once retries
// exceed its length.
func (l *Loop) backoffFor(retryCount int) time.Duration {
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.cfg.BackoffScheduleMS) {
		idx = len(l.cfg.BackoffScheduleMS) - 1
	}
	return time.Duration(l.cfg.BackoffScheduleMS[idx]) * time.Millisecond
}

// maxLastErrorLen bounds what goes into event_outbox.last_error — a
// driver or upstream error string can run to kilobytes, and the
// column exists for operator triage, not for reconstructing the full
// error.
const maxLastErrorLen = 500

func truncateError(msg string) string {
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	return msg[:maxLastErrorLen]
}
