package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/runstate"
	"github.com/agentcore/platform/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []*store.OutboxRow
	published []string
	retried   []string
	failed    []string
	lastErrs  map[string]string
}

func (f *fakeStore) ClaimAndProcess(ctx context.Context, limit int, fn func(ctx context.Context, row *store.OutboxRow) error) error {
	f.mu.Lock()
	claimed := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, row := range claimed {
		if err := fn(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) MarkPublished(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, id)
	return nil
}

func (f *fakeStore) MarkRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string, retryCount, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErrs == nil {
		f.lastErrs = make(map[string]string)
	}
	f.lastErrs[id] = lastErr
	if retryCount >= maxRetries {
		f.failed = append(f.failed, id)
		return nil
	}
	f.retried = append(f.retried, id)
	return nil
}

type fakePublisher struct {
	fail    map[string]bool
	failMsg map[string]string
}

func (p *fakePublisher) Publish(ctx context.Context, row *store.OutboxRow) error {
	if p.fail[row.ID] {
		if msg, ok := p.failMsg[row.ID]; ok {
			return errors.New(msg)
		}
		return errors.New("delivery failed")
	}
	return nil
}

func testCfg() Config {
	return Config{BatchSize: 10, Tick: 5 * time.Millisecond, MaxRetries: 3, BackoffScheduleMS: []int{1, 2, 5}}
}

func TestLoop_PublishesSuccessfully(t *testing.T) {
	fs := &fakeStore{pending: []*store.OutboxRow{
		{ID: "evt-1", EventType: "agent_status_changed", Status: runstate.OutboxStatusPending},
	}}
	pub := &fakePublisher{}
	l := New(fs, pub, testCfg(), logging.NewNop())

	l.tick(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.published) != 1 || fs.published[0] != "evt-1" {
		t.Fatalf("expected evt-1 published, got %v", fs.published)
	}
}

func TestLoop_RetriesThenFails(t *testing.T) {
	fs := &fakeStore{pending: []*store.OutboxRow{
		{ID: "evt-2", EventType: "agent_status_changed", Status: runstate.OutboxStatusPending, RetryCount: 2},
	}}
	pub := &fakePublisher{fail: map[string]bool{"evt-2": true}}
	l := New(fs, pub, testCfg(), logging.NewNop())

	l.tick(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.failed) != 1 || fs.failed[0] != "evt-2" {
		t.Fatalf("expected evt-2 to exhaust retries and fail, got failed=%v retried=%v", fs.failed, fs.retried)
	}
}

func TestLoop_TruncatesOverlongLastError(t *testing.T) {
	fs := &fakeStore{pending: []*store.OutboxRow{
		{ID: "evt-4", EventType: "agent_status_changed", Status: runstate.OutboxStatusPending, RetryCount: 0},
	}}
	longMsg := strings.Repeat("x", maxLastErrorLen*2)
	pub := &fakePublisher{fail: map[string]bool{"evt-4": true}, failMsg: map[string]string{"evt-4": longMsg}}
	l := New(fs, pub, testCfg(), logging.NewNop())

	l.tick(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	got := fs.lastErrs["evt-4"]
	if len(got) != maxLastErrorLen {
		t.Fatalf("expected last_error truncated to %d bytes, got %d", maxLastErrorLen, len(got))
	}
}

func TestLoop_RetriesWithinBudget(t *testing.T) {
	fs := &fakeStore{pending: []*store.OutboxRow{
		{ID: "evt-3", EventType: "agent_status_changed", Status: runstate.OutboxStatusPending, RetryCount: 0},
	}}
	pub := &fakePublisher{fail: map[string]bool{"evt-3": true}}
	l := New(fs, pub, testCfg(), logging.NewNop())

	l.tick(context.Background())

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.retried) != 1 || fs.retried[0] != "evt-3" {
		t.Fatalf("expected evt-3 to be scheduled for retry, got retried=%v failed=%v", fs.retried, fs.failed)
	}
}
