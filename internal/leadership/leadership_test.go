package leadership

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/config"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/testutil"
)

func newTestStore(t *testing.T) (*store.Store, *testutil.TestDB) {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	if err := db.CleanTables(context.Background()); err != nil {
		t.Fatalf("clean tables: %v", err)
	}
	return store.New(db.Pool), db
}

func testLeaderConfig() config.LeaderConfig {
	return config.LeaderConfig{
		TTL:             200 * time.Millisecond,
		ElectionPeriod:  20 * time.Millisecond,
		ReelectionDelay: 20 * time.Millisecond,
	}
}

func TestElector_SingleInstanceBecomesLeader(t *testing.T) {
	st, db := newTestStore(t)
	defer db.Close()

	var became atomic.Bool
	e := NewElector(st, "instance-a", testLeaderConfig(), Callbacks{
		OnBecameLeader: func(ctx context.Context) { became.Store(true) },
	}, logging.NewNop())

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if e.IsLeader() && became.Load() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the sole instance to become leader")
}

func TestElector_SecondInstanceDoesNotStealLease(t *testing.T) {
	st, db := newTestStore(t)
	defer db.Close()

	a := NewElector(st, "instance-a", testLeaderConfig(), Callbacks{}, logging.NewNop())
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	defer a.Stop(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !a.IsLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	if !a.IsLeader() {
		t.Fatal("expected instance-a to become leader")
	}

	b := NewElector(st, "instance-b", testLeaderConfig(), Callbacks{}, logging.NewNop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	defer b.Stop(context.Background())

	time.Sleep(300 * time.Millisecond)
	if b.IsLeader() {
		t.Fatal("expected instance-b not to acquire the lease while instance-a holds it")
	}
}

func TestElector_ResignReleasesLeadershipAndNotifies(t *testing.T) {
	st, db := newTestStore(t)
	defer db.Close()

	var lost atomic.Bool
	e := NewElector(st, "instance-a", testLeaderConfig(), Callbacks{
		OnLostLeadership: func(ctx context.Context) { lost.Store(true) },
	}, logging.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !e.IsLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	if !e.IsLeader() {
		t.Fatal("expected to become leader before resigning")
	}

	if err := e.Resign(context.Background()); err != nil {
		t.Fatalf("Resign: %v", err)
	}
	if e.IsLeader() {
		t.Fatal("expected IsLeader to be false immediately after Resign")
	}
	if !lost.Load() {
		t.Fatal("expected OnLostLeadership to fire on Resign")
	}
}

func TestElector_StartTwiceReturnsAlreadyStarted(t *testing.T) {
	st, db := newTestStore(t)
	defer db.Close()

	e := NewElector(st, "instance-a", testLeaderConfig(), Callbacks{}, logging.NewNop())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer e.Stop(context.Background())

	if err := e.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}
