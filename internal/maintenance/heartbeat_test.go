package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/testutil"
)

func newMaintenanceStore(t *testing.T) (*store.Store, *testutil.TestDB) {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	if err := db.CleanTables(context.Background()); err != nil {
		t.Fatalf("clean tables: %v", err)
	}
	return store.New(db.Pool), db
}

func TestHeartbeat_KeepsInstanceRowFresh(t *testing.T) {
	st, db := newMaintenanceStore(t)
	defer db.Close()

	ctx := context.Background()
	if err := st.RegisterInstance(ctx, "instance-a", "test"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	before, err := st.GetInstance(ctx, "instance-a")
	if err != nil || before == nil {
		t.Fatalf("GetInstance before: %v, %v", before, err)
	}

	h := NewHeartbeat(st, "instance-a", HeartbeatConfig{Interval: 20 * time.Millisecond}, logging.NewNop())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)

	after, err := st.GetInstance(ctx, "instance-a")
	if err != nil || after == nil {
		t.Fatalf("GetInstance after: %v, %v", after, err)
	}
	if !after.LastHeartbeatAt.After(before.LastHeartbeatAt) {
		t.Fatal("expected last_heartbeat_at to advance while the heartbeat loop runs")
	}
}

func TestHeartbeat_StartTwiceReturnsAlreadyStarted(t *testing.T) {
	st, db := newMaintenanceStore(t)
	defer db.Close()

	ctx := context.Background()
	if err := st.RegisterInstance(ctx, "instance-a", "test"); err != nil {
		t.Fatalf("RegisterInstance: %v", err)
	}

	h := NewHeartbeat(st, "instance-a", HeartbeatConfig{Interval: time.Second}, logging.NewNop())
	if err := h.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer h.Stop(context.Background())

	if err := h.Start(ctx); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestHeartbeat_StopWithoutStartReturnsNotStarted(t *testing.T) {
	st, db := newMaintenanceStore(t)
	defer db.Close()

	h := NewHeartbeat(st, "instance-a", HeartbeatConfig{Interval: time.Second}, logging.NewNop())
	if err := h.Stop(context.Background()); err != ErrNotStarted {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
