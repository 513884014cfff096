package maintenance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/runstate"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/testutil"
)

func TestCleanup_RunOnceDeregistersStaleInstances(t *testing.T) {
	st, db := newMaintenanceStore(t)
	defer db.Close()
	ctx := context.Background()

	if err := st.RegisterInstance(ctx, "fresh", "test"); err != nil {
		t.Fatalf("RegisterInstance fresh: %v", err)
	}
	if err := st.RegisterInstance(ctx, "stale", "test"); err != nil {
		t.Fatalf("RegisterInstance stale: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `UPDATE instances SET last_heartbeat_at = $1 WHERE id = 'stale'`, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("backdate stale instance: %v", err)
	}

	c := NewCleanup(st, CleanupConfig{StaleInstanceTimeout: time.Minute}, logging.NewNop())
	result := c.RunOnce(ctx)

	if result.StaleInstancesCleaned != 1 {
		t.Fatalf("expected 1 stale instance cleaned, got %d (errors: %v)", result.StaleInstancesCleaned, result.Errors)
	}

	fresh, err := st.GetInstance(ctx, "fresh")
	if err != nil || fresh == nil {
		t.Fatalf("expected fresh instance to survive the sweep, got %v, %v", fresh, err)
	}
	stale, err := st.GetInstance(ctx, "stale")
	if err != nil {
		t.Fatalf("GetInstance stale: %v", err)
	}
	if stale != nil {
		t.Fatal("expected stale instance to be deregistered")
	}
}

func TestCleanup_RunOnceTimesOutStuckToolExecutions(t *testing.T) {
	st, db := newMaintenanceStore(t)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	exec, err := st.CreateToolExecution(ctx, "agent-1", fx.SessionID, "read_file", json.RawMessage(`{}`), runstate.RiskLow, nil)
	if err != nil {
		t.Fatalf("CreateToolExecution: %v", err)
	}
	ok, err := st.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecutionPending, runstate.ToolExecutionApproved, nil)
	if err != nil || !ok {
		t.Fatalf("transition to approved: %v, ok=%v", err, ok)
	}
	ok, err = st.TransitionToolExecution(ctx, exec.ID, runstate.ToolExecutionApproved, runstate.ToolExecutionExecuting, nil)
	if err != nil || !ok {
		t.Fatalf("transition to executing: %v, ok=%v", err, ok)
	}
	if _, err := db.Pool.Exec(ctx, `UPDATE tool_executions SET created_at = $1 WHERE id = $2`, time.Now().Add(-time.Hour), exec.ID); err != nil {
		t.Fatalf("backdate execution: %v", err)
	}

	c := NewCleanup(st, CleanupConfig{StuckExecutionTimeout: time.Minute}, logging.NewNop())
	result := c.RunOnce(ctx)

	if result.StuckExecutionsCleaned != 1 {
		t.Fatalf("expected 1 stuck execution cleaned, got %d (errors: %v)", result.StuckExecutionsCleaned, result.Errors)
	}

	got, err := st.GetToolExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetToolExecution: %v", err)
	}
	if got.Status != runstate.ToolExecutionTimeout {
		t.Fatalf("expected status timeout, got %s", got.Status)
	}

	var eventTypes []string
	if err := st.ClaimAndProcess(ctx, 10, func(ctx context.Context, row *store.OutboxRow) error {
		eventTypes = append(eventTypes, row.EventType)
		return nil
	}); err != nil {
		t.Fatalf("ClaimAndProcess: %v", err)
	}
	found := false
	for _, et := range eventTypes {
		if et == "error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an error event for the timed-out execution, got %v", eventTypes)
	}
}

func TestCleanup_StartStopLifecycle(t *testing.T) {
	st, db := newMaintenanceStore(t)
	defer db.Close()

	c := NewCleanup(st, CleanupConfig{Interval: time.Second}, logging.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.IsRunning() {
		t.Fatal("expected IsRunning true after Start")
	}
	if err := c.Start(context.Background()); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted on double Start, got %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.IsRunning() {
		t.Fatal("expected IsRunning false after Stop")
	}
}
