package approval

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

func newManager(t *testing.T) (*Manager, *testutil.TestDB, *testutil.Fixture) {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("clean tables: %v", err)
	}
	fx := testutil.SeedFixture(ctx, t, db)
	st := store.New(db.Pool)
	return New(st, logging.NewNop()), db, fx
}

func TestManager_LowRiskAutoApproves(t *testing.T) {
	m, db, fx := newManager(t)
	defer db.Close()

	id, err := m.RequestToolExecutionApproval(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "read_file", json.RawMessage(`{}`), runstate.RiskLow, false)
	if err != nil {
		t.Fatalf("RequestToolExecutionApproval: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty request id for auto-approved LOW risk, got %q", id)
	}

	d, err := m.WaitForToolApproval(context.Background(), id)
	if err != nil {
		t.Fatalf("WaitForToolApproval: %v", err)
	}
	if !d.Approved {
		t.Fatal("expected auto-approval")
	}
}

func TestManager_ResolveApprovesAndWakesWaiter(t *testing.T) {
	m, db, fx := newManager(t)
	defer db.Close()

	id, err := m.RequestToolExecutionApproval(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "write_file", json.RawMessage(`{}`), runstate.RiskMedium, false)
	if err != nil {
		t.Fatalf("RequestToolExecutionApproval: %v", err)
	}
	if id == "" {
		t.Fatal("expected a real request id for MEDIUM risk")
	}

	done := make(chan Decision, 1)
	go func() {
		d, err := m.WaitForToolApproval(context.Background(), id)
		if err != nil {
			t.Errorf("WaitForToolApproval: %v", err)
			return
		}
		done <- d
	}()

	time.Sleep(50 * time.Millisecond)
	if err := m.Resolve(context.Background(), id, fx.UserID, true, "looks fine"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case d := <-done:
		if !d.Approved {
			t.Fatal("expected approved decision")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution to wake the waiter")
	}
}

func TestManager_SecondResolutionIsAlreadyResolved(t *testing.T) {
	m, db, fx := newManager(t)
	defer db.Close()

	id, err := m.RequestToolExecutionApproval(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "execute_command", json.RawMessage(`{}`), runstate.RiskHigh, false)
	if err != nil {
		t.Fatalf("RequestToolExecutionApproval: %v", err)
	}

	if err := m.Resolve(context.Background(), id, fx.UserID, true, ""); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	err = m.Resolve(context.Background(), id, fx.UserID, false, "too late")
	if err == nil {
		t.Fatal("expected AlreadyResolved on second resolution")
	}
}

func TestManager_WrongUserCannotResolve(t *testing.T) {
	m, db, fx := newManager(t)
	defer db.Close()

	id, err := m.RequestToolExecutionApproval(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "execute_command", json.RawMessage(`{}`), runstate.RiskHigh, false)
	if err != nil {
		t.Fatalf("RequestToolExecutionApproval: %v", err)
	}

	if err := m.Resolve(context.Background(), id, "someone-else", true, ""); err == nil {
		t.Fatal("expected an error resolving someone else's approval request")
	}
}

func TestManager_RetryCeilingRejectsAfterMaxRetries(t *testing.T) {
	m, db, fx := newManager(t)
	defer db.Close()

	params := json.RawMessage(`{"cmd":"gcc"}`)
	for i := 0; i < runstate.MaxRetriesPerSession; i++ {
		m.RecordRejection(fx.SessionID, "agent-1", "execute_command", params)
	}

	_, err := m.RequestToolExecutionApproval(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "execute_command", params, runstate.RiskHigh, false)
	if err == nil {
		t.Fatal("expected MaxRetriesExceeded once the ceiling is reached")
	}
}
