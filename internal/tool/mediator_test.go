package tool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/approval"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/testutil"
)

func newMediator(t *testing.T) (*Mediator, *testutil.TestDB, *testutil.Fixture) {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("clean tables: %v", err)
	}
	fx := testutil.SeedFixture(ctx, t, db)
	st := store.New(db.Pool)
	v, err := NewValidator("/workspace", 1<<20, 1<<16, 5)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	approvals := approval.New(st, logging.NewNop())
	return New(st, v, approvals, logging.NewNop()), db, fx
}

func TestMediator_LowRiskExecutesWithoutApprovalThenCompletesOnResult(t *testing.T) {
	m, db, fx := newMediator(t)
	defer db.Close()

	resultCh := make(chan *Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := m.ExecuteTool(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "read_file", json.RawMessage(`{"path":"a.go"}`))
		resultCh <- out
		errCh <- err
	}()

	// give ExecuteTool time to validate, auto-approve, and move the
	// tool_executions row to executing before the client posts its result.
	time.Sleep(100 * time.Millisecond)

	st := store.New(db.Pool)
	rows, err := st.GetStuckToolExecutions(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetStuckToolExecutions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 executing tool execution, got %d", len(rows))
	}

	if err := m.PostResult(context.Background(), rows[0].ID, "file contents", false); err != nil {
		t.Fatalf("PostResult: %v", err)
	}

	select {
	case out := <-resultCh:
		if out.Failed {
			t.Fatal("expected a successful outcome")
		}
		if out.Result != "file contents" {
			t.Fatalf("expected posted result to be delivered, got %q", out.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ExecuteTool to unblock")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("ExecuteTool returned error: %v", err)
	}
}

func TestMediator_PostResultRejectsUnknownExecution(t *testing.T) {
	m, db, _ := newMediator(t)
	defer db.Close()

	err := m.PostResult(context.Background(), "00000000-0000-0000-0000-000000000000", "irrelevant", false)
	if err == nil {
		t.Fatal("expected PostResult against a nonexistent execution to fail")
	}
}

func TestMediator_PostResultFailedEmitsErrorEvent(t *testing.T) {
	m, db, fx := newMediator(t)
	defer db.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ExecuteTool(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "read_file", json.RawMessage(`{"path":"a.go"}`))
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)

	st := store.New(db.Pool)
	rows, err := st.GetStuckToolExecutions(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GetStuckToolExecutions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 executing tool execution, got %d", len(rows))
	}

	if err := m.PostResult(context.Background(), rows[0].ID, "permission denied", true); err != nil {
		t.Fatalf("PostResult: %v", err)
	}
	<-errCh // ExecuteTool itself resolves with the failed outcome, not an error

	var eventTypes []string
	if err := st.ClaimAndProcess(context.Background(), 10, func(ctx context.Context, row *store.OutboxRow) error {
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
		t.Fatalf("expected an error event among published outbox rows, got %v", eventTypes)
	}
}

func TestMediator_ExecutionTimeoutEmitsErrorEvent(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	defer db.Close()
	ctx := context.Background()
	if err := db.CleanTables(ctx); err != nil {
		t.Fatalf("clean tables: %v", err)
	}
	fx := testutil.SeedFixture(ctx, t, db)
	st := store.New(db.Pool)
	v, err := NewValidator("/workspace", 1<<20, 1<<16, 1) // 1s command timeout doubles as the test's execution wait
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	approvals := approval.New(st, logging.NewNop())
	m := New(st, v, approvals, logging.NewNop())

	errCh := make(chan error, 1)
	go func() {
		_, err := m.ExecuteTool(context.Background(), fx.UserID, fx.ProjectID, "agent-1", fx.SessionID, "read_file", json.RawMessage(`{"path":"a.go"}`))
		errCh <- err
	}()

	select {
	case <-errCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ExecuteTool to resolve on execution timeout")
	}

	var eventTypes []string
	if err := st.ClaimAndProcess(context.Background(), 10, func(ctx context.Context, row *store.OutboxRow) error {
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
		t.Fatalf("expected an error event among published outbox rows after a timeout, got %v", eventTypes)
	}
}
