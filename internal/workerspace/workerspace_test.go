package workerspace

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/platform/internal/bus"
	"github.com/agentcore/platform/internal/embeddings"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/testutil"
	"github.com/agentcore/platform/internal/vectorstore"
)

func newTestRegistry(t *testing.T, dispatch bus.Dispatcher) (*Registry, *store.Store, *testutil.TestDB) {
	t.Helper()
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	if err := db.CleanTables(context.Background()); err != nil {
		t.Fatalf("clean tables: %v", err)
	}

	st := store.New(db.Pool)
	b := bus.New(bus.Config{
		QueueCapacity:          4,
		MaxConcurrencyPerAgent: 2,
		DirectTimeout:          time.Second,
		HardTimeout:            2 * time.Second,
		RetryMaxAttempts:       0,
		RetryBase:              time.Millisecond,
		RetryCap:               5 * time.Millisecond,
	}, dispatch, logging.NewNop())
	vstore := vectorstore.New(db.Pool, embeddings.NewHashEmbedder(), 3, time.Second)
	embed := embeddings.NewHashEmbedder()

	reg := New(DefaultConfig(), st, b, vstore, embed, nil, logging.NewNop())
	return reg, st, db
}

func echoDispatch(ctx context.Context, task *bus.Task) (*bus.Result, error) {
	payload := task.Payload.(dispatchPayload)
	return &bus.Result{Text: "echo: " + payload.Content}, nil
}

func TestRegistry_GetOrCreateReturnsSameSpaceForSameKey(t *testing.T) {
	reg, _, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()

	s1, err := reg.GetOrCreate(ctx, "user-1", "project-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := reg.GetOrCreate(ctx, "user-1", "project-1")
	if err != nil {
		t.Fatalf("GetOrCreate again: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same Space instance for the same (user, project) key")
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 materialized space, got %d", reg.Count())
	}
}

func TestRegistry_GetOrCreateCollapsesConcurrentCallers(t *testing.T) {
	reg, _, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()

	const n = 20
	results := make(chan *Space, n)
	for i := 0; i < n; i++ {
		go func() {
			s, err := reg.GetOrCreate(ctx, "user-race", "project-race")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				results <- nil
				return
			}
			results <- s
		}()
	}

	first := <-results
	for i := 1; i < n; i++ {
		s := <-results
		if s != first {
			t.Fatal("expected every concurrent caller to observe the same Space")
		}
	}
}

func TestRegistry_GetReturnsNilBeforeCreation(t *testing.T) {
	reg, _, db := newTestRegistry(t, echoDispatch)
	defer db.Close()

	if s := reg.Get("nobody", "nowhere"); s != nil {
		t.Fatal("expected Get to return nil for an uncreated space")
	}
}

func TestSpace_DirectExecutionRoutesThroughBusAndCachesAgent(t *testing.T) {
	reg, st, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	agent, err := st.CreateAgent(ctx, fx.UserID, fx.ProjectID, "coder", store.AgentConfig{
		Model:            "test-model",
		ConcurrencyLimit: 1,
		Description:      "writes code",
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	space, err := reg.GetOrCreate(ctx, fx.UserID, fx.ProjectID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	res, err := space.DirectExecution(ctx, agent.ID, fx.SessionID, "hello", nil, nil)
	if err != nil {
		t.Fatalf("DirectExecution: %v", err)
	}
	if res.Text != "echo: hello" {
		t.Fatalf("unexpected result text: %q", res.Text)
	}

	metrics := space.GetMetrics()
	if metrics.RegisteredAgentCount != 1 {
		t.Fatalf("expected 1 registered agent, got %d", metrics.RegisteredAgentCount)
	}

	// Second call should be a cache hit for the agent descriptor.
	if _, err := space.DirectExecution(ctx, agent.ID, fx.SessionID, "again", nil, nil); err != nil {
		t.Fatalf("second DirectExecution: %v", err)
	}
	after := space.GetMetrics()
	if after.CacheHitRate <= 0 {
		t.Fatalf("expected a positive cache hit rate after a repeat GetAgent, got %f", after.CacheHitRate)
	}
}

func TestSpace_OrchestratedExecutionFailsWithNoAgents(t *testing.T) {
	reg, _, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	space, err := reg.GetOrCreate(ctx, fx.UserID, fx.ProjectID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := space.OrchestratedExecution(ctx, fx.SessionID, "do something", nil, nil); err == nil {
		t.Fatal("expected an error when the project has no agents to route to")
	}
}

func TestSpace_OrchestratedExecutionPicksBestMatchingAgent(t *testing.T) {
	reg, st, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	coder, err := st.CreateAgent(ctx, fx.UserID, fx.ProjectID, "coder", store.AgentConfig{
		Model: "test-model", ConcurrencyLimit: 1, Description: "writes and debugs source code in Go",
	})
	if err != nil {
		t.Fatalf("CreateAgent coder: %v", err)
	}
	if _, err := st.CreateAgent(ctx, fx.UserID, fx.ProjectID, "writer", store.AgentConfig{
		Model: "test-model", ConcurrencyLimit: 1, Description: "drafts marketing copy and blog posts",
	}); err != nil {
		t.Fatalf("CreateAgent writer: %v", err)
	}

	space, err := reg.GetOrCreate(ctx, fx.UserID, fx.ProjectID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	res, err := space.OrchestratedExecution(ctx, fx.SessionID, "fix a bug in the Go source code", nil, nil)
	if err != nil {
		t.Fatalf("OrchestratedExecution: %v", err)
	}
	if res.Text == "" {
		t.Fatal("expected a non-empty result")
	}
	_ = coder
}

func TestSpace_InvalidateAgentForcesFreshLookup(t *testing.T) {
	reg, st, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	agent, err := st.CreateAgent(ctx, fx.UserID, fx.ProjectID, "coder", store.AgentConfig{
		Model: "test-model", ConcurrencyLimit: 1, Description: "writes code",
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	space, err := reg.GetOrCreate(ctx, fx.UserID, fx.ProjectID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if _, err := space.GetAgent(ctx, agent.ID); err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	space.InvalidateAgent(agent.ID)

	if _, err := space.GetAgent(ctx, agent.ID); err != nil {
		t.Fatalf("GetAgent after invalidation: %v", err)
	}
	metrics := space.GetMetrics()
	if metrics.CacheHitRate != 0 {
		t.Fatalf("expected cache miss immediately after invalidation, got hit rate %f", metrics.CacheHitRate)
	}
}

func TestSpace_ResetClearsCountersButKeepsRegistryEntry(t *testing.T) {
	reg, st, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	agent, err := st.CreateAgent(ctx, fx.UserID, fx.ProjectID, "coder", store.AgentConfig{
		Model: "test-model", ConcurrencyLimit: 1, Description: "writes code",
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	space, err := reg.GetOrCreate(ctx, fx.UserID, fx.ProjectID)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := space.DirectExecution(ctx, agent.ID, fx.SessionID, "hello", nil, nil); err != nil {
		t.Fatalf("DirectExecution: %v", err)
	}

	space.Reset(ctx)

	m := space.GetMetrics()
	if m.TaskCounter != 0 {
		t.Fatalf("expected TaskCounter to reset to 0, got %d", m.TaskCounter)
	}
	if m.RegisteredAgentCount != 0 {
		t.Fatalf("expected Reset to deregister agents, got %d still registered", m.RegisteredAgentCount)
	}
	if reg.Get(fx.UserID, fx.ProjectID) != space {
		t.Fatal("expected Reset to leave the Space's registry entry intact")
	}
}

func TestRegistry_RemoveDrainsAndForgetsSpace(t *testing.T) {
	reg, _, db := newTestRegistry(t, echoDispatch)
	defer db.Close()
	ctx := context.Background()
	fx := testutil.SeedFixture(ctx, t, db)

	if _, err := reg.GetOrCreate(ctx, fx.UserID, fx.ProjectID); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	reg.Remove(ctx, fx.UserID, fx.ProjectID)

	if reg.Get(fx.UserID, fx.ProjectID) != nil {
		t.Fatal("expected Remove to drop the space from the registry")
	}
	if reg.Count() != 0 {
		t.Fatalf("expected 0 spaces after Remove, got %d", reg.Count())
	}
}
