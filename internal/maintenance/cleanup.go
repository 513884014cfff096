package maintenance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/runstate"
	"github.com/agentcore/platform/internal/store"
)

// CleanupConfig holds configuration for the cleanup service. Only the
// leader instance should run this service; internal/leadership's
// OnBecameLeader/OnLostLeadership callbacks are the intended Start/Stop
// triggers.
type CleanupConfig struct {
	// Interval is how often to run cleanup operations.
	Interval time.Duration

	// StuckExecutionTimeout is how long a tool execution can sit in
	// "executing" before it's considered abandoned by its client and is
	// marked timed out.
	StuckExecutionTimeout time.Duration

	// StaleInstanceTimeout is how long since an instance's last
	// heartbeat before it is deregistered.
	StaleInstanceTimeout time.Duration

	// OnStaleInstanceCleanup is called with the count of instances
	// deregistered in a sweep, when non-zero.
	OnStaleInstanceCleanup func(count int)

	// OnStuckExecutionCleanup is called with the count of tool
	// executions marked timed out in a sweep, when non-zero.
	OnStuckExecutionCleanup func(count int)

	// OnError is called for each error a sweep encounters.
	OnError func(err error)
}

// CleanupResult holds the results of one cleanup sweep.
type CleanupResult struct {
	StaleInstancesCleaned int
	StuckExecutionsCleaned int
	ExpiredLeadersCleaned int
	Errors                []error
}

// Cleanup performs periodic cleanup of stale instances, stuck tool
// executions, and expired leader leases.
type Cleanup struct {
	store  *store.Store
	config CleanupConfig
	logger logging.Logger

	started atomic.Bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewCleanup creates a new cleanup service.
func NewCleanup(st *store.Store, cfg CleanupConfig, logger logging.Logger) *Cleanup {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Cleanup{
		store:  st,
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start begins the cleanup loop. Call only while this instance holds
// leadership.
func (c *Cleanup) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)

	return nil
}

// Stop stops the cleanup loop.
func (c *Cleanup) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}

	c.cancel()
	<-c.done

	c.started.Store(false)
	return nil
}

func (c *Cleanup) run(ctx context.Context) {
	defer close(c.done)

	c.runCleanup(ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCleanup(ctx)
		}
	}
}

func (c *Cleanup) runCleanup(ctx context.Context) {
	result := c.RunOnce(ctx)

	if c.config.OnStaleInstanceCleanup != nil && result.StaleInstancesCleaned > 0 {
		c.config.OnStaleInstanceCleanup(result.StaleInstancesCleaned)
	}
	if c.config.OnStuckExecutionCleanup != nil && result.StuckExecutionsCleaned > 0 {
		c.config.OnStuckExecutionCleanup(result.StuckExecutionsCleaned)
	}
	for _, err := range result.Errors {
		if c.config.OnError != nil {
			c.config.OnError(err)
		} else {
			c.logger.Warn("maintenance: cleanup sweep error", "error", err)
		}
	}
}

// RunOnce performs one cleanup sweep and returns its result. Exposed
// separately from the loop for tests and one-off operator use.
func (c *Cleanup) RunOnce(ctx context.Context) *CleanupResult {
	result := &CleanupResult{}

	staleCount, err := c.cleanupStaleInstances(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.StaleInstancesCleaned = staleCount
	}

	stuckCount, err := c.cleanupStuckExecutions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.StuckExecutionsCleaned = stuckCount
	}

	leaderCount, err := c.store.LeaderDeleteExpired(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	} else {
		result.ExpiredLeadersCleaned = leaderCount
	}

	return result
}

func (c *Cleanup) cleanupStaleInstances(ctx context.Context) (int, error) {
	horizon := time.Now().Add(-c.config.StaleInstanceTimeout)

	staleIDs, err := c.store.GetStaleInstances(ctx, horizon)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range staleIDs {
		if err := c.store.DeregisterInstance(ctx, id); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

// cleanupStuckExecutions finds tool executions a client accepted but
// never reported a result for, past the configured timeout, and
// transitions them to timeout so any approval/agent state waiting on
// them can unblock instead of hanging forever.
func (c *Cleanup) cleanupStuckExecutions(ctx context.Context) (int, error) {
	horizon := time.Now().Add(-c.config.StuckExecutionTimeout)

	stuck, err := c.store.GetStuckToolExecutions(ctx, horizon)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, te := range stuck {
		ok, err := c.store.TransitionToolExecution(ctx, te.ID, runstate.ToolExecutionExecuting, runstate.ToolExecutionTimeout, nil)
		if err != nil || !ok {
			continue
		}
		c.emitStuckExecutionErrorEvent(ctx, te)
		count++
	}
	return count, nil
}

// emitStuckExecutionErrorEvent mirrors internal/tool.Mediator's own
// timeout event emission for the identical transition reached from
// this sweep instead of the mediator's in-process timer — spec §7's
// "Tool execution failure or timeout produces an error event on the
// stream" applies to both paths to the same terminal state.
func (c *Cleanup) emitStuckExecutionErrorEvent(ctx context.Context, te *store.ToolExecution) {
	sess, err := c.store.GetSessionByID(ctx, te.SessionID)
	if err != nil {
		c.logger.Warn("failed to resolve session for stuck tool execution error event", "tool_execution_id", te.ID, "error", err)
		return
	}
	_, err = c.store.InsertOutboxEvent(ctx, store.EventIntent{
		AggregateType: "tool_execution",
		AggregateID:   te.ID,
		UserID:        sess.UserID,
		ProjectID:     sess.ProjectID,
		EventType:     "error",
		Payload: map[string]any{
			"error_code": "tool_execution_timeout",
			"message":    "tool execution timed out waiting for a client result",
			"context": map[string]any{
				"tool_execution_id": te.ID,
				"tool_name":         te.ToolName,
				"agent_id":          te.AgentID,
				"session_id":        te.SessionID,
			},
		},
	})
	if err != nil {
		c.logger.Warn("failed to emit stuck tool execution error event", "tool_execution_id", te.ID, "error", err)
	}
}

// IsRunning reports whether the cleanup loop is active.
func (c *Cleanup) IsRunning() bool {
	return c.started.Load()
}
