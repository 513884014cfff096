// Package tool implements the client-executed Tool Mediation Pipeline
// (spec §4.7): validate, classify risk, gate on approval, signal the
// client, and unblock the agent once the client posts a result — none
// of the file/command operations themselves ever run on the server.
package tool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/approval"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/runstate"
	"github.com/agentcore/platform/internal/store"
)

// Outcome is what a completed (or failed/timed-out) tool execution
// resolves to for the waiting agent task.
type Outcome struct {
	ToolExecutionID string
	Result          string
	Failed          bool
}

// Mediator is the process-wide glue between validation, the Approval
// Manager, and the tool_executions table — one instance backs every
// agent's execute_tool calls, the way a single Bus backs every
// agent's submitted tasks.
type Mediator struct {
	st        *store.Store
	validator *Validator
	risk      *RiskAssessor
	approvals *approval.Manager
	logger    logging.Logger

	mu      sync.Mutex
	waiters map[string]chan Outcome
	timers  map[string]*time.Timer
}

// New builds a Mediator. validator and approvals are constructed by
// the caller (cmd/server) so their own dependencies — workspace root,
// size ceilings, the shared Approval Manager — stay explicit.
func New(st *store.Store, validator *Validator, approvals *approval.Manager, logger logging.Logger) *Mediator {
	return &Mediator{
		st:        st,
		validator: validator,
		risk:      NewRiskAssessor(),
		approvals: approvals,
		logger:    logger,
		waiters:   make(map[string]chan Outcome),
		timers:    make(map[string]*time.Timer),
	}
}

// ExecuteTool runs the full protocol in §4.7 steps 1-8 and blocks
// until the client posts a result, the approval is rejected/timed
// out, or the execution itself times out. The caller is expected to
// be running on an internal/bus worker goroutine, so blocking here is
// exactly the "park the agent task on a future" behavior spec §4.7
// step 3 describes.
func (m *Mediator) ExecuteTool(ctx context.Context, userID, projectID, agentID, sessionID, toolName string, params json.RawMessage) (*Outcome, error) {
	if err := m.validator.Validate(toolName, params); err != nil {
		return nil, apperror.Wrap("tool.ExecuteTool", apperror.CodeValidation, err)
	}

	risk := m.risk.Assess(toolName, params)

	approvalID, err := m.approvals.RequestToolExecutionApproval(ctx, userID, projectID, agentID, sessionID, toolName, params, risk, false)
	if err != nil {
		return nil, err // MaxRetriesExceeded or a transient store failure
	}

	decision, err := m.approvals.WaitForToolApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if !decision.Approved {
		if approvalID != "" {
			m.approvals.RecordRejection(sessionID, agentID, toolName, params)
		}
		return nil, apperror.New("tool.ExecuteTool", apperror.CodePermanent, "tool execution was rejected: "+decision.Decision)
	}

	var execID string
	var approvalRef *string
	if approvalID != "" {
		approvalRef = &approvalID
	}

	err = m.st.WithinTx(ctx, func(ctx context.Context) error {
		exec, werr := m.st.CreateToolExecution(ctx, agentID, sessionID, toolName, params, risk, approvalRef)
		if werr != nil {
			return werr
		}
		execID = exec.ID
		_, werr = m.st.InsertOutboxEvent(ctx, store.EventIntent{
			AggregateType: "tool_execution",
			AggregateID:   exec.ID,
			UserID:        userID,
			ProjectID:     projectID,
			EventType:     "tool_execution_signal",
			Payload: map[string]any{
				"tool_id":    exec.ID,
				"name":       toolName,
				"params":     json.RawMessage(params),
				"session_id": sessionID,
			},
		})
		return werr
	})
	if err != nil {
		return nil, apperror.Wrap("tool.ExecuteTool", apperror.CodeTransient, err)
	}

	ok, err := m.st.TransitionToolExecution(ctx, execID, runstate.ToolExecutionPending, runstate.ToolExecutionApproved, nil)
	if err != nil {
		return nil, apperror.Wrap("tool.ExecuteTool", apperror.CodeTransient, err)
	}
	if !ok {
		return nil, apperror.New("tool.ExecuteTool", apperror.CodePermanent, "tool execution left pending state unexpectedly")
	}
	ok, err = m.st.TransitionToolExecution(ctx, execID, runstate.ToolExecutionApproved, runstate.ToolExecutionExecuting, nil)
	if err != nil {
		return nil, apperror.Wrap("tool.ExecuteTool", apperror.CodeTransient, err)
	}
	if !ok {
		return nil, apperror.New("tool.ExecuteTool", apperror.CodePermanent, "tool execution left approved state unexpectedly")
	}

	ch := m.arm(execID)

	select {
	case out := <-ch:
		return &out, nil
	case <-ctx.Done():
		return nil, apperror.Wrap("tool.ExecuteTool", apperror.CodeCancelled, ctx.Err())
	}
}

// arm registers execID's waiter channel and starts its execution
// timeout — step 8 of the protocol: "if no result arrives within the
// tool's execution timeout ... status transitions to timeout".
func (m *Mediator) arm(execID string) chan Outcome {
	ch := make(chan Outcome, 1)
	m.mu.Lock()
	m.waiters[execID] = ch
	m.timers[execID] = time.AfterFunc(time.Duration(m.validator.CommandTimeoutSeconds())*time.Second, func() {
		m.timeoutExecution(execID)
	})
	m.mu.Unlock()
	return ch
}

func (m *Mediator) timeoutExecution(execID string) {
	ctx := context.Background()
	ok, err := m.st.TransitionToolExecution(ctx, execID, runstate.ToolExecutionExecuting, runstate.ToolExecutionTimeout, nil)
	if err != nil {
		m.logger.Error("tool execution timeout transition failed", "tool_execution_id", execID, "error", err)
		return
	}
	if !ok {
		return // client already posted a result; nothing to do
	}
	m.emitErrorEvent(ctx, execID, "tool_execution_timeout", "tool execution timed out waiting for a client result")
	m.deliver(execID, Outcome{ToolExecutionID: execID, Failed: true, Result: "timeout"})
}

// PostResult applies the client's reported outcome to execID. Callers
// (internal/httpapi) must already have verified userID owns the
// session the execution belongs to; this only re-checks the state CAS
// guard, rejecting a stale or duplicate post as spec §4.7 step 7
// requires ("current status is executing").
func (m *Mediator) PostResult(ctx context.Context, execID, result string, failed bool) error {
	target := runstate.ToolExecutionCompleted
	if failed {
		target = runstate.ToolExecutionFailed
	}

	ok, err := m.st.TransitionToolExecution(ctx, execID, runstate.ToolExecutionExecuting, target, &result)
	if err != nil {
		return apperror.Wrap("tool.PostResult", apperror.CodeTransient, err)
	}
	if !ok {
		return apperror.New("tool.PostResult", apperror.CodeAlreadyResolved, execID)
	}

	if failed {
		m.emitErrorEvent(ctx, execID, "tool_execution_failed", result)
	}

	m.cancelTimer(execID)
	m.deliver(execID, Outcome{ToolExecutionID: execID, Result: result, Failed: failed})
	return nil
}

// emitErrorEvent resolves execID's owning session (for the user_id/
// project_id every outbox row requires) and inserts an "error" event —
// spec §7's "Tool execution failure or timeout produces an error event
// on the stream plus a terminal state on the tool execution row." This
// runs after the state transition already committed, same as
// approval.Manager's own timeout/resolve follow-up events, since there
// is no domain write left to pair it with transactionally.
func (m *Mediator) emitErrorEvent(ctx context.Context, execID, errorCode, message string) {
	te, err := m.st.GetToolExecution(ctx, execID)
	if err != nil {
		m.logger.Warn("failed to load tool execution for error event", "tool_execution_id", execID, "error", err)
		return
	}
	sess, err := m.st.GetSessionByID(ctx, te.SessionID)
	if err != nil {
		m.logger.Warn("failed to resolve session for tool execution error event", "tool_execution_id", execID, "error", err)
		return
	}
	_, err = m.st.InsertOutboxEvent(ctx, store.EventIntent{
		AggregateType: "tool_execution",
		AggregateID:   execID,
		UserID:        sess.UserID,
		ProjectID:     sess.ProjectID,
		EventType:     "error",
		Payload: map[string]any{
			"error_code": errorCode,
			"message":    message,
			"context": map[string]any{
				"tool_execution_id": execID,
				"tool_name":         te.ToolName,
				"agent_id":          te.AgentID,
				"session_id":        te.SessionID,
			},
		},
	})
	if err != nil {
		m.logger.Warn("failed to emit tool execution error event", "tool_execution_id", execID, "error", err)
	}
}

func (m *Mediator) cancelTimer(execID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[execID]; ok {
		t.Stop()
	}
}

func (m *Mediator) deliver(execID string, out Outcome) {
	m.mu.Lock()
	ch, ok := m.waiters[execID]
	delete(m.waiters, execID)
	delete(m.timers, execID)
	m.mu.Unlock()
	if ok {
		ch <- out
		close(ch)
	}
}
