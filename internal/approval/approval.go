// Package approval implements the Approval Manager: gate side-effectful
// operations behind explicit, time-bounded user consent, the way the
// teacher's worker.Worker parks a claimed run on a future and only
// proceeds once an external signal arrives — here the signal is a
// human decision instead of a claimed database row.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/runstate"
	"github.com/agentcore/platform/internal/store"
)

// Decision is the resolved outcome of an approval request.
type Decision struct {
	Approved bool
	Decision string
}

// retryKey identifies a distinct (agent, tool, params) combination
// within a session for the retry-ceiling/cooldown rule.
type retryKey struct {
	sessionID string
	agentID   string
	toolName  string
	params    string
}

// retryState tracks rejections of one retryKey.
type retryState struct {
	count       int
	lastAttempt time.Time
}

// Manager owns every pending approval's future and the outbox-backed
// event emission around it.
type Manager struct {
	st     *store.Store
	logger logging.Logger

	warningLead time.Duration

	mu       sync.Mutex
	waiters  map[string]chan Decision
	timers   map[string]*time.Timer // final-timeout timer, cancelled on resolve
	warnings map[string]*time.Timer // pre-timeout warning timer

	retryMu sync.Mutex
	retries map[retryKey]*retryState
}

// New builds a Manager bound to st for persistence and outbox writes.
func New(st *store.Store, logger logging.Logger) *Manager {
	return &Manager{
		st:          st,
		logger:      logger,
		warningLead: time.Duration(runstate.WarningLeadSeconds) * time.Second,
		waiters:     make(map[string]chan Decision),
		timers:      make(map[string]*time.Timer),
		warnings:    make(map[string]*time.Timer),
		retries:     make(map[retryKey]*retryState),
	}
}

// RequestToolExecutionApproval creates a pending approval request,
// checks the per-session retry ceiling, and — unless risk is LOW —
// emits a tool_approval_request event via the outbox. LOW risk
// auto-approves and never creates a request or an event at all,
// matching auto_approve_if_low_risk's "skip emission" contract.
//
// The returned request id resolves exactly once: via Resolve or via
// the risk-dependent timeout firing. For LOW risk the id is empty,
// which WaitForToolApproval treats as approved immediately. Callers
// await the decision with WaitForToolApproval.
func (m *Manager) RequestToolExecutionApproval(ctx context.Context, userID, projectID, agentID, sessionID, toolName string, params json.RawMessage, risk runstate.RiskLevel, isPlan bool) (string, error) {
	key := retryKey{sessionID: sessionID, agentID: agentID, toolName: toolName, params: string(params)}
	if err := m.checkRetryCeiling(key); err != nil {
		return "", err
	}

	if risk == runstate.RiskLow {
		return "", nil // auto-approved; caller treats empty id as "no approval needed"
	}

	payload := map[string]any{
		"agent_id":   agentID,
		"project_id": projectID,
		"session_id": sessionID,
		"tool_name":  toolName,
		"params":     json.RawMessage(params),
		"risk":       risk,
	}

	var req *store.ApprovalRequest
	typ := runstate.ApprovalTypeToolExecution
	if isPlan {
		typ = runstate.ApprovalTypePlan
	}

	timeoutSeconds := runstate.TimeoutSeconds(risk, isPlan)
	payload["timeout_seconds"] = timeoutSeconds

	err := m.st.WithinTx(ctx, func(ctx context.Context) error {
		var werr error
		req, werr = m.st.CreateApprovalRequest(ctx, userID, typ, payload)
		if werr != nil {
			return werr
		}
		_, werr = m.st.InsertOutboxEvent(ctx, store.EventIntent{
			AggregateType: "approval_request",
			AggregateID:   req.ID,
			UserID:        userID,
			ProjectID:     projectID,
			EventType:     "tool_approval_request",
			Payload:       payload,
		})
		return werr
	})
	if err != nil {
		return "", apperror.Wrap("approval.RequestToolExecutionApproval", apperror.CodeTransient, err)
	}

	m.arm(req.ID, timeoutSeconds)
	return req.ID, nil
}

// arm starts the warning and final-timeout timers for a freshly
// created pending request. A request with timeoutSeconds <= 0 (LOW
// risk never reaches here, but a misconfigured MEDIUM/HIGH of 0 would)
// gets no timers at all.
func (m *Manager) arm(requestID string, timeoutSeconds int) {
	if timeoutSeconds <= 0 {
		return
	}
	deadline := time.Duration(timeoutSeconds) * time.Second

	m.mu.Lock()
	m.waiters[requestID] = make(chan Decision, 1)
	if deadline > m.warningLead {
		m.warnings[requestID] = time.AfterFunc(deadline-m.warningLead, func() {
			m.emitWarning(requestID)
		})
	}
	m.timers[requestID] = time.AfterFunc(deadline, func() {
		m.timeoutRequest(requestID)
	})
	m.mu.Unlock()
}

func (m *Manager) emitWarning(requestID string) {
	req, err := m.st.GetApprovalRequest(context.Background(), requestID)
	if err != nil || req.Status != runstate.ApprovalPending {
		return
	}
	_, err = m.writeEvent(context.Background(), req, "approval_timeout_warning", nil)
	if err != nil {
		m.logger.Warn("failed to emit approval timeout warning", "request_id", requestID, "error", err)
	}
}

// timeoutRequest auto-rejects a request whose deadline has elapsed,
// the same CAS-guarded transition a user rejection uses, so a
// concurrent user resolution racing the timer can win at most once.
func (m *Manager) timeoutRequest(requestID string) {
	ctx := context.Background()
	ok, err := m.st.ResolveApprovalRequest(ctx, requestID, runstate.ApprovalTimeout, "")
	if err != nil {
		m.logger.Error("approval timeout resolution failed", "request_id", requestID, "error", err)
		return
	}
	if !ok {
		return // already resolved by the user; nothing to do
	}

	req, err := m.st.GetApprovalRequest(ctx, requestID)
	if err == nil {
		if _, err := m.writeEvent(ctx, req, "approval_timeout", nil); err != nil {
			m.logger.Warn("failed to emit approval_timeout event", "request_id", requestID, "error", err)
		}
	}

	m.deliver(requestID, Decision{Approved: false, Decision: "timeout"})
}

// WaitForToolApproval blocks until requestID resolves or ctx is cancelled,
// returning Timeout if neither happens before the caller's own
// deadline — distinct from the request's own timeout, which is
// enforced server-side regardless of whether anyone is still waiting.
func (m *Manager) WaitForToolApproval(ctx context.Context, requestID string) (Decision, error) {
	if requestID == "" {
		return Decision{Approved: true, Decision: "auto_approved"}, nil
	}

	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	m.mu.Unlock()
	if !ok {
		// No timer was armed (timeoutSeconds == 0 edge case); resolve
		// directly from persisted state instead of blocking forever.
		req, err := m.st.GetApprovalRequest(ctx, requestID)
		if err != nil {
			return Decision{}, err
		}
		return decisionFromStatus(req), nil
	}

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return Decision{}, apperror.Wrap("approval.WaitForToolApproval", apperror.CodeTimeout, ctx.Err())
	}
}

// Resolve applies the user's decision to requestID, verifying
// ownership and the pending→terminal CAS guard, emits
// approval_resolved, and wakes the waiting future. A second
// resolution of an already-terminal request returns AlreadyResolved,
// the idempotency guarantee spec §4.6 requires.
func (m *Manager) Resolve(ctx context.Context, requestID, userID string, approve bool, reason string) error {
	req, err := m.st.GetApprovalRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.UserID != userID {
		return apperror.New("approval.Resolve", apperror.CodeForbidden, "requester does not own this approval")
	}

	target := runstate.ApprovalRejected
	if approve {
		target = runstate.ApprovalApproved
	}

	ok, err := m.st.ResolveApprovalRequest(ctx, requestID, target, reason)
	if err != nil {
		return apperror.Wrap("approval.Resolve", apperror.CodeTransient, err)
	}
	if !ok {
		return apperror.New("approval.Resolve", apperror.CodeAlreadyResolved, requestID)
	}

	m.cancelTimers(requestID)

	req.Status = target
	if _, err := m.writeEvent(ctx, req, "approval_resolved", map[string]any{
		"approval_id": requestID,
		"decision":    target.String(),
		"resolver":    userID,
	}); err != nil {
		m.logger.Warn("failed to emit approval_resolved event", "request_id", requestID, "error", err)
	}

	m.deliver(requestID, Decision{Approved: approve, Decision: target.String()})
	return nil
}

func (m *Manager) deliver(requestID string, d Decision) {
	m.mu.Lock()
	ch, ok := m.waiters[requestID]
	delete(m.waiters, requestID)
	delete(m.timers, requestID)
	delete(m.warnings, requestID)
	m.mu.Unlock()
	if ok {
		ch <- d
		close(ch)
	}
}

func (m *Manager) cancelTimers(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[requestID]; ok {
		t.Stop()
	}
	if t, ok := m.warnings[requestID]; ok {
		t.Stop()
	}
}

// writeEvent appends a single outbox event tied to req's owning user,
// outside of the transaction that created the approval row (these
// follow-up events have no domain write of their own to pair with).
// session_id is threaded through from the original request payload so
// the stream publisher can route every follow-up event to the right
// session stream, matching the wire frame's top-level session_id
// field.
func (m *Manager) writeEvent(ctx context.Context, req *store.ApprovalRequest, eventType string, extra map[string]any) (string, error) {
	payload := map[string]any{"approval_id": req.ID, "session_id": sessionIDFromPayload(req.Payload)}
	for k, v := range extra {
		payload[k] = v
	}
	return m.st.InsertOutboxEvent(ctx, store.EventIntent{
		AggregateType: "approval_request",
		AggregateID:   req.ID,
		UserID:        req.UserID,
		ProjectID:     projectIDFromPayload(req.Payload),
		EventType:     eventType,
		Payload:       payload,
	})
}

// projectIDFromPayload recovers the project_id the original request
// was opened with, since ApprovalRequest itself carries only user_id —
// event_outbox.project_id is required on every row, including these
// follow-up events that have no domain write of their own to read it
// from.
func projectIDFromPayload(raw json.RawMessage) string {
	var body struct {
		ProjectID string `json:"project_id"`
	}
	_ = json.Unmarshal(raw, &body)
	return body.ProjectID
}

// sessionIDFromPayload recovers the session_id the original request
// was opened with, same rationale as projectIDFromPayload.
func sessionIDFromPayload(raw json.RawMessage) string {
	var body struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(raw, &body)
	return body.SessionID
}

// checkRetryCeiling enforces spec §4.6's retry rule: at most 3
// rejected-and-retried attempts of the same (agent, tool, params)
// within a session, spaced at least 10 s apart.
func (m *Manager) checkRetryCeiling(key retryKey) error {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()

	st, ok := m.retries[key]
	if !ok {
		return nil
	}
	if st.count >= runstate.MaxRetriesPerSession {
		return apperror.New("approval.checkRetryCeiling", apperror.CodeMaxRetriesExceeded, "retry ceiling reached for this tool invocation")
	}
	if time.Since(st.lastAttempt) < time.Duration(runstate.RetryCooldownSeconds)*time.Second {
		return apperror.New("approval.checkRetryCeiling", apperror.CodeMaxRetriesExceeded, "retry cooldown not yet elapsed")
	}
	return nil
}

// RecordRejection bumps the retry counter for key after a rejected or
// timed-out tool approval, so the next RequestToolExecutionApproval
// call for the same combination enforces the ceiling/cooldown.
func (m *Manager) RecordRejection(sessionID, agentID, toolName string, params json.RawMessage) {
	key := retryKey{sessionID: sessionID, agentID: agentID, toolName: toolName, params: string(params)}
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	st, ok := m.retries[key]
	if !ok {
		st = &retryState{}
		m.retries[key] = st
	}
	st.count++
	st.lastAttempt = time.Now()
}

func decisionFromStatus(req *store.ApprovalRequest) Decision {
	return Decision{
		Approved: req.Status == runstate.ApprovalApproved,
		Decision: req.Status.String(),
	}
}
