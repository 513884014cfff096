package runstate

import "testing"

func TestApprovalStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  ApprovalStatus
		to    ApprovalStatus
		valid bool
	}{
		{ApprovalPending, ApprovalApproved, true},
		{ApprovalPending, ApprovalRejected, true},
		{ApprovalPending, ApprovalTimeout, true},
		{ApprovalPending, ApprovalPending, false},
		{ApprovalApproved, ApprovalRejected, false},
		{ApprovalTimeout, ApprovalApproved, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestApprovalStatus_NeverReentersPending(t *testing.T) {
	for _, s := range []ApprovalStatus{ApprovalApproved, ApprovalRejected, ApprovalTimeout} {
		if s.CanTransitionTo(ApprovalPending) {
			t.Errorf("%s must not transition back to pending", s)
		}
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestTimeoutSeconds(t *testing.T) {
	tests := []struct {
		risk   RiskLevel
		isPlan bool
		want   int
	}{
		{RiskLow, false, 0},
		{RiskMedium, false, 300},
		{RiskHigh, false, 600},
		{RiskHigh, true, 300},
	}
	for _, tt := range tests {
		if got := TimeoutSeconds(tt.risk, tt.isPlan); got != tt.want {
			t.Errorf("TimeoutSeconds(%s, plan=%v) = %d, want %d", tt.risk, tt.isPlan, got, tt.want)
		}
	}
}

func TestToolExecutionStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  ToolExecutionStatus
		to    ToolExecutionStatus
		valid bool
	}{
		{ToolExecutionPending, ToolExecutionApproved, true},
		{ToolExecutionPending, ToolExecutionRejected, true},
		{ToolExecutionPending, ToolExecutionExecuting, false},
		{ToolExecutionApproved, ToolExecutionExecuting, true},
		{ToolExecutionExecuting, ToolExecutionCompleted, true},
		{ToolExecutionExecuting, ToolExecutionFailed, true},
		{ToolExecutionCompleted, ToolExecutionFailed, false},
		{ToolExecutionRejected, ToolExecutionExecuting, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestToolExecutionStatus_CanAcceptResult(t *testing.T) {
	for _, s := range AllToolExecutionStatuses() {
		want := s == ToolExecutionExecuting
		if got := s.CanAcceptResult(); got != want {
			t.Errorf("%s.CanAcceptResult() = %v, want %v", s, got, want)
		}
	}
}

func AllToolExecutionStatuses() []ToolExecutionStatus {
	return []ToolExecutionStatus{
		ToolExecutionPending, ToolExecutionApproved, ToolExecutionRejected,
		ToolExecutionExecuting, ToolExecutionCompleted, ToolExecutionFailed, ToolExecutionTimeout,
	}
}

func TestOutboxStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  OutboxStatus
		to    OutboxStatus
		valid bool
	}{
		{OutboxPending, OutboxPublished, true},
		{OutboxPending, OutboxFailed, true},
		{OutboxPending, OutboxPending, true},
		{OutboxPublished, OutboxPending, false},
		{OutboxFailed, OutboxPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}
