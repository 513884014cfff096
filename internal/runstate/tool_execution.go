package runstate

import (
	"database/sql/driver"
	"fmt"
)

// ToolExecutionStatus is the lifecycle of a single tool invocation, from
// risk classification through client-reported completion.
type ToolExecutionStatus string

const (
	ToolExecutionPending   ToolExecutionStatus = "pending"
	ToolExecutionApproved  ToolExecutionStatus = "approved"
	ToolExecutionRejected  ToolExecutionStatus = "rejected"
	ToolExecutionExecuting ToolExecutionStatus = "executing"
	ToolExecutionCompleted ToolExecutionStatus = "completed"
	ToolExecutionFailed    ToolExecutionStatus = "failed"
	ToolExecutionTimeout   ToolExecutionStatus = "timeout"
)

func (s ToolExecutionStatus) IsValid() bool {
	switch s {
	case ToolExecutionPending, ToolExecutionApproved, ToolExecutionRejected,
		ToolExecutionExecuting, ToolExecutionCompleted, ToolExecutionFailed, ToolExecutionTimeout:
		return true
	default:
		return false
	}
}

func (s ToolExecutionStatus) IsTerminal() bool {
	switch s {
	case ToolExecutionRejected, ToolExecutionCompleted, ToolExecutionFailed, ToolExecutionTimeout:
		return true
	default:
		return false
	}
}

// CanAcceptResult reports whether a client-posted result may be applied to
// a tool execution in this state. Only executing accepts a result; a
// result posted against any other state is rejected as stale or a replay.
func (s ToolExecutionStatus) CanAcceptResult() bool {
	return s == ToolExecutionExecuting
}

// CanTransitionTo enforces the strictly-monotonic progression:
//
//	pending    -> approved, rejected, timeout
//	approved   -> executing, timeout
//	executing  -> completed, failed, timeout
func (s ToolExecutionStatus) CanTransitionTo(target ToolExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case ToolExecutionPending:
		return target == ToolExecutionApproved || target == ToolExecutionRejected || target == ToolExecutionTimeout
	case ToolExecutionApproved:
		return target == ToolExecutionExecuting || target == ToolExecutionTimeout
	case ToolExecutionExecuting:
		return target == ToolExecutionCompleted || target == ToolExecutionFailed || target == ToolExecutionTimeout
	}
	return false
}

func (s ToolExecutionStatus) String() string { return string(s) }

func (s ToolExecutionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

func (s *ToolExecutionStatus) Scan(src any) error {
	v, err := scanString(src, "ToolExecutionStatus")
	if err != nil {
		return err
	}
	status := ToolExecutionStatus(v)
	if !status.IsValid() {
		return fmt.Errorf("runstate: invalid tool execution status %q", v)
	}
	*s = status
	return nil
}
