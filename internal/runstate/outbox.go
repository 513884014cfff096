// Package runstate defines the closed state machines that govern outbox
// rows, approval requests, and client-executed tool invocations, adapted
// from the teacher's run/tool-execution state machines.
package runstate

import (
	"database/sql/driver"
	"fmt"
)

// OutboxStatus is the lifecycle of a single outbox event row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// IsValid reports whether s is a known OutboxStatus value.
func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxPending, OutboxPublished, OutboxFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s cannot transition further.
//
// failed is terminal here: it is reached only after the retry ceiling is
// exhausted, and the row stays for operator inspection rather than being
// retried forever.
func (s OutboxStatus) IsTerminal() bool {
	switch s {
	case OutboxPublished, OutboxFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a pending->published/failed or a
// pending->pending (retry, backoff bump) move is valid.
//
// Valid transitions:
//   - pending -> published (publish succeeded)
//   - pending -> failed (retry ceiling exhausted)
//   - pending -> pending (retry, same state, handled via attempt-count bump)
func (s OutboxStatus) CanTransitionTo(target OutboxStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case OutboxPending:
		return target == OutboxPublished || target == OutboxFailed || target == OutboxPending
	}
	return false
}

func (s OutboxStatus) String() string { return string(s) }

// Value implements driver.Valuer.
func (s OutboxStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Scan implements sql.Scanner.
func (s *OutboxStatus) Scan(src any) error {
	v, err := scanString(src, "OutboxStatus")
	if err != nil {
		return err
	}
	status := OutboxStatus(v)
	if !status.IsValid() {
		return fmt.Errorf("runstate: invalid outbox status %q", v)
	}
	*s = status
	return nil
}

func scanString(src any, typeName string) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("runstate: cannot scan type %T into %s", src, typeName)
	}
}
