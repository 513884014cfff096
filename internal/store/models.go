package store

import (
	"encoding/json"
	"time"

	"github.com/agentcore/platform/internal/runstate"
)

// User is the tenant root entity.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Project belongs to exactly one user and cascades to agents/sessions.
type Project struct {
	ID            string
	UserID        string
	Name          string
	WorkspacePath *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AgentStatus is the closed set an agent's readiness can be in.
type AgentStatus string

const (
	AgentStatusReady AgentStatus = "ready"
	AgentStatusBusy  AgentStatus = "busy"
	AgentStatusError AgentStatus = "error"
)

// AgentConfig is the JSONB-encoded per-agent configuration.
type AgentConfig struct {
	Model            string   `json:"model"`
	Temperature      float64  `json:"temperature"`
	MaxTokens        int      `json:"max_tokens"`
	Tools            []string `json:"tools"`
	ConcurrencyLimit int      `json:"concurrency_limit"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Description      string   `json:"description,omitempty"`
}

// Agent is a configured, addressable worker within a project.
type Agent struct {
	ID        string
	UserID    string
	ProjectID string
	Name      string
	Config    AgentConfig
	Status    AgentStatus
	CreatedAt time.Time
}

// Session is a chat thread scoped to one project.
type Session struct {
	ID        string
	UserID    string
	ProjectID string
	CreatedAt time.Time
}

// MessageRole is the closed set of message originators.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Message is a single turn within a session, optionally attributed to
// an agent.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	AgentID   *string
	CreatedAt time.Time
}

// ApprovalRequest gates a side-effectful operation on user consent.
type ApprovalRequest struct {
	ID         string
	UserID     string
	Type       runstate.ApprovalType
	Payload    json.RawMessage
	Status     runstate.ApprovalStatus
	CreatedAt  time.Time
	ResolvedAt *time.Time
	Decision   *string
}

// OutboxRow is a domain-write-paired event intent awaiting publication.
type OutboxRow struct {
	ID            string
	AggregateType string
	AggregateID   string
	UserID        string
	ProjectID     string
	EventType     string
	Payload       json.RawMessage
	Status        runstate.OutboxStatus
	RetryCount    int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
	LastError     *string
}

// ToolExecution tracks one client-executed tool invocation end to end.
type ToolExecution struct {
	ID         string
	AgentID    string
	SessionID  string
	ToolName   string
	Params     json.RawMessage
	Risk       runstate.RiskLevel
	Status     runstate.ToolExecutionStatus
	Result     *string
	ApprovalID *string
	CreatedAt  time.Time
}
