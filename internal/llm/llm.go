// Package llm wraps the Anthropic SDK as the coordination core's sole
// LLM provider call site, behind a circuit breaker so the Agent Bus can
// classify provider outages as Transient without embedding
// provider-specific retry logic in the bus itself.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/store"
)

// Client is the bus-facing LLM entry point: one Complete call per
// direct_execution invocation (spec §4.2 direct_execution persists
// input/output to long-term memory around exactly this call).
type Client struct {
	sdk     anthropic.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a Client. maxFailures/openTimeout parameterize the
// breaker the same way internal/vectorstore does, so both external
// collaborators fail the same way from the bus's point of view.
func New(apiKey string, maxFailures uint32, openTimeout time.Duration) *Client {
	sdk := anthropic.NewClient(option.WithAPIKey(apiKey))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "anthropic-llm",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return &Client{sdk: sdk, breaker: cb}
}

// ToolDefinition is one tool the model is allowed to invoke this turn,
// carried in from the agent's own configured tool names (spec §4.7
// canonical tools) rather than this package knowing those names or
// their schemas itself.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one turn's worth of conversation plus agent configuration.
type Request struct {
	Model        string
	SystemPrompt string
	MaxTokens    int64
	Temperature  float64
	History      []*store.Message
	Tools        []ToolDefinition
}

// ToolUse is a tool invocation the model asked for in lieu of (or
// alongside) a text reply — spec §4.7 step 1, "agent calls
// execute_tool(name, params)".
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Response is the assistant turn produced by the model. ToolUse is
// non-nil exactly when StopReason is "tool_use".
type Response struct {
	Text         string
	ToolUse      *ToolUse
	StopReason   string
	InputTokens  int64
	OutputTokens int64
}

// Complete sends req to Anthropic and returns the assistant's reply.
// Every failure, an open circuit breaker included, is returned as a
// Transient error; no failure is classified Permanent.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		params := anthropic.MessageNewParams{
			Model:       anthropic.Model(req.Model),
			MaxTokens:   req.MaxTokens,
			Temperature: anthropic.Float(req.Temperature),
			System:      []anthropic.TextBlockParam{{Text: req.SystemPrompt}},
			Messages:    convertHistory(req.History),
		}
		if tools := buildToolParams(req.Tools); len(tools) > 0 {
			params.Tools = tools
		}
		msg, err := c.sdk.Messages.New(ctx, params)
		if err != nil {
			return nil, apperror.Wrap("llm.Complete", apperror.CodeTransient, err)
		}
		return msg, nil
	})
	if err != nil {
		return nil, classifyErr(err)
	}

	msg := result.(*anthropic.Message)
	text, toolUse := extractContent(msg)
	return &Response{
		Text:         text,
		ToolUse:      toolUse,
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}

// buildToolParams converts the agent's tool definitions into the
// union params the SDK expects, the same shape the teacher's
// tool/registry.go ToAnthropicToolUnions produces, passing each raw
// JSON Schema document through ExtraFields rather than decomposing it
// into anthropic.ToolInputSchemaParam's named fields one property at
// a time (the pattern goadesign-goa-ai's anthropic client uses for the
// same "pass an existing JSON Schema through as a tool's input
// schema" problem).
func buildToolParams(defs []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var fields map[string]any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &fields); err != nil {
				continue
			}
		}
		schema := anthropic.ToolInputSchemaParam{ExtraFields: fields}
		u := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

// convertHistory maps the stored, role-tagged transcript onto Anthropic
// message params, skipping system-role rows the way the teacher's
// ConvertToAnthropicMessages does — our Message.Content is a flat
// string rather than the teacher's content-block union, since this
// spec keeps message storage simple (messages table: role, content
// TEXT).
func convertHistory(history []*store.Message) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(history))
	for _, msg := range history {
		if msg.Role == store.MessageRoleSystem {
			continue
		}
		role := anthropic.MessageParamRoleUser
		if msg.Role == store.MessageRoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		params = append(params, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
		})
	}
	return params
}

// extractContent pulls the text portion of the turn and, when present,
// the first tool_use block — the model may ask for at most one tool
// invocation per dispatch round in this pipeline (spec §4.7's
// protocol is a single validate-approve-signal-await cycle per call).
func extractContent(msg *anthropic.Message) (string, *ToolUse) {
	var text string
	var toolUse *ToolUse
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			if toolUse == nil {
				toolUse = &ToolUse{ID: block.ID, Name: block.Name, Input: json.RawMessage(block.Input)}
			}
		}
	}
	return text, toolUse
}

func classifyErr(err error) error {
	if ce, ok := err.(*apperror.CoreError); ok {
		return ce
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperror.Wrap("llm.Complete", apperror.CodeTransient, err)
	}
	return apperror.Wrap("llm.Complete", apperror.CodeTransient, err)
}
