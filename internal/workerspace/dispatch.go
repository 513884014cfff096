package workerspace

import (
	"context"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/bus"
	"github.com/agentcore/platform/internal/llm"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/tool"
)

// maxToolRoundsPerDispatch bounds how many validate-approve-signal-
// await cycles (spec §4.7) a single agent turn can drive before the
// dispatcher gives up and returns whatever text the model produced
// alongside its last tool request. Without a ceiling a model that
// keeps asking for tools could hold a bus worker (and its caller)
// past the hard timeout instead of failing cleanly.
const maxToolRoundsPerDispatch = 3

// appendUserTurn appends the new user turn to the session's prior
// history, since dispatchPayload carries them separately (history was
// already durable before this call; the new message is only durable
// once the caller that built this task persists it, which happens
// independently of dispatch).
func appendUserTurn(history []*store.Message, content string) []*store.Message {
	out := make([]*store.Message, len(history), len(history)+1)
	copy(out, history)
	return append(out, &store.Message{Role: store.MessageRoleUser, Content: content})
}

// toolDefinitions builds the LLM-facing tool definitions for an
// agent's configured tool names, pulling each canonical tool's
// description and JSON Schema from internal/tool so the model is told
// exactly the shape the server will go on to enforce. Names not in
// the canonical set are skipped rather than rejected here — schema
// validation still catches an agent misconfigured with an unknown
// tool name the first time the model actually tries to call it.
func toolDefinitions(names []string) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		schema, ok := tool.InputSchemaJSON(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: tool.Descriptions[name],
			InputSchema: schema,
		})
	}
	return defs
}

// toolResultTurn renders a tool's outcome as a synthetic user-role
// message appended to history so the next Complete call can react to
// it — our flat Message.Content representation (internal/store.Message,
// unlike the teacher's content-block union) has no tool_result block
// of its own, so the result is folded into plain text instead (see
// internal/llm's doc comment on convertHistory for the same tradeoff).
func toolResultTurn(toolName string, outcome *tool.Outcome, err error) *store.Message {
	var content string
	switch {
	case err != nil:
		content = "Tool \"" + toolName + "\" could not be run: " + err.Error()
	case outcome.Failed:
		content = "Tool \"" + toolName + "\" failed: " + outcome.Result
	default:
		content = "Tool \"" + toolName + "\" result: " + outcome.Result
	}
	return &store.Message{Role: store.MessageRoleUser, Content: content}
}

// NewDispatcher builds the single process-wide bus.Dispatcher every
// agent queue's workers invoke. It is constructed here, not in
// cmd/server, because it is the only code that knows dispatchPayload's
// shape — the one-way dependency spec §4.2's "Cyclic references"
// note asks for: internal/bus never imports internal/workerspace, it
// only holds this function value.
//
// mediator may be nil (e.g. in tests that only exercise plain text
// turns); a model's tool_use request is then reported back as the
// final result's text rather than mediated, since there is nothing to
// mediate it with.
func NewDispatcher(llmc *llm.Client, mediator *tool.Mediator) bus.Dispatcher {
	return func(ctx context.Context, task *bus.Task) (*bus.Result, error) {
		payload, ok := task.Payload.(dispatchPayload)
		if !ok {
			return nil, apperror.New("workerspace.Dispatch", apperror.CodePermanent, "unrecognized task payload")
		}

		history := appendUserTurn(payload.History, payload.Content)
		tools := toolDefinitions(payload.AgentConfig.Tools)

		for round := 0; ; round++ {
			req := llm.Request{
				Model:        payload.AgentConfig.Model,
				SystemPrompt: payload.AgentConfig.SystemPrompt,
				MaxTokens:    int64(payload.AgentConfig.MaxTokens),
				Temperature:  payload.AgentConfig.Temperature,
				History:      history,
				Tools:        tools,
			}

			resp, err := llmc.Complete(ctx, req)
			if err != nil {
				return nil, err
			}

			if resp.ToolUse == nil || mediator == nil || round >= maxToolRoundsPerDispatch {
				return &bus.Result{
					Text:         resp.Text,
					StopReason:   resp.StopReason,
					InputTokens:  resp.InputTokens,
					OutputTokens: resp.OutputTokens,
				}, nil
			}

			outcome, err := mediator.ExecuteTool(ctx, task.UserID, task.ProjectID, task.AgentID, task.SessionID, resp.ToolUse.Name, resp.ToolUse.Input)
			if err != nil && apperror.Retryable(err) {
				return nil, err
			}
			// A rejected, timed-out, or validation-failed tool call is
			// not a dispatch failure — it is handed back to the model
			// as the outcome of its own request (spec §4.7: "the agent
			// receives a structured error" / "the agent future
			// resolves with rejection"), so the loop continues instead
			// of failing the whole turn.
			history = append(history, toolResultTurn(resp.ToolUse.Name, outcome, err))
		}
	}
}
