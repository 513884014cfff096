package llm

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/agentcore/platform/internal/store"
)

func TestConvertHistory_SkipsSystemRole(t *testing.T) {
	history := []*store.Message{
		{Role: store.MessageRoleSystem, Content: "you are a helpful agent"},
		{Role: store.MessageRoleUser, Content: "hello"},
		{Role: store.MessageRoleAssistant, Content: "hi there"},
	}

	params := convertHistory(history)
	if len(params) != 2 {
		t.Fatalf("expected system-role message to be skipped, got %d params", len(params))
	}
	if string(params[0].Role) != "user" {
		t.Errorf("expected first param to be user role, got %s", params[0].Role)
	}
	if string(params[1].Role) != "assistant" {
		t.Errorf("expected second param to be assistant role, got %s", params[1].Role)
	}
}

func TestConvertHistory_Empty(t *testing.T) {
	params := convertHistory(nil)
	if len(params) != 0 {
		t.Errorf("expected no params for empty history, got %d", len(params))
	}
}

func TestExtractContent_TextOnly(t *testing.T) {
	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "hello "},
			{Type: "text", Text: "world"},
		},
		StopReason: anthropic.StopReasonEndTurn,
	}

	text, toolUse := extractContent(msg)
	if text != "hello world" {
		t.Errorf("expected concatenated text, got %q", text)
	}
	if toolUse != nil {
		t.Errorf("expected no tool use, got %+v", toolUse)
	}
}

func TestExtractContent_ToolUse(t *testing.T) {
	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "tool_use", ID: "tool-1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
		},
		StopReason: anthropic.StopReasonToolUse,
	}

	text, toolUse := extractContent(msg)
	if text != "" {
		t.Errorf("expected no text alongside a tool use block, got %q", text)
	}
	if toolUse == nil {
		t.Fatal("expected a tool use to be extracted")
	}
	if toolUse.ID != "tool-1" || toolUse.Name != "read_file" {
		t.Errorf("unexpected tool use: %+v", toolUse)
	}
	if string(toolUse.Input) != `{"path":"a.go"}` {
		t.Errorf("unexpected tool use input: %s", toolUse.Input)
	}
}

func TestExtractContent_OnlyFirstToolUse(t *testing.T) {
	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "tool_use", ID: "tool-1", Name: "read_file", Input: json.RawMessage(`{}`)},
			{Type: "tool_use", ID: "tool-2", Name: "write_file", Input: json.RawMessage(`{}`)},
		},
	}

	_, toolUse := extractContent(msg)
	if toolUse == nil || toolUse.ID != "tool-1" {
		t.Errorf("expected only the first tool use to be surfaced, got %+v", toolUse)
	}
}

func TestBuildToolParams(t *testing.T) {
	defs := []ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
	}

	params := buildToolParams(defs)
	if len(params) != 1 {
		t.Fatalf("expected one tool param, got %d", len(params))
	}
	if params[0].OfTool == nil {
		t.Fatal("expected OfTool to be populated")
	}
	if params[0].OfTool.Name != "read_file" {
		t.Errorf("expected name read_file, got %s", params[0].OfTool.Name)
	}
}

func TestBuildToolParams_Empty(t *testing.T) {
	if params := buildToolParams(nil); len(params) != 0 {
		t.Errorf("expected no params for no tool definitions, got %d", len(params))
	}
}
