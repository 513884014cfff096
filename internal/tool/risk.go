package tool

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/agentcore/platform/internal/runstate"
)

// textExtensions are treated as MEDIUM risk writes; anything else
// falls to HIGH, conservatively, per spec §4.7.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".go": true, ".py": true, ".js": true,
	".ts": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".html": true, ".css": true, ".sh": true, ".cfg": true, ".ini": true,
	".env": true,
}

// lowRiskCommands are the information-only subset of execute_command.
var lowRiskCommands = map[string]bool{
	"grep": true, "find": true, "ls": true, "cat": true, "head": true,
	"tail": true, "wc": true, "echo": true, "date": true, "pwd": true,
	"whoami": true,
}

// mediumRiskCommands modify local state but aren't build/package tools.
var mediumRiskCommands = map[string]bool{
	"git": true, "npm": true, "python": true, "python3": true, "node": true,
}

// highRiskCommands are build/packaging/archive tools.
var highRiskCommands = map[string]bool{
	"gcc": true, "make": true, "tar": true, "zip": true, "unzip": true,
}

// RiskAssessor classifies a validated tool invocation into spec
// §4.7's {LOW, MEDIUM, HIGH} risk levels, which the Approval Manager
// uses to pick a timeout.
type RiskAssessor struct{}

// NewRiskAssessor builds a RiskAssessor. It carries no state; risk
// classification is a pure function of tool name and params.
func NewRiskAssessor() *RiskAssessor { return &RiskAssessor{} }

// Assess returns the risk level for toolName given its already
// schema-validated params.
func (RiskAssessor) Assess(toolName string, params json.RawMessage) runstate.RiskLevel {
	switch toolName {
	case "read_file", "list_directory":
		return runstate.RiskLow
	case "write_file":
		return assessWriteRisk(params)
	case "execute_command":
		return assessCommandRisk(params)
	default:
		return runstate.RiskHigh // unrecognized tools never reach here past validation, but fail closed
	}
}

func assessWriteRisk(params json.RawMessage) runstate.RiskLevel {
	var body struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(params, &body)
	ext := strings.ToLower(filepath.Ext(body.Path))
	if textExtensions[ext] {
		return runstate.RiskMedium
	}
	return runstate.RiskHigh
}

func assessCommandRisk(params json.RawMessage) runstate.RiskLevel {
	var body struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(params, &body)
	switch {
	case lowRiskCommands[body.Command]:
		return runstate.RiskLow
	case mediumRiskCommands[body.Command]:
		return runstate.RiskMedium
	case highRiskCommands[body.Command]:
		return runstate.RiskHigh
	default:
		return runstate.RiskHigh
	}
}
