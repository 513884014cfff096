package tool

import (
	"encoding/json"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator("/workspace", 1<<20, 1<<16, 30)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidator_ReadFileWithinWorkspace(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("read_file", json.RawMessage(`{"path": "src/main.go"}`))
	if err != nil {
		t.Fatalf("expected valid relative path, got %v", err)
	}
}

func TestValidator_RejectsPathTraversal(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("read_file", json.RawMessage(`{"path": "../../etc/passwd"}`))
	if err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Code != "path_outside_workspace" {
		t.Fatalf("expected path_outside_workspace, got %s", ve.Code)
	}
}

func TestValidator_RejectsAbsolutePathOutsideWorkspace(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("list_directory", json.RawMessage(`{"path": "/etc"}`))
	if err == nil {
		t.Fatal("expected absolute path outside workspace to be rejected")
	}
}

func TestValidator_RejectsUnknownSchemaField(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("read_file", json.RawMessage(`{"path": "a.txt", "extra": 1}`))
	if err == nil {
		t.Fatal("expected additionalProperties:false to reject unknown field")
	}
}

func TestValidator_WriteFileRejectsDangerousExtension(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("write_file", json.RawMessage(`{"path": "payload.exe", "content": "x"}`))
	if err == nil {
		t.Fatal("expected .exe write to be rejected")
	}
	ve := err.(*ValidationError)
	if ve.Code != "dangerous_extension" {
		t.Fatalf("expected dangerous_extension, got %s", ve.Code)
	}
}

func TestValidator_WriteFileRejectsOversizedContent(t *testing.T) {
	v, err := NewValidator("/workspace", 1<<20, 4, 30)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	err = v.Validate("write_file", json.RawMessage(`{"path": "a.txt", "content": "too long"}`))
	if err == nil {
		t.Fatal("expected content_too_large rejection")
	}
	if err.(*ValidationError).Code != "content_too_large" {
		t.Fatalf("expected content_too_large, got %s", err.(*ValidationError).Code)
	}
}

func TestValidator_ExecuteCommandDenylistWinsOverAllowlist(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("execute_command", json.RawMessage(`{"command": "rm", "args": ["-rf", "/"]}`))
	if err == nil {
		t.Fatal("expected rm to be denied")
	}
	if err.(*ValidationError).Code != "command_denied" {
		t.Fatalf("expected command_denied, got %s", err.(*ValidationError).Code)
	}
}

func TestValidator_ExecuteCommandRejectsNonAllowlisted(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("execute_command", json.RawMessage(`{"command": "ssh"}`))
	if err == nil {
		t.Fatal("expected non-allowlisted command to be rejected")
	}
	if err.(*ValidationError).Code != "command_not_allowlisted" {
		t.Fatalf("expected command_not_allowlisted, got %s", err.(*ValidationError).Code)
	}
}

func TestValidator_ExecuteCommandRejectsPackageInstallSubcommand(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("execute_command", json.RawMessage(`{"command": "npm", "args": ["install", "left-pad"]}`))
	if err == nil {
		t.Fatal("expected npm install to be denied")
	}
	if err.(*ValidationError).Code != "command_denied" {
		t.Fatalf("expected command_denied, got %s", err.(*ValidationError).Code)
	}
}

func TestValidator_ExecuteCommandAllowsNonInstallSubcommand(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("execute_command", json.RawMessage(`{"command": "git", "args": ["status"]}`))
	if err != nil {
		t.Fatalf("expected git status to be allowed, got %v", err)
	}
}

func TestValidator_UnknownToolRejected(t *testing.T) {
	v := newTestValidator(t)
	err := v.Validate("delete_everything", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected unknown tool to be rejected")
	}
}
