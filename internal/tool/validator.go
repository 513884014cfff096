package tool

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// dangerousWriteExtensions are binary/executable extensions a
// write_file call may never target (spec §4.7 path validation).
var dangerousWriteExtensions = map[string]bool{
	".exe": true, ".bin": true, ".so": true, ".dll": true,
}

// commandAllowlist is the set of argv[0] values considered
// non-destructive enough to ever reach approval (spec §4.7). Risk
// classification further splits this set into LOW/MEDIUM/HIGH.
var commandAllowlist = map[string]bool{
	"grep": true, "find": true, "ls": true, "cat": true, "head": true,
	"tail": true, "wc": true, "echo": true, "date": true, "pwd": true,
	"whoami": true,
	"git":    true, "npm": true, "python": true, "python3": true, "node": true,
	"gcc": true, "make": true, "tar": true, "zip": true, "unzip": true,
}

// commandDenylist is checked before the allowlist and always wins:
// these are rejected outright regardless of arguments or workspace
// context (spec §4.7).
var commandDenylist = map[string]bool{
	"rm": true, "dd": true, "mkfs": true, "sudo": true, "su": true,
	"curl": true, "wget": true,
}

// denylistedPackageOps rejects package-manager install subcommands
// even though the manager binary itself (npm, python -m pip, etc.) is
// otherwise allowed for other subcommands.
var denylistedPackageOps = map[string]bool{
	"install": true, "uninstall": true, "remove": true,
}

// Validator enforces spec §4.7's server-side validation: path
// containment, command allow/deny-listing, and size/timeout ceilings,
// all before any approval is opened.
type Validator struct {
	workspaceRoot  string
	readBytes      int64
	outputBytes    int64
	commandTimeout int
	schemas        schemaSet
}

// NewValidator compiles the canonical tool schemas and builds a
// Validator bound to workspaceRoot and the configured size/timeout
// ceilings (internal/config.ToolConfig).
func NewValidator(workspaceRoot string, readBytes, outputBytes int64, commandTimeoutSeconds int) (*Validator, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Validator{
		workspaceRoot:  workspaceRoot,
		readBytes:      readBytes,
		outputBytes:    outputBytes,
		commandTimeout: commandTimeoutSeconds,
		schemas:        schemas,
	}, nil
}

// ReadBytesLimit and OutputBytesLimit are configuration only: the
// tool_execution_signal payload does not carry them, and the server
// does not itself enforce file sizes it never reads.
// CommandTimeoutSeconds sets the Mediator's execution timeout.
func (v *Validator) ReadBytesLimit() int64     { return v.readBytes }
func (v *Validator) OutputBytesLimit() int64   { return v.outputBytes }
func (v *Validator) CommandTimeoutSeconds() int { return v.commandTimeout }

// ValidationError carries a structured error code so the agent
// receives `Validation(error_code=...)` rather than a bare string,
// matching spec §8 scenario E's error shape.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

func validationErr(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validate runs schema validation followed by the tool-specific
// path/command checks. Returning early on schema failure means an
// unrecognized tool or malformed params never reaches the path/command
// checks at all.
func (v *Validator) Validate(toolName string, params json.RawMessage) error {
	if err := v.schemas.Validate(toolName, params); err != nil {
		return validationErr("schema_invalid", "%s", err)
	}

	switch toolName {
	case "read_file", "list_directory":
		return v.validatePath(toolName, params)
	case "write_file":
		return v.validateWrite(params)
	case "execute_command":
		return v.validateCommand(params)
	default:
		return validationErr("unknown_tool", "unrecognized tool %q", toolName)
	}
}

func (v *Validator) validatePath(_ string, params json.RawMessage) error {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return validationErr("schema_invalid", "%s", err)
	}
	_, err := v.resolveWithinWorkspace(body.Path)
	return err
}

func (v *Validator) validateWrite(params json.RawMessage) error {
	var body struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return validationErr("schema_invalid", "%s", err)
	}
	if _, err := v.resolveWithinWorkspace(body.Path); err != nil {
		return err
	}
	ext := strings.ToLower(filepath.Ext(body.Path))
	if dangerousWriteExtensions[ext] {
		return validationErr("dangerous_extension", "writes to %q files are not permitted", ext)
	}
	if int64(len(body.Content)) > v.outputBytes {
		return validationErr("content_too_large", "content exceeds %d byte limit", v.outputBytes)
	}
	return nil
}

// resolveWithinWorkspace rejects `..` traversal and absolute paths
// that escape the workspace root, per spec §4.7. withinRoot guards
// against a bare string-prefix match admitting a sibling directory
// (root `/w/u1/p1` must not accept `/w/u1/p1-evil`): the candidate
// must equal the root or have the root plus a path separator as a
// prefix.
func (v *Validator) resolveWithinWorkspace(p string) (string, error) {
	if p == "" {
		return "", validationErr("path_empty", "path must not be empty")
	}
	if path.IsAbs(p) {
		cleaned := path.Clean(p)
		if !withinRoot(cleaned, v.workspaceRoot) {
			return "", validationErr("path_outside_workspace", "absolute path %q is outside the workspace root", p)
		}
		return cleaned, nil
	}
	joined := path.Clean(path.Join(v.workspaceRoot, p))
	if !withinRoot(joined, v.workspaceRoot) {
		return "", validationErr("path_outside_workspace", "path %q escapes the workspace root via traversal", p)
	}
	return joined, nil
}

// withinRoot reports whether candidate is root itself or a proper
// descendant of it, rejecting a sibling directory that merely shares
// root as a string prefix.
func withinRoot(candidate, root string) bool {
	root = strings.TrimRight(root, "/")
	return candidate == root || strings.HasPrefix(candidate, root+"/")
}

func (v *Validator) validateCommand(params json.RawMessage) error {
	var body struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.Unmarshal(params, &body); err != nil {
		return validationErr("schema_invalid", "%s", err)
	}

	bin := body.Command
	if commandDenylist[bin] {
		return validationErr("command_denied", "%q is not a permitted command", bin)
	}
	if !commandAllowlist[bin] {
		return validationErr("command_not_allowlisted", "%q is not in the command allowlist", bin)
	}

	isPackageManager := bin == "npm" || bin == "python" || bin == "python3"
	if isPackageManager {
		for _, a := range body.Args {
			if denylistedPackageOps[strings.ToLower(a)] {
				return validationErr("command_denied", "package-manager install operations are not permitted")
			}
		}
	}
	return nil
}
