// Package tools defines the tool catalog: server tools that run in-process,
// client tools the connected peer executes, and flow-control signals.
package tools

import "fmt"

// Tool names
const (
	WebSearchToolName   = "perform_web_search"
	AddMemoryToolName   = "add_to_memory"
	FetchMemoryToolName = "fetch_from_memory"
	BrowserToolName     = "browser_user"

	RunBashToolName       = "run_bash_command"
	ReadFileToolName      = "read_file"
	EditFileToolName      = "edit_file"
	PasteAtCursorToolName = "paste_at_cursor"

	AskUserToolName   = "ask_user"
	TerminateToolName = "terminate"
)

// ToolErrorType classifies argument and execution failures of server tools.
type ToolErrorType string

const (
	ErrInvalidParams   ToolErrorType = "INVALID_PARAMS"
	ErrExecutionFailed ToolErrorType = "EXECUTION_FAILED"
	ErrTimeout         ToolErrorType = "TIMEOUT"
)

// ToolError provides structured error information for retry logic.
type ToolError struct {
	Type    ToolErrorType `json:"type"`
	Message string        `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewToolError creates a new ToolError.
func NewToolError(errType ToolErrorType, message string) *ToolError {
	return &ToolError{Type: errType, Message: message}
}

// NewToolErrorf creates a new ToolError with formatted message.
func NewToolErrorf(errType ToolErrorType, format string, args ...interface{}) *ToolError {
	return &ToolError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// stringProp is a JSON-schema string property.
func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	if required == nil {
		required = []string{}
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
