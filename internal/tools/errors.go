package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not
// registered. It is a capability mismatch, not a transient failure, so
// retrying the same name is pointless.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// ErrToolTimeout is returned when an invocation outlives the tool's
// timeout.
type ErrToolTimeout struct {
	ToolName string
	Timeout  string
}

// Error implements the error interface.
func (e *ErrToolTimeout) Error() string {
	return fmt.Sprintf("tool %q timed out after %s", e.ToolName, e.Timeout)
}
