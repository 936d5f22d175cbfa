package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a name that is not
// registered, usually because its server was filtered out or has not
// been attached.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
