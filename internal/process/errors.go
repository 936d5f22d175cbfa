package process

import "fmt"

// Launch failure reasons.
const (
	ReasonNotFound    = "not_found"
	ReasonPermission  = "permission_denied"
	ReasonInvalidDir  = "invalid_dir"
	ReasonStartFailed = "start_failed"
)

// LaunchError is returned when a subprocess could not be started. It is
// fatal to the connect attempt and never retried automatically.
type LaunchError struct {
	Command string
	Dir     string
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("launch %q: executable not found: %v", e.Command, e.Err)
	case ReasonPermission:
		return fmt.Sprintf("launch %q: permission denied: %v", e.Command, e.Err)
	case ReasonInvalidDir:
		return fmt.Sprintf("launch %q: invalid working directory %q: %v", e.Command, e.Dir, e.Err)
	default:
		return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *LaunchError) Unwrap() error {
	return e.Err
}
