package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/toolwire/internal/process"
)

// Sentinel errors for errors.Is checks. Each typed error below matches
// exactly one of these.
var (
	ErrConnect            = errors.New("connect failed")
	ErrHandshake          = errors.New("handshake failed")
	ErrChannelClosed      = errors.New("channel closed")
	ErrTimeout            = errors.New("request timed out")
	ErrUnknownTool        = errors.New("unknown tool")
	ErrArgumentValidation = errors.New("argument validation failed")
	ErrRemote             = errors.New("remote error")
	ErrProtocol           = errors.New("protocol violation")

	// ErrSessionClosed is the cause recorded when a session is closed
	// deliberately rather than by a stream failure.
	ErrSessionClosed = errors.New("session closed")
)

// ConnectError reports that the channel to a tool server could not be
// established or died before the handshake completed.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error        { return e.Err }
func (e *ConnectError) Is(target error) bool { return target == ErrConnect }

// HandshakeError reports a protocol version mismatch or a malformed
// initialize response. It is fatal to the connect attempt.
type HandshakeError struct {
	Server    string
	Supported []string
	Got       string
	Err       error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake with %s: %v", e.Server, e.Err)
	}
	return fmt.Sprintf("handshake with %s: unsupported protocol version %q (supported: %s)",
		e.Server, e.Got, strings.Join(e.Supported, ", "))
}

func (e *HandshakeError) Unwrap() error        { return e.Err }
func (e *HandshakeError) Is(target error) bool { return target == ErrHandshake }

// ChannelClosedError reports that the tool server exited or its stream
// closed. Every request pending on the session fails with it, and the
// session is unusable afterwards.
type ChannelClosedError struct {
	Server string
	Err    error
}

func (e *ChannelClosedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: channel closed", e.Server)
	}
	return fmt.Sprintf("%s: channel closed: %v", e.Server, e.Err)
}

func (e *ChannelClosedError) Unwrap() error        { return e.Err }
func (e *ChannelClosedError) Is(target error) bool { return target == ErrChannelClosed }

// TimeoutError reports that no response arrived within the deadline. It
// affects only the one request.
type TimeoutError struct {
	Method    string
	RequestID int64
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s (id %d): no response after %v", e.Method, e.RequestID, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == context.DeadlineExceeded
}

// UnknownToolError reports an invocation of a tool absent from the
// cached catalog. Nothing is sent to the server.
type UnknownToolError struct {
	Tool string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// ArgumentValidationError reports arguments that do not satisfy a tool's
// parameter schema. Nothing is sent to the server.
type ArgumentValidationError struct {
	Tool     string
	Problems []string
}

func (e *ArgumentValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(e.Problems, "; "))
}

func (e *ArgumentValidationError) Is(target error) bool { return target == ErrArgumentValidation }

// RemoteError is a failure reported by the tool server. It does not
// terminate the session.
type RemoteError struct {
	Code    int
	Message string
	Data    any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// ProtocolError reports a frame that violates the wire contract, such as
// a response for an id that was never issued.
type ProtocolError struct {
	RequestID int64
	Reason    string
}

func (e *ProtocolError) Error() string {
	if e.RequestID != 0 {
		return fmt.Sprintf("protocol violation (id %d): %s", e.RequestID, e.Reason)
	}
	return "protocol violation: " + e.Reason
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Error kinds reported by [ErrorKind].
const (
	OutcomeOK                 = "ok"
	OutcomeLaunch             = "launch"
	OutcomeConnect            = "connect"
	OutcomeHandshake          = "handshake"
	OutcomeChannelClosed      = "channel_closed"
	OutcomeTimeout            = "timeout"
	OutcomeUnknownTool        = "unknown_tool"
	OutcomeArgumentValidation = "argument_validation"
	OutcomeRemote             = "remote"
	OutcomeProtocol           = "protocol"
	OutcomeCanceled           = "canceled"
	OutcomeOther              = "other"
)

// ErrorKind classifies err into one of the Outcome constants. A nil
// error is OutcomeOK.
func ErrorKind(err error) string {
	var le *process.LaunchError
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &le):
		return OutcomeLaunch
	case errors.Is(err, ErrHandshake):
		return OutcomeHandshake
	case errors.Is(err, ErrConnect):
		return OutcomeConnect
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrChannelClosed):
		return OutcomeChannelClosed
	case errors.Is(err, ErrUnknownTool):
		return OutcomeUnknownTool
	case errors.Is(err, ErrArgumentValidation):
		return OutcomeArgumentValidation
	case errors.Is(err, ErrRemote):
		return OutcomeRemote
	case errors.Is(err, ErrProtocol):
		return OutcomeProtocol
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	default:
		return OutcomeOther
	}
}
