package wire

import "fmt"

// ErrorCode identifies a relay error class.
type ErrorCode string

const (
	CodeACPConnectFailed    ErrorCode = "ACP_CONNECT_FAILED"
	CodeACPProcessExited    ErrorCode = "ACP_PROCESS_EXITED"
	CodeACPProtocolMismatch ErrorCode = "ACP_PROTOCOL_MISMATCH"
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionNotReady     ErrorCode = "SESSION_NOT_READY"
	CodeNoCLIConnected      ErrorCode = "NO_CLI_CONNECTED"
	CodeCapabilityMissing   ErrorCode = "CAPABILITY_NOT_SUPPORTED"
	CodeRequestValidation   ErrorCode = "REQUEST_VALIDATION_FAILED"
	CodeAuthorizationFailed ErrorCode = "AUTHORIZATION_FAILED"
	CodeStreamDisconnected  ErrorCode = "STREAM_DISCONNECTED"
	CodeRequestTimeout      ErrorCode = "REQUEST_TIMEOUT"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// ErrorScope indicates the blast radius of an error.
type ErrorScope string

const (
	ScopeService ErrorScope = "service"
	ScopeSession ErrorScope = "session"
	ScopeStream  ErrorScope = "stream"
	ScopeRequest ErrorScope = "request"
)

// Error is the structured error shape surfaced to UI clients and REST
// callers. Retryable is advisory for client retry logic.
type Error struct {
	Code      ErrorCode  `json:"code"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
	Scope     ErrorScope `json:"scope"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a structured relay error.
func NewError(code ErrorCode, scope ErrorScope, retryable bool, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryable,
		Scope:     scope,
	}
}

// ErrSessionNotFound reports that no connected CLI owns the session.
func ErrSessionNotFound(sessionID string) *Error {
	return NewError(CodeSessionNotFound, ScopeSession, false, "Session not found: %s", sessionID)
}

// ErrNoCLIConnected reports that no CLI host is connected at all.
func ErrNoCLIConnected() *Error {
	return NewError(CodeNoCLIConnected, ScopeService, true, "No CLI connected")
}

// ErrRequestTimeout reports an RPC call that exceeded its deadline.
func ErrRequestTimeout(requestID string) *Error {
	return NewError(CodeRequestTimeout, ScopeRequest, true, "RPC request timed out: %s", requestID)
}

// ErrAuthorizationFailed reports an ownership or authentication failure.
func ErrAuthorizationFailed(detail string) *Error {
	return NewError(CodeAuthorizationFailed, ScopeRequest, false, "Authorization failed: %s", detail)
}

// HTTPStatus maps an error code to the REST status the gateway returns.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeSessionNotFound:
		return 404
	case CodeNoCLIConnected:
		return 503
	case CodeAuthorizationFailed:
		return 403
	case CodeRequestValidation:
		return 400
	case CodeRequestTimeout:
		return 504
	default:
		return 500
	}
}
