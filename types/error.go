package types

import "fmt"

// ErrorCode represents a unified error code across the broker.
type ErrorCode string

// Protocol error codes. These are wire-visible: rejection envelopes carry
// them verbatim, so the values must remain stable.
const (
	ErrDecode                ErrorCode = "DECODE_ERROR"
	ErrAuth                  ErrorCode = "AUTH_ERROR"
	ErrReplay                ErrorCode = "REPLAY_ERROR"
	ErrIdentityConflict      ErrorCode = "IDENTITY_CONFLICT"
	ErrCapabilityDenied      ErrorCode = "CAPABILITY_DENIED"
	ErrSessionExpired        ErrorCode = "SESSION_EXPIRED"
	ErrSessionRevoked        ErrorCode = "SESSION_REVOKED"
	ErrNoneAvailable         ErrorCode = "NONE_AVAILABLE"
	ErrFederationUnreachable ErrorCode = "FEDERATION_UNREACHABLE"
)

// Registry and session error codes
const (
	ErrAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"
	ErrBodyNotFound    ErrorCode = "BODY_NOT_FOUND"
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrAgentStale      ErrorCode = "AGENT_STALE"
)

// Service error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Origin     string    `json:"origin,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithOrigin records the broker or agent the error originated from.
func (e *Error) WithOrigin(origin string) *Error {
	e.Origin = origin
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
