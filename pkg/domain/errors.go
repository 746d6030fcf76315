package domain

import (
	"errors"
	"fmt"
)

// Request-processing error taxonomy.
var (
	ErrTrustViolation    = errors.New("trust violation")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRedirectViolation = errors.New("redirect violation")
	ErrBlocked           = errors.New("response blocked")
	ErrBadSequence       = errors.New("bad sequence")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrTransport         = errors.New("transport error")
	ErrInvalidRequest    = errors.New("invalid request")

	// ErrProtocolViolation marks a malformed message from a privileged peer.
	// It is fatal for the whole request-processing component.
	ErrProtocolViolation = errors.New("privileged protocol violation")
	// ErrInvariantViolation marks corrupted internal state (for example an
	// isolation key mismatch at silo resolution). Fatal for the component.
	ErrInvariantViolation = errors.New("internal invariant violation")
	// ErrServiceTerminated is returned by every operation after a fatal error
	// or shutdown.
	ErrServiceTerminated = errors.New("request processing terminated")
)

// Stable machine-readable codes.
const (
	CodeTrustViolation     = "TRUST_VIOLATION"
	CodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	CodeRedirectViolation  = "REDIRECT_VIOLATION"
	CodeBlocked            = "BLOCKED"
	CodeBadSequence        = "BAD_SEQUENCE"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeTransportError     = "TRANSPORT_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeProtocolViolation  = "PROTOCOL_VIOLATION"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeTerminated         = "TERMINATED"
	CodeCancelled          = "CANCELLED"
	CodeOK                 = "OK"
	CodeInternal           = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrTrustViolation, CodeTrustViolation},
	{ErrResourceExhausted, CodeResourceExhausted},
	{ErrRedirectViolation, CodeRedirectViolation},
	{ErrBlocked, CodeBlocked},
	{ErrBadSequence, CodeBadSequence},
	{ErrAuthFailed, CodeAuthFailed},
	{ErrTransport, CodeTransportError},
	{ErrInvalidRequest, CodeInvalidRequest},
	{ErrProtocolViolation, CodeProtocolViolation},
	{ErrInvariantViolation, CodeInvariantViolation},
	{ErrServiceTerminated, CodeTerminated},
}

// DomainError wraps a taxonomy error with a code and safe-to-log context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError builds a DomainError for one of the taxonomy sentinels.
func NewError(err error, format string, args ...any) *DomainError {
	return &DomainError{
		Err:     err,
		Code:    CodeOf(err),
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetail attaches a detail entry and returns the receiver.
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// CodeOf maps an error onto its stable code.
func CodeOf(err error) string {
	if err == nil {
		return CodeOK
	}
	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsFatal reports whether err must terminate the whole request-processing
// component rather than a single request.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrInvariantViolation)
}

// Retryable reports whether the client may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// ErrorResponse is the JSON error model returned over the admin and IPC surfaces.
// It never carries internal details.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
