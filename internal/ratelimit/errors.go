package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents rate limiter error codes.
type ErrorCode int

const (
	// ErrUnknown represents an unknown error.
	ErrUnknown ErrorCode = iota
	// ErrPolicyNotFound indicates no policy exists for the API key.
	ErrPolicyNotFound
	// ErrInvalidInput indicates a request argument is invalid.
	ErrInvalidInput
	// ErrStoreUnavailable indicates the counter store is not reachable.
	ErrStoreUnavailable
	// ErrRepositoryUnavailable indicates the durable policy store failed.
	ErrRepositoryUnavailable
	// ErrBrokerUnavailable indicates the message broker is not available.
	ErrBrokerUnavailable
	// ErrCircuitOpen indicates the publisher circuit breaker is open.
	ErrCircuitOpen
	// ErrSerializationFailed indicates a payload could not be encoded or decoded.
	ErrSerializationFailed
	// ErrQueueFull indicates a bounded queue rejected work.
	ErrQueueFull
	// ErrUnauthorized indicates the request is not authorized.
	ErrUnauthorized
)

// String returns the string representation of ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case ErrUnknown:
		return "unknown"
	case ErrPolicyNotFound:
		return "policy_not_found"
	case ErrInvalidInput:
		return "invalid_argument"
	case ErrStoreUnavailable:
		return "store_unavailable"
	case ErrRepositoryUnavailable:
		return "repository_unavailable"
	case ErrBrokerUnavailable:
		return "broker_unavailable"
	case ErrCircuitOpen:
		return "circuit_open"
	case ErrSerializationFailed:
		return "serialization_failed"
	case ErrQueueFull:
		return "queue_full"
	case ErrUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error represents a rate limiter error.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
func (e *Error) Is(target error) bool {
	var rlErr *Error
	if errors.As(target, &rlErr) {
		return e.Code == rlErr.Code
	}
	return false
}

// ToHTTPStatus maps error code to HTTP status.
func (e *Error) ToHTTPStatus() int {
	switch e.Code {
	case ErrPolicyNotFound:
		return http.StatusNotFound
	case ErrInvalidInput:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrStoreUnavailable, ErrBrokerUnavailable, ErrCircuitOpen, ErrQueueFull:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new rate limiter error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps cause with the code of base.
func WrapError(base *Error, message string, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: message,
		Cause:   cause,
	}
}

// Predefined errors for common cases.
var (
	ErrNotFound        = NewError(ErrPolicyNotFound, "API key not found")
	ErrInvalidArgument = NewError(ErrInvalidInput, "invalid argument")
	ErrStoreDown       = NewError(ErrStoreUnavailable, "counter store is unavailable")
	ErrRepositoryDown  = NewError(ErrRepositoryUnavailable, "policy store is unavailable")
	ErrBrokerDown      = NewError(ErrBrokerUnavailable, "message broker is unavailable")
	ErrBreakerOpen     = NewError(ErrCircuitOpen, "circuit breaker is open")
	ErrSerialization   = NewError(ErrSerializationFailed, "serialization failed")
	ErrPoolFull        = NewError(ErrQueueFull, "queue is full")
)

// InvalidArgument builds an invalid argument error with a caller-facing message.
func InvalidArgument(message string) *Error {
	return NewError(ErrInvalidInput, message)
}

// IsNotFound checks if the error is a policy not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrPolicyNotFound)
}

// IsInvalidArgument checks if the error is an invalid argument error.
func IsInvalidArgument(err error) bool {
	return hasCode(err, ErrInvalidInput)
}

// IsStoreUnavailable checks if the error is a counter store error.
func IsStoreUnavailable(err error) bool {
	return hasCode(err, ErrStoreUnavailable)
}

// IsCircuitOpen checks if the error is a circuit open error.
func IsCircuitOpen(err error) bool {
	return hasCode(err, ErrCircuitOpen)
}

func hasCode(err error, code ErrorCode) bool {
	var rlErr *Error
	if errors.As(err, &rlErr) {
		return rlErr.Code == code
	}
	return false
}

// ToHTTPStatus converts any error to an HTTP status code.
func ToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var rlErr *Error
	if errors.As(err, &rlErr) {
		return rlErr.ToHTTPStatus()
	}
	return http.StatusInternalServerError
}
