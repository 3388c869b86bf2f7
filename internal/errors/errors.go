package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a Rewindly error code.
type ErrorCode string

const (
	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"    // 400
	ErrNotFound          ErrorCode = "NOT_FOUND"          // 404
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"   // 409
	ErrTransientNetwork  ErrorCode = "TRANSIENT_NETWORK"  // 502
	ErrMalformedResponse ErrorCode = "MALFORMED_RESPONSE" // 502
	ErrPersistence       ErrorCode = "PERSISTENCE"        // 500
	ErrInternal          ErrorCode = "INTERNAL"           // 500
)

// RewindError represents a structured error with code, status, and details.
type RewindError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *RewindError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *RewindError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *RewindError {
	return &RewindError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing stored value.
func NewNotFound(identifier string) *RewindError {
	return &RewindError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewSyncInProgress creates a 409 error for a trigger coalesced into a running sync.
func NewSyncInProgress() *RewindError {
	return &RewindError{
		Code:    ErrSyncInProgress,
		Status:  409,
		Message: "a sync attempt is already in flight",
	}
}

// NewTransientNetwork creates a 502 error for a sync request that failed to
// complete or was answered with a non-success status.
func NewTransientNetwork(err error) *RewindError {
	return &RewindError{
		Code:    ErrTransientNetwork,
		Status:  502,
		Message: err.Error(),
		cause:   err,
	}
}

// NewTransientStatus creates a 502 error for a non-2xx collector response.
func NewTransientStatus(status int) *RewindError {
	return &RewindError{
		Code:    ErrTransientNetwork,
		Status:  502,
		Message: fmt.Sprintf("server responded with %d", status),
		Details: map[string]any{"status": status},
	}
}

// NewMalformedResponse creates a 502 error for a collector response without a
// usable processed count.
func NewMalformedResponse(msg string) *RewindError {
	return &RewindError{
		Code:    ErrMalformedResponse,
		Status:  502,
		Message: msg,
	}
}

// NewPersistence creates a 500 error for a failed local storage read or write.
func NewPersistence(op string, err error) *RewindError {
	msg := op + " failed"
	if err != nil {
		msg = fmt.Sprintf("%s failed: %v", op, err)
	}
	return &RewindError{
		Code:    ErrPersistence,
		Status:  500,
		Message: msg,
		Details: map[string]any{"op": op},
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *RewindError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &RewindError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// Is checks if an error is (or wraps) a RewindError with the given code.
func Is(err error, code ErrorCode) bool {
	var rErr *RewindError
	if stderrors.As(err, &rErr) {
		return rErr.Code == code
	}
	return false
}

// Retryable reports whether the sync agent should treat err as a transient
// failure worth retrying.
func Retryable(err error) bool {
	return Is(err, ErrTransientNetwork) || Is(err, ErrMalformedResponse)
}
