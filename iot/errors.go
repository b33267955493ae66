package iot

import (
	"errors"
	"fmt"
)

// ErrorCode classifies control-plane failures. Business and validation
// errors are recovered at the outermost handler of each public operation
// and converted into structured envelopes carrying one of these codes.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed request fields; no side effects happened.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrCodeSignature marks a bad or forged request signature; no side effects happened.
	ErrCodeSignature ErrorCode = "SIGNATURE_ERROR"
	// ErrCodeTenant marks an unknown tenant.
	ErrCodeTenant ErrorCode = "TENANT_ERROR"
	// ErrCodeNotFound marks a missing rollout, device or firmware in a management operation.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeStateConflict marks an operation invalid for the current rollout state.
	ErrCodeStateConflict ErrorCode = "STATE_CONFLICT"
	// ErrCodePersistence marks an unavailable store; fatal for the call.
	ErrCodePersistence ErrorCode = "PERSISTENCE_ERROR"
	// ErrCodeInternal is everything else.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a classified control-plane error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns a classified error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, defaulting to ErrCodeInternal.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
