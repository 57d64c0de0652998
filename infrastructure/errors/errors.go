// Package errors provides unified error handling for the execution fabric.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Lookup errors (1xxx)
	ErrCodeNotFound ErrorCode = "FAB_1001"
	ErrCodeGone     ErrorCode = "FAB_1002"

	// State errors (2xxx)
	ErrCodeInvalidPhase      ErrorCode = "FAB_2001"
	ErrCodeConflict          ErrorCode = "FAB_2002"
	ErrCodeCapacityExhausted ErrorCode = "FAB_2003"
	ErrCodePermissionDenied  ErrorCode = "FAB_2004"

	// Input errors (3xxx)
	ErrCodeInputInvalid ErrorCode = "FAB_3001"

	// Executor errors (4xxx)
	ErrCodeExecutorUnavailable ErrorCode = "FAB_4001"
	ErrCodeExecutorFailed      ErrorCode = "FAB_4002"

	// Infrastructure errors (5xxx)
	ErrCodeIOFailed ErrorCode = "FAB_5001"
)

// ServiceError represents a structured error with code, message, and HTTP status.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// NotFound reports an unknown node, slot, token, or staging id.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Gone reports an expired marshal token, a distinct condition from NotFound:
// it instructs the caller to resubmit rather than retry the lookup.
func Gone(token string) *ServiceError {
	return New(ErrCodeGone, "token expired; resubmit", http.StatusGone).
		WithDetails("token", token)
}

// InvalidPhase reports an operation attempted from a phase that forbids it.
func InvalidPhase(stagingID string, have, want string) *ServiceError {
	return New(ErrCodeInvalidPhase, "operation requires a different phase", http.StatusConflict).
		WithDetails("staging_id", stagingID).
		WithDetails("have", have).
		WithDetails("want", want)
}

// Conflict reports a slot already occupied or already locked.
func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// CapacityExhausted reports a full engine row.
func CapacityExhausted(engine string) *ServiceError {
	return New(ErrCodeCapacityExhausted, "engine row is full", http.StatusConflict).
		WithDetails("engine", engine)
}

// PermissionDenied reports a missing slot permission bit.
func PermissionDenied(slotID string, permission string) *ServiceError {
	return New(ErrCodePermissionDenied, "permission denied", http.StatusForbidden).
		WithDetails("slot_id", slotID).
		WithDetails("permission", permission)
}

// InputInvalid reports missing/empty code or an unknown engine letter/language.
func InputInvalid(field, reason string) *ServiceError {
	return New(ErrCodeInputInvalid, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// ExecutorUnavailable reports that no toolchain exists for the requested language.
func ExecutorUnavailable(language string) *ServiceError {
	return New(ErrCodeExecutorUnavailable, "no executor available for language", http.StatusServiceUnavailable).
		WithDetails("language", language)
}

// ExecutorFailed wraps a runtime error from inside user code. This is a
// normal outcome of speculation, not a system error.
func ExecutorFailed(err error) *ServiceError {
	return Wrap(ErrCodeExecutorFailed, "executor reported a runtime error", http.StatusOK, err)
}

// IOFailed reports a filesystem/network fault during promotion, checkpoint,
// or relay.
func IOFailed(operation string, err error) *ServiceError {
	return Wrap(ErrCodeIOFailed, "i/o operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the ErrorCode for an error, or "" if it is not a ServiceError.
func Code(err error) ErrorCode {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.Code
	}
	return ""
}
