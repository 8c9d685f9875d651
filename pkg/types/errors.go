package types

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeInternal      ErrorType = "internal"
	ErrorTypeRemote        ErrorType = "remote"
	ErrorTypeConfiguration ErrorType = "configuration"
)

// SyncError represents a structured error raised by either sync pipeline
type SyncError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ErrRunInProgress is returned when a poll is triggered while another is still running
var ErrRunInProgress = errors.New("task update poll already in progress")

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *SyncError {
	return &SyncError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *SyncError {
	return &SyncError{
		Type:    ErrorTypeNotFound,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string) *SyncError {
	return &SyncError{
		Type:    ErrorTypeConflict,
		Code:    code,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewRemoteError creates an error describing a failed call to a FHIR server
func NewRemoteError(code, message string, details map[string]interface{}, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeRemote,
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(code, message string) *SyncError {
	return &SyncError{
		Type:    ErrorTypeConfiguration,
		Code:    code,
		Message: message,
	}
}

// IsType reports whether err wraps a SyncError of the given type
func IsType(err error, t ErrorType) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Type == t
}

// IsNotFound reports whether err wraps a not found SyncError
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsConflict reports whether err wraps a conflict SyncError
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// Common error codes
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeRemoteRejected   = "REMOTE_REJECTED"
	ErrCodeRemoteFailure    = "REMOTE_FAILURE"
	ErrCodeDecodeFailed     = "DECODE_FAILED"
	ErrCodeDatabaseError    = "DATABASE_ERROR"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodeWatermarkRegress = "WATERMARK_REGRESSION"
)
