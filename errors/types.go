package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Store errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeDB       ErrorCode = "DB_ERROR"

	// Queue errors
	ErrCodeQueueFull  ErrorCode = "QUEUE_FULL"
	ErrCodeStaleLease ErrorCode = "STALE_LEASE"

	// Analyzer errors
	ErrCodeAnalyzerNotFound ErrorCode = "ANALYZER_NOT_FOUND"
	ErrCodeAnalyzerTimeout  ErrorCode = "ANALYZER_TIMEOUT"
	ErrCodeAnalyzerFailed   ErrorCode = "ANALYZER_FAILED"
	ErrCodeSchemaInvalid    ErrorCode = "SCHEMA_INVALID"
	ErrCodeBackendOffline   ErrorCode = "BACKEND_OFFLINE"

	// API errors
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// General errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// BrainError represents a structured error with context
type BrainError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *BrainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *BrainError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *BrainError) WithDetail(key string, value interface{}) *BrainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *BrainError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new BrainError
func New(code ErrorCode, message string) *BrainError {
	return &BrainError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a BrainError
func Wrap(err error, code ErrorCode, message string) *BrainError {
	return &BrainError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific BrainError code
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	brainErr, ok := err.(*BrainError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return Is(unwrapper.Unwrap(), code)
		}
		return false
	}

	return brainErr.Code == code
}

// As delegates to the standard library so callers can target wrapped
// ClassifiedError or BrainError values without a second import.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	brainErr, ok := err.(*BrainError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return brainErr.Code
}
