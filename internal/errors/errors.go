// Package errors provides structured error handling for portsweep operations.
// It defines error codes, error types, and utilities for creating and
// inspecting errors with context information attached.
package errors

import (
	"fmt"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"

	// Port sequencing and scan errors.
	CodeInvalidSpec       ErrorCode = "INVALID_SPEC"
	CodeNoTargets         ErrorCode = "NO_TARGETS"
	CodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
	CodeScanFailed        ErrorCode = "SCAN_FAILED"

	// Target resolution errors.
	CodeResolveFailed ErrorCode = "RESOLVE_FAILED"
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"

	// Result storage errors.
	CodeStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ScanError represents an error that occurred while sequencing ports or
// driving a scan.
type ScanError struct {
	Code    ErrorCode
	Message string
	Target  string
	Port    uint16
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" && e.Port > 0 {
		return fmt.Sprintf("[%s] %s (target: %s:%d)", e.Code, e.Message, e.Target, e.Port)
	}
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewScanError creates a new scan error with the specified code and message.
func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewScanErrorWithTarget creates a scan error for a specific target.
func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Target:  target,
		Context: make(map[string]interface{}),
	}
}

// WrapScanError wraps an existing error as a scan error.
func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ResolveError represents a target resolution error.
type ResolveError struct {
	Code    ErrorCode
	Message string
	Input   string
	Cause   error
}

// Error implements the error interface.
func (e *ResolveError) Error() string {
	if e.Input != "" {
		return fmt.Sprintf("[%s] %s (input: %s)", e.Code, e.Message, e.Input)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ResolveError) Unwrap() error {
	return e.Cause
}

// NewResolveError creates a new resolution error for the given input.
func NewResolveError(code ErrorCode, message, input string) *ResolveError {
	return &ResolveError{
		Code:    code,
		Message: message,
		Input:   input,
	}
}

// WrapResolveError wraps an existing error as a resolution error.
func WrapResolveError(code ErrorCode, message, input string, err error) *ResolveError {
	return &ResolveError{
		Code:    code,
		Message: message,
		Input:   input,
		Cause:   err,
	}
}

// ConfigError represents configuration-related errors.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates a new configuration error.
func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
	}
}

// NewConfigFieldError creates a configuration error for a specific field.
func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Field:   field,
		Value:   value,
	}
}

// WrapConfigError wraps an existing error as a configuration error.
func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// StorageError represents scan-history persistence errors.
type StorageError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// WrapStorageError wraps an existing error as a storage error.
func WrapStorageError(code ErrorCode, message, operation string, err error) *StorageError {
	return &StorageError{
		Code:      code,
		Message:   message,
		Operation: operation,
		Cause:     err,
	}
}

// Utility functions for common error operations

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from an error if it has one.
func GetCode(err error) ErrorCode {
	switch e := err.(type) {
	case *ScanError:
		return e.Code
	case *ResolveError:
		return e.Code
	case *ConfigError:
		return e.Code
	case *StorageError:
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
// Resource exhaustion is deliberately not retryable: retrying while local
// descriptors are depleted only worsens the condition.
func IsRetryable(err error) bool {
	return GetCode(err) == CodeTimeout
}

// IsFatal determines if an error should abort a run before any probing starts.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodeInvalidSpec, CodeNoTargets, CodeValidation, CodeConfiguration:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidSpec creates an error for a malformed port specification.
func ErrInvalidSpec(detail string) *ScanError {
	return NewScanError(CodeInvalidSpec, "invalid port specification: "+detail)
}

// ErrNoTargets creates an error for an empty target list.
func ErrNoTargets() *ScanError {
	return NewScanError(CodeNoTargets, "no targets to scan")
}

// ErrResourceExhausted creates an error for local socket exhaustion.
func ErrResourceExhausted(target string, err error) *ScanError {
	return &ScanError{
		Code:    CodeResourceExhausted,
		Message: "local resource limits hit",
		Target:  target,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// ErrTargetInvalid creates an error for an unparseable target.
func ErrTargetInvalid(input string) *ResolveError {
	return NewResolveError(CodeTargetInvalid, "invalid target specification", input)
}
