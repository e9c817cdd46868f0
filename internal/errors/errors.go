// Package errors provides structured error handling for neondeck.
// It defines error codes and typed errors for each stage of the discovery
// pipeline, plus helpers to classify errors after they have been wrapped.
package errors

import (
	stderrors "errors"
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
	CodePermission    ErrorCode = "PERMISSION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Discovery and probing errors.
	CodeNetworkUnreachable ErrorCode = "NETWORK_UNREACHABLE"
	CodeHostUnreachable    ErrorCode = "HOST_UNREACHABLE"
	CodeScanFailed         ErrorCode = "SCAN_FAILED"
	CodeDiscoveryFailed    ErrorCode = "DISCOVERY_FAILED"
	CodeTargetInvalid      ErrorCode = "TARGET_INVALID"
	CodeProbeFailed        ErrorCode = "PROBE_FAILED"

	// Database errors.
	CodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	CodeDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	CodeDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	CodeDatabaseTimeout    ErrorCode = "DATABASE_TIMEOUT"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
)

// coded is implemented by every error type in this package.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// ScanError represents an error raised while executing a scan run.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *ScanError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("[%s] %s (target: %s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error's code.
func (e *ScanError) ErrorCode() ErrorCode {
	return e.Code
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

// ProbeError describes a failed probe of a single endpoint. Probe errors are
// expected during a sweep and never abort a run.
type ProbeError struct {
	Code     ErrorCode
	Message  string
	Endpoint string
	Cause    error
}

func (e *ProbeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (endpoint: %s): %v", e.Code, e.Message, e.Endpoint, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (endpoint: %s)", e.Code, e.Message, e.Endpoint)
}

func (e *ProbeError) Unwrap() error { return e.Cause }

// ErrorCode returns the error's code.
func (e *ProbeError) ErrorCode() ErrorCode { return e.Code }

// WrapProbeError wraps a transport or parse failure for endpoint.
func WrapProbeError(endpoint string, err error) *ProbeError {
	return &ProbeError{
		Code:     CodeProbeFailed,
		Message:  "Probe failed",
		Endpoint: endpoint,
		Cause:    err,
	}
}

// DatabaseError represents database-related errors.
type DatabaseError struct {
	Code      ErrorCode
	Message   string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation: %s)", e.Code, e.Message, e.Operation)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error's code.
func (e *DatabaseError) ErrorCode() ErrorCode {
	return e.Code
}

// WithOperation records the repository operation that failed.
func (e *DatabaseError) WithOperation(op string) *DatabaseError {
	e.Operation = op
	return e
}

// NewDatabaseError creates a new database error.
func NewDatabaseError(code ErrorCode, message string) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapDatabaseError wraps an existing error as a database error.
func WrapDatabaseError(code ErrorCode, message string, err error) *DatabaseError {
	return &DatabaseError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

// DiscoveryError represents network discovery errors.
type DiscoveryError struct {
	Code    ErrorCode
	Message string
	Network string
	Method  string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *DiscoveryError) Error() string {
	if e.Network != "" {
		return fmt.Sprintf("[%s] %s (network: %s)", e.Code, e.Message, e.Network)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DiscoveryError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error's code.
func (e *DiscoveryError) ErrorCode() ErrorCode {
	return e.Code
}

// WrapDiscoveryError wraps an existing error as a discovery error.
func WrapDiscoveryError(code ErrorCode, message string, err error) *DiscoveryError {
	return &DiscoveryError{
		Code:    code,
		Message: message,
		Cause:   err,
		Context: make(map[string]interface{}),
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

// ErrorCode returns the error's code.
func (e *ConfigError) ErrorCode() ErrorCode {
	return e.Code
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

// Utility functions for common error operations

// GetCode extracts the error code from the first coded error in err's chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// Message returns the human-readable message of the first coded error in
// err's chain, without the code prefix. Uncoded errors return err.Error().
func Message(err error) string {
	var (
		scanErr      *ScanError
		dbErr        *DatabaseError
		discoveryErr *DiscoveryError
		configErr    *ConfigError
	)
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &scanErr):
		return scanErr.Message
	case stderrors.As(err, &dbErr):
		return dbErr.Message
	case stderrors.As(err, &discoveryErr):
		return discoveryErr.Message
	case stderrors.As(err, &configErr):
		return configErr.Message
	default:
		return err.Error()
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsConflict reports whether err carries CodeConflict.
func IsConflict(err error) bool {
	return IsCode(err, CodeConflict)
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeNetworkUnreachable, CodeServiceTimeout, CodeDatabaseTimeout:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrNotFound creates a not-found error for the named resource.
func ErrNotFound(resource string) *DatabaseError {
	return NewDatabaseError(CodeNotFound, resource+" not found")
}

// ErrConflict creates a conflict error with the given message.
func ErrConflict(message string) *DatabaseError {
	return NewDatabaseError(CodeConflict, message)
}

// ErrValidation creates a validation error for bad user input.
func ErrValidation(message string) *ScanError {
	return NewScanError(CodeValidation, message)
}

// ErrInvalidTarget creates an error for invalid scan targets.
func ErrInvalidTarget(target string) *ScanError {
	return NewScanErrorWithTarget(CodeTargetInvalid, "Invalid target specification", target)
}

// ErrDatabaseConnection creates an error for database connection failures.
func ErrDatabaseConnection(err error) *DatabaseError {
	return WrapDatabaseError(CodeDatabaseConnection, "Failed to connect to database", err)
}

// ErrDiscoveryFailed creates an error for discovery failures on network.
func ErrDiscoveryFailed(network string, err error) *DiscoveryError {
	e := WrapDiscoveryError(CodeDiscoveryFailed, "Network discovery failed", err)
	e.Network = network
	return e
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}
