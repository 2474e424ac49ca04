// Package errors provides structured error handling for reconpipe operations.
// It defines error codes, the error types raised by each pipeline stage, and
// utilities for classifying errors as fatal, retryable or job-scoped.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"
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

	// Input errors.
	CodeTargetInvalid ErrorCode = "TARGET_INVALID"
	CodePortSyntax    ErrorCode = "PORT_SYNTAX"
	CodePortRange     ErrorCode = "PORT_RANGE"
	CodePathNotFound  ErrorCode = "PATH_NOT_FOUND"

	// External tool errors.
	CodeToolUnavailable   ErrorCode = "TOOL_UNAVAILABLE"
	CodeDiscoveryFailed   ErrorCode = "DISCOVERY_FAILED"
	CodeInspectionFailed  ErrorCode = "INSPECTION_FAILED"
	CodeInspectionTimeout ErrorCode = "INSPECTION_TIMEOUT"

	// Report errors.
	CodeMalformedReport ErrorCode = "MALFORMED_REPORT"
	CodeMissingField    ErrorCode = "MISSING_FIELD"

	// Output errors.
	CodeSinkWrite ErrorCode = "SINK_WRITE"
)

// coded is implemented by every error type in this package.
type coded interface {
	error
	ErrorCode() ErrorCode
}

// ConfigError represents invalid user input or configuration.
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

// ErrorCode returns the error code.
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

// ToolError represents a failure of one of the external scanning tools.
type ToolError struct {
	Code     ErrorCode
	Message  string
	Tool     string
	Target   string
	ExitCode int
	Stderr   string
	Cause    error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Tool != "" {
		msg += fmt.Sprintf(" (tool: %s)", e.Tool)
	}
	if e.Target != "" {
		msg += fmt.Sprintf(" (target: %s)", e.Target)
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code: %d)", e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ToolError) ErrorCode() ErrorCode {
	return e.Code
}

// ReportError represents a discovery report that could not be turned into targets.
type ReportError struct {
	Code    ErrorCode
	Message string
	Path    string
	// Record is the zero-based index of the offending host record, -1 for the whole document.
	Record int
	Field  string
	Cause  error
}

// Error implements the error interface.
func (e *ReportError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Record >= 0 {
		msg += fmt.Sprintf(" (record: %d)", e.Record)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field: %s)", e.Field)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (report: %s)", e.Path)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ReportError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *ReportError) ErrorCode() ErrorCode {
	return e.Code
}

// SinkError represents a failure to persist a finding.
type SinkError struct {
	Code    ErrorCode
	Message string
	Path    string
	Target  string
	Cause   error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Target != "" {
		msg += fmt.Sprintf(" (target: %s)", e.Target)
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (path: %s)", e.Path)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SinkError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the error code.
func (e *SinkError) ErrorCode() ErrorCode {
	return e.Code
}

// Utility functions for common error operations

// IsCode checks if an error, or any error it wraps, has a specific error code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// GetCode extracts the error code from the first coded error in the chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsConfig reports whether err stems from invalid user input.
func IsConfig(err error) bool {
	switch GetCode(err) {
	case CodeValidation, CodeConfiguration, CodeTargetInvalid,
		CodePortSyntax, CodePortRange, CodePathNotFound:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error compromises the whole run rather than a single target.
func IsFatal(err error) bool {
	if IsConfig(err) {
		return true
	}
	switch GetCode(err) {
	case CodeToolUnavailable, CodeDiscoveryFailed, CodeMalformedReport, CodeMissingField:
		return true
	default:
		return false
	}
}

// Common error creation functions

// ErrInvalidTarget creates an error for a network range that is not a CIDR or IPv4 address.
func ErrInvalidTarget(target string) *ConfigError {
	return NewConfigFieldError(CodeTargetInvalid,
		fmt.Sprintf("invalid network range %q: expected IPv4 CIDR or address", target), "range", target)
}

// ErrPortSyntax creates an error for a port expression that is not "<low>-<high>".
func ErrPortSyntax(expr string) *ConfigError {
	return NewConfigFieldError(CodePortSyntax,
		fmt.Sprintf("invalid port range %q: expected <low>-<high>", expr), "ports", expr)
}

// ErrPortRange creates an error for port bounds outside 1-65535 or not ascending.
func ErrPortRange(expr, reason string) *ConfigError {
	return NewConfigFieldError(CodePortRange,
		fmt.Sprintf("invalid port range %q: %s", expr, reason), "ports", expr)
}

// ErrPathNotFound creates an error for a path whose parent directory does not exist.
func ErrPathNotFound(field, path string) *ConfigError {
	return NewConfigFieldError(CodePathNotFound,
		fmt.Sprintf("directory for %q does not exist", path), field, path)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}

// ErrToolUnavailable creates an error for an executable that cannot be resolved.
func ErrToolUnavailable(tool string, err error) *ToolError {
	return &ToolError{
		Code:    CodeToolUnavailable,
		Message: "required executable not found on PATH",
		Tool:    tool,
		Cause:   err,
	}
}

// ErrDiscoveryFailed creates an error for a failed discovery sweep.
func ErrDiscoveryFailed(tool string, exitCode int, stderr string, err error) *ToolError {
	return &ToolError{
		Code:     CodeDiscoveryFailed,
		Message:  "discovery sweep failed",
		Tool:     tool,
		ExitCode: exitCode,
		Stderr:   stderr,
		Cause:    err,
	}
}

// ErrInspectionFailed creates an error for an inspection run that crashed or exited non-zero.
func ErrInspectionFailed(tool, target string, exitCode int, stderr string, err error) *ToolError {
	return &ToolError{
		Code:     CodeInspectionFailed,
		Message:  "inspection failed",
		Tool:     tool,
		Target:   target,
		ExitCode: exitCode,
		Stderr:   stderr,
		Cause:    err,
	}
}

// ErrInspectionTimeout creates an error for an inspection that exceeded its deadline.
func ErrInspectionTimeout(tool, target string, timeout time.Duration) *ToolError {
	return &ToolError{
		Code:    CodeInspectionTimeout,
		Message: fmt.Sprintf("inspection timed out after %s", timeout),
		Tool:    tool,
		Target:  target,
	}
}

// ErrMalformedReport creates an error for a report that is not well-formed.
func ErrMalformedReport(path string, record int, err error) *ReportError {
	return &ReportError{
		Code:    CodeMalformedReport,
		Message: "discovery report is malformed",
		Path:    path,
		Record:  record,
		Cause:   err,
	}
}

// ErrMissingField creates an error for a host record without an address or a port number.
func ErrMissingField(path string, record int, field string) *ReportError {
	return &ReportError{
		Code:    CodeMissingField,
		Message: "host record is missing a required field",
		Path:    path,
		Record:  record,
		Field:   field,
	}
}

// ErrSinkWrite creates an error for a finding that could not be written.
func ErrSinkWrite(path, target string, err error) *SinkError {
	return &SinkError{
		Code:    CodeSinkWrite,
		Message: "failed to write finding",
		Path:    path,
		Target:  target,
		Cause:   err,
	}
}
