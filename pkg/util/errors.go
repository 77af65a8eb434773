// Package util provides logging, common error types and small helpers shared
// by the lifecycle packages.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors in other packages unwrap to one of these so
// callers can branch with errors.Is without importing the concrete type.
var (
	ErrConnect                = errors.New("device unreachable")
	ErrAuth                   = errors.New("authentication rejected")
	ErrAllCredentialsFailed   = errors.New("all credentials failed")
	ErrCommandTimeout         = errors.New("command timed out")
	ErrDeviceReportedFailure  = errors.New("device reported failure")
	ErrTransferVerification   = errors.New("transfer verification failed")
	ErrReachabilityTimeout    = errors.New("reachability timeout")
	ErrNotConfirmed           = errors.New("operation not confirmed")
	ErrSessionClosed          = errors.New("session closed")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrValidationFailed       = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrUnsupportedDeviceModel = errors.New("unsupported device model")
)

// DeviceFailureError carries the phrase a device printed that marked an
// operation as failed.
type DeviceFailureError struct {
	Device    string
	Operation string
	Phrase    string
}

func (e *DeviceFailureError) Error() string {
	return fmt.Sprintf("%s on %s: device reported %q", e.Operation, e.Device, e.Phrase)
}

func (e *DeviceFailureError) Unwrap() error {
	return ErrDeviceReportedFailure
}

// NewDeviceFailureError creates a device-reported failure
func NewDeviceFailureError(device, operation, phrase string) *DeviceFailureError {
	return &DeviceFailureError{Device: device, Operation: operation, Phrase: phrase}
}

// ValidationError represents one or more validation failures
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "validation failed: " + e.Errors[0]
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a validation error from messages
func NewValidationError(messages ...string) *ValidationError {
	return &ValidationError{Errors: messages}
}

// ValidationBuilder helps accumulate validation errors
type ValidationBuilder struct {
	errors []string
}

// Add adds an error message if condition is false
func (v *ValidationBuilder) Add(condition bool, message string) *ValidationBuilder {
	if !condition {
		v.errors = append(v.errors, message)
	}
	return v
}

// AddError adds an error message unconditionally
func (v *ValidationBuilder) AddError(message string) *ValidationBuilder {
	v.errors = append(v.errors, message)
	return v
}

// AddErrorf adds a formatted error message
func (v *ValidationBuilder) AddErrorf(format string, args ...interface{}) *ValidationBuilder {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
	return v
}

// HasErrors returns true if there are validation errors
func (v *ValidationBuilder) HasErrors() bool {
	return len(v.errors) > 0
}

// Build returns the validation error or nil if no errors
func (v *ValidationBuilder) Build() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errors}
}
