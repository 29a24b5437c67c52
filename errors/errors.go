// Package errors provides standardized error handling for streambus
// components: error classification, the engine's sentinel errors, and
// helpers for consistent wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Is and As re-export the standard library helpers so callers need only
// one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorNotFound represents lookups of unknown streams, groups or processors
	ErrorNotFound
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorNotFound:
		return "not_found"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Registry errors
	ErrStreamNotFound    = errors.New("stream not found")
	ErrGroupNotFound     = errors.New("consumer group not found")
	ErrProcessorNotFound = errors.New("processor not found")
	ErrTopicNotFound     = errors.New("topic not found")

	// Disabled-resource errors
	ErrStreamDisabled    = errors.New("stream disabled")
	ErrProcessorDisabled = errors.New("processor disabled")

	// Log store errors
	ErrAppendFailed       = errors.New("log append failed")
	ErrReadFailed         = errors.New("log read failed")
	ErrStorageUnavailable = errors.New("log store unavailable")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// ValidationError reports a schema validation failure for a single field.
// It carries enough context to identify the offending input without
// replaying traffic.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", ve.Field, ve.Reason)
}

// NewValidation creates a ValidationError for the given field.
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation checks whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PipelineError reports a transformation step failure. Pipeline errors are
// non-fatal: the producer logs them and continues with the message
// unmodified by the failing step.
type PipelineError struct {
	Step  string // transformation type (map, normalize, enrich, ...)
	Field string
	Err   error
}

// Error implements the error interface
func (pe *PipelineError) Error() string {
	return fmt.Sprintf("transformation %q on field %q failed: %v", pe.Step, pe.Field, pe.Err)
}

// Unwrap returns the underlying error
func (pe *PipelineError) Unwrap() error {
	return pe.Err
}

// NewPipeline creates a PipelineError for a failing transformation step.
func NewPipeline(step, field string, err error) *PipelineError {
	return &PipelineError{Step: step, Field: field, Err: err}
}

// IsNotFound checks if an error identifies an unknown stream, group,
// processor or topic.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class == ErrorNotFound {
		return true
	}

	return errors.Is(err, ErrStreamNotFound) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrProcessorNotFound) ||
		errors.Is(err, ErrTopicNotFound)
}

// IsDisabled checks if an error identifies an operation against a disabled
// stream or processor.
func IsDisabled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStreamDisabled) || errors.Is(err, ErrProcessorDisabled)
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	// Check error message for common transient patterns
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
		"retry",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return IsValidation(err)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient // Default for nil
	}

	if IsNotFound(err) {
		return ErrorNotFound
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error
// This is an internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapNotFound wraps an error as not-found with context
func WrapNotFound(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorNotFound, wrappedErr, component, method, wrappedErr.Error())
}
