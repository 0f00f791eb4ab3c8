// Package errors provides standardized error handling patterns for RelayKit
// components. It includes error classification, the transport error taxonomy,
// and helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
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
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Transport error taxonomy. Every failure surfaced by the transport core
// wraps one of these variables so callers can branch with errors.Is.
var (
	// ErrNotConnected is returned when a send is attempted while the
	// transport is not connected. Nothing is written to the channel.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnectTimeout is returned when a connect attempt does not
	// complete within the configured connect timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectionClosed is the rejection delivered to every pending
	// request when the transport is disconnected.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is returned when no reply with a matching
	// correlation id arrives within the request deadline.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrPermissionDenied is returned when the permission policy rejects
	// a send, handle, or broadcast operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAdapterFailure wraps any lower-level delivery failure reported
	// by a channel adapter.
	ErrAdapterFailure = errors.New("adapter failure")

	// ErrRetriesExhausted is surfaced once the reconnection controller
	// abandons automatic retries.
	ErrRetriesExhausted = errors.New("maximum reconnect retries exceeded")

	// ErrInvalidEnvelope indicates an envelope that failed validation.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClosed indicates use of a transport or adapter after Close.
	ErrClosed = errors.New("closed")
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

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrAdapterFailure) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Fall back to common transient patterns for wrapped third-party errors
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input or a policy rejection
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrInvalidEnvelope) ||
		errors.Is(err, ErrInvalidConfig)
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

	return errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrClosed)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}

	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient, WrapFatal, or WrapInvalid instead.
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

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}
