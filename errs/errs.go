// Package errs holds the error taxonomy shared by every component of a
// session. Each typed error matches its sentinel through errors.Is so callers
// can branch on the category without knowing the concrete type.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration is a missing or invalid required parameter. Never defaulted.
	ErrConfiguration = errors.New("configuration error")

	// ErrDataUnavailable means the data provider cannot answer a query.
	ErrDataUnavailable = errors.New("data unavailable")

	// ErrExecutionFailure is a venue call that failed after all retries.
	ErrExecutionFailure = errors.New("execution failure")

	// ErrReconciliationMismatch flags actual != expected position beyond tolerance.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrFatalEngine is an invariant violation that aborts the session.
	ErrFatalEngine = errors.New("fatal engine error")
)

// ConfigurationError names the config field that is missing or invalid.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("configuration error: %s is required", e.Field)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Missing returns a ConfigurationError for an absent field.
func Missing(field string) error {
	return &ConfigurationError{Field: field}
}

// Invalid returns a ConfigurationError for a field holding a bad value.
func Invalid(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// DataUnavailableError reports which series could not be served and when.
type DataUnavailableError struct {
	Key    string
	Time   time.Time
	Reason string
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable: %s at %s: %s", e.Key, e.Time.UTC().Format(time.RFC3339), e.Reason)
}

func (e *DataUnavailableError) Is(target error) bool { return target == ErrDataUnavailable }

// ExecutionFailure is a venue call that exhausted its retries.
type ExecutionFailure struct {
	InstructionID string
	Venue         string
	Attempts      int
	Err           error
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failure: %s on %s after %d attempt(s): %v", e.InstructionID, e.Venue, e.Attempts, e.Err)
}

func (e *ExecutionFailure) Is(target error) bool { return target == ErrExecutionFailure }

func (e *ExecutionFailure) Unwrap() error { return e.Err }

// FatalEngineError aborts a session immediately.
type FatalEngineError struct {
	Reason string
	Err    error
}

func (e *FatalEngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal engine error: %s: %v", e.Reason, e.Err)
	}
	return "fatal engine error: " + e.Reason
}

func (e *FatalEngineError) Is(target error) bool { return target == ErrFatalEngine }

func (e *FatalEngineError) Unwrap() error { return e.Err }

// Fatal wraps err (which may be nil) as a FatalEngineError.
func Fatal(reason string, err error) error {
	return &FatalEngineError{Reason: reason, Err: err}
}
