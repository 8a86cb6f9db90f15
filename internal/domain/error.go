package domain

import (
	"errors"
	"fmt"
)

var (
	// Common domain errors
	ErrNotFound            = errors.New("entity not found")
	ErrAlreadyExists       = errors.New("entity already exists")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidExecContext  = errors.New("invalid execution context")
	ErrOperationFailed     = errors.New("operation failed")
	ErrReadDatabaseRow     = errors.New("failed to read database row")
	ErrAccountInactive     = errors.New("account is not active")
	ErrPackageNotUsable    = errors.New("credit package cannot be confirmed")
	ErrProvider            = errors.New("provider error")
	ErrStorage             = errors.New("storage error")

	// ErrReconciliationConflict is returned when an update targets a job that
	// already reached a terminal state. Callers log and discard it.
	ErrReconciliationConflict = errors.New("job already in terminal state")
)

// ValidationError reports input that violates a provider or pricing constraint.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// InsufficientCreditsError carries the shortfall of a failed debit.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// ProviderError wraps a failed call to an external AI provider.
// Transient errors (network, 429, 5xx) may be retried.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProvider}
	}
	return []error{ErrProvider, e.Err}
}

// IsTransient reports whether err is a ProviderError worth retrying.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

// StorageError wraps a failed re-upload of provider output to permanent storage.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStorage}
	}
	return []error{ErrStorage, e.Err}
}
