// Package errors provides error handling for the ops portal.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - User-facing hints and details
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrLockBusy) {
//	    // report busy to the caller
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	Mark          = crdb.Mark
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Common sentinel errors. Use with errors.Is() for type-safe checks;
// wrap with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrLockBusy indicates the global run lock is held by another run
	ErrLockBusy = New("run lock busy")

	// ErrStatusChanged indicates a compare-and-set job transition lost the race
	ErrStatusChanged = New("job status changed")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsLockBusyError checks if an error is or wraps ErrLockBusy.
func IsLockBusyError(err error) bool {
	return err != nil && Is(err, ErrLockBusy)
}

// IsStatusChangedError checks if an error is or wraps ErrStatusChanged.
func IsStatusChangedError(err error) bool {
	return err != nil && Is(err, ErrStatusChanged)
}

// NewInvalidRequestError marks err as an invalid request so callers can
// map it with errors.Is(err, ErrInvalidRequest).
func NewInvalidRequestError(err error) error {
	return Mark(err, ErrInvalidRequest)
}
