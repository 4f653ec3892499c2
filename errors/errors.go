// Package errors provides error handling for evidentia.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
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
//	if errors.Is(err, errors.ErrIntegrity) {
//	    // evidence can no longer be trusted
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
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is         = crdb.Is
	IsAny      = crdb.IsAny
	As         = crdb.As
	Unwrap     = crdb.Unwrap
	UnwrapOnce = crdb.UnwrapOnce
	UnwrapAll  = crdb.UnwrapAll
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Pipeline error taxonomy. Every failure mode the engine surfaces maps to
// exactly one of these sentinels; wrap them with errors.Wrap() to add context
// while preserving the type for errors.Is() checks.
var (
	// ErrIntegrity indicates a content digest mismatch. Fatal for the object:
	// it is flagged corrupt and never served again.
	ErrIntegrity = New("integrity violation: digest mismatch")

	// ErrValidation indicates a row failed one or more quality rules.
	// Recoverable: the row is quarantined and the pipeline continues.
	ErrValidation = New("validation failure")

	// ErrReferenceNotReady indicates a row references a parent entity that has
	// not been ingested yet. The row stays in quarantine until the parent exists.
	ErrReferenceNotReady = New("referenced entity not yet ingested")

	// ErrDuplicateDelivery indicates a stream offset was already committed.
	// Treated as success by consumers: the redelivery is a no-op.
	ErrDuplicateDelivery = New("message already processed")

	// ErrRunConflict indicates a run with the same logical identity is already
	// running. Surfaced to the orchestrator as retry-later, never corruption.
	ErrRunConflict = New("run already in progress for logical identity")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")
)

// IsIntegrityError checks if an error is or wraps ErrIntegrity.
func IsIntegrityError(err error) bool {
	return err != nil && Is(err, ErrIntegrity)
}

// IsDuplicateDelivery checks if an error is or wraps ErrDuplicateDelivery.
func IsDuplicateDelivery(err error) bool {
	return err != nil && Is(err, ErrDuplicateDelivery)
}

// IsRunConflict checks if an error is or wraps ErrRunConflict.
func IsRunConflict(err error) bool {
	return err != nil && Is(err, ErrRunConflict)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
