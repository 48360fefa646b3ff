// Package errors provides error handling for cadence.
//
// This package re-exports github.com/cockroachdb/errors so every layer gets
// stack traces, wrapping with context, details and hints, and error marks
// from a single import.
//
// Usage:
//
//	if err := store.Update(ctx, job); err != nil {
//	    return errors.Wrapf(err, "failed to update job %d", job.ID)
//	}
//
//	if errors.Is(err, errors.ErrNotFound) {
//	    // unknown job id
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
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Marks tag an error with a reference error without changing its message.
// The job layer uses them to separate job-level failures from unexpected ones.
var (
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// GetReportableStackTrace extracts the stack trace captured by New/Wrap.
var GetReportableStackTrace = crdb.GetReportableStackTrace

var AssertionFailedf = crdb.AssertionFailedf

// Sentinel errors shared by all packages.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested job or scheduler item does not exist
	ErrNotFound = New("not found")

	// ErrUnknownJob indicates a job name that was never registered
	ErrUnknownJob = New("unknown job")

	// ErrInvalidStatus indicates a status set that is not allowed for the operation
	ErrInvalidStatus = New("invalid status")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a resource conflict (e.g., duplicate key)
	ErrConflict = New("resource conflict")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsUnknownJobError checks if an error is or wraps ErrUnknownJob.
func IsUnknownJobError(err error) bool {
	return err != nil && Is(err, ErrUnknownJob)
}

// IsInvalidStatusError checks if an error is or wraps ErrInvalidStatus.
func IsInvalidStatusError(err error) bool {
	return err != nil && Is(err, ErrInvalidStatus)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrapf(ErrNotFound, format, args...)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrapf(ErrInvalidRequest, format, args...)
}
