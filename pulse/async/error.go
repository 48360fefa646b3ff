package async

import (
	"context"

	"github.com/teranos/cadence/errors"
)

var (
	// errJobFailure marks errors raised deliberately by job logic.
	// Marked errors end the job in the error state and are never retried.
	errJobFailure = errors.New("job failure")

	// ErrJobCancelled is the context cause set when a running job is cancelled
	ErrJobCancelled = errors.New("job cancelled")

	// ErrUnexpectedJobError wraps failures handed back to the worker loop
	ErrUnexpectedJobError = errors.New("unexpected job error")
)

// JobFailure marks err as a job-level failure.
// Executors return it for failures that belong to the job itself, such as
// bad input or a command that exited non-zero. Any other error is treated
// as unexpected.
func JobFailure(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errJobFailure)
}

// JobFailuref creates a job-level failure with a formatted message
func JobFailuref(format string, args ...interface{}) error {
	return JobFailure(errors.Newf(format, args...))
}

// IsJobFailure reports whether err was marked with JobFailure
func IsJobFailure(err error) bool {
	return err != nil && errors.Is(err, errJobFailure)
}

// IsUnexpectedJobError reports whether err is an unexpected failure
// handed back to the worker loop
func IsUnexpectedJobError(err error) bool {
	return err != nil && errors.Is(err, ErrUnexpectedJobError)
}

// Cancelled reports whether the job running under ctx has been cancelled.
// Long-running executors poll it between units of work.
func Cancelled(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrJobCancelled)
}
