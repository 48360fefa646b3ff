package async

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/cadence/errors"
)

func TestJobFailureMark(t *testing.T) {
	cause := errors.New("exit status 2")
	marked := JobFailure(cause)

	assert.True(t, IsJobFailure(marked))
	assert.True(t, IsJobFailure(errors.Wrap(marked, "shell")), "the mark survives wrapping")
	assert.True(t, errors.Is(marked, cause))
	assert.Equal(t, "exit status 2", marked.Error())

	assert.False(t, IsJobFailure(io.EOF))
	assert.False(t, IsJobFailure(nil))
	assert.Nil(t, JobFailure(nil))

	assert.True(t, IsJobFailure(JobFailuref("bad input %q", "x")))
}

func TestIsUnexpectedJobError(t *testing.T) {
	err := errors.Mark(errors.Wrap(io.ErrUnexpectedEOF, "job 4"), ErrUnexpectedJobError)
	assert.True(t, IsUnexpectedJobError(err))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, IsUnexpectedJobError(io.ErrUnexpectedEOF))
}

func TestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	assert.False(t, Cancelled(ctx))

	cancel(ErrJobCancelled)
	assert.True(t, Cancelled(ctx))

	other, stop := context.WithCancel(context.Background())
	stop()
	assert.False(t, Cancelled(other), "shutdown is not a job cancellation")
}
