package async

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestNewJob(t *testing.T) {
	job, err := NewJob("render", json.RawMessage(`{"frames":240}`), t0)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCreated, job.Status)
	assert.Equal(t, t0, job.CreatedAt)
	assert.Nil(t, job.QueuedAt)
	assert.False(t, job.Scheduled())

	_, err = NewJob("", nil, t0)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = NewJob("render", json.RawMessage(`{"frames":`), t0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestJobLifecycle(t *testing.T) {
	job, err := NewJob("render", nil, t0)
	require.NoError(t, err)

	job.Enqueue(t0.Add(time.Second))
	assert.Equal(t, JobStatusQueued, job.Status)

	job.Start("worker-1", t0.Add(2*time.Second))
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.Equal(t, "worker-1", job.ClaimedBy)

	job.Complete(json.RawMessage(`"done"`), t0.Add(5*time.Second))
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.Equal(t, json.RawMessage(`"done"`), job.Output)
	assert.Empty(t, job.Error)
	assert.Equal(t, 3*time.Second, job.Duration())

	assert.False(t, job.Cancel(t0.Add(time.Minute)), "terminal jobs cannot be cancelled")
	assert.Equal(t, JobStatusCompleted, job.Status)
}

func TestJobFailClearsOutput(t *testing.T) {
	job, err := NewJob("render", nil, t0)
	require.NoError(t, err)
	job.Enqueue(t0)
	job.Start("w", t0)
	job.Output = json.RawMessage(`"partial"`)

	job.Fail(errors.New("codec missing"), t0.Add(time.Second))

	assert.Equal(t, JobStatusError, job.Status)
	assert.Equal(t, "codec missing", job.Error)
	assert.Nil(t, job.Output)
}

func TestJobTimestampsStayMonotonic(t *testing.T) {
	job, err := NewJob("render", nil, t0)
	require.NoError(t, err)

	// the wall clock steps backwards between transitions
	job.Enqueue(t0.Add(-time.Minute))
	job.Start("w", t0.Add(-2*time.Minute))
	job.Complete(nil, t0.Add(-3*time.Minute))

	assert.False(t, job.QueuedAt.Before(job.CreatedAt))
	assert.False(t, job.StartedAt.Before(*job.QueuedAt))
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))
}

func TestJobCancelQueued(t *testing.T) {
	job, err := NewJob("render", nil, t0)
	require.NoError(t, err)
	job.Enqueue(t0.Add(time.Second))

	require.True(t, job.Cancel(t0))
	assert.Equal(t, JobStatusCancelled, job.Status)
	assert.Equal(t, t0.Add(time.Second), *job.CompletedAt)
}

func TestJobRequeue(t *testing.T) {
	job, err := NewJob("render", nil, t0)
	require.NoError(t, err)
	job.Enqueue(t0)
	job.Start("w", t0.Add(time.Second))

	job.Requeue(t0.Add(2 * time.Second))

	assert.Equal(t, JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.RunCounter)
	assert.Nil(t, job.StartedAt)
	assert.Empty(t, job.ClaimedBy)
	assert.Equal(t, t0.Add(2*time.Second), *job.QueuedAt)
}

func TestParseStatuses(t *testing.T) {
	statuses, err := ParseStatuses("completed,error", " Cancelled ")
	require.NoError(t, err)
	assert.Equal(t, []JobStatus{JobStatusCompleted, JobStatusError, JobStatusCancelled}, statuses)

	statuses, err = ParseStatuses()
	require.NoError(t, err)
	assert.Empty(t, statuses)

	_, err = ParseStatuses("done")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestStatusIsTerminal(t *testing.T) {
	for _, s := range TerminalStatuses {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []JobStatus{JobStatusCreated, JobStatusQueued, JobStatusRunning} {
		assert.False(t, s.IsTerminal(), s)
	}
	assert.False(t, IsValidStatus("paused"))
}
