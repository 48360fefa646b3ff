package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/pulse/schedule"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func testConfig() *am.Config {
	cfg := am.Default()
	cfg.Pulse.IdleIntervalMs = 10
	cfg.Pulse.CancelPollIntervalMs = 10
	cfg.Pulse.StopTimeoutSeconds = 5
	return cfg
}

func newTestProcessor(t *testing.T, cfg *am.Config) *Processor {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	p, err := NewProcessor(cadencetest.CreateTestDB(t), cfg, zaptest.NewLogger(t).Sugar(),
		WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	register(t, p, "echo", func(ctx context.Context, job *async.Job) (any, error) {
		return job.Input, nil
	})
	return p
}

func register(t *testing.T, p *Processor, name string, fn async.ExecutorFunc) {
	t.Helper()
	require.NoError(t, p.Registry().AddJob(name, async.Stateless(fn)))
}

func submit(t *testing.T, p *Processor, name, input string) int64 {
	t.Helper()
	id, err := p.ProcessJob(context.Background(), name, json.RawMessage(input))
	require.NoError(t, err)
	return id
}

func requireStatus(t *testing.T, p *Processor, id int64, want async.JobStatus) {
	t.Helper()
	got, err := p.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestScenarioEchoCompletes(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	id := submit(t, p, "echo", `{"x":1}`)
	requireStatus(t, p, id, async.JobStatusQueued)

	worked, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)
	assert.True(t, worked)

	requireStatus(t, p, id, async.JobStatusCompleted)
	result, err := p.GetJobResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(result))

	msg, err := p.GetJobError(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, msg)

	worked, err = p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)
	assert.False(t, worked, "nothing left to do")
}

func TestScenarioUnknownJobCreatesNothing(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	_, err := p.ProcessJob(ctx, "ghost", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.IsUnknownJobError(err))

	jobs, err := p.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScenarioCancelQueuedJob(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	id := submit(t, p, "echo", `{}`)
	require.NoError(t, p.CancelJob(ctx, id))

	worked, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)
	assert.False(t, worked, "a cancelled job is never dequeued")

	requireStatus(t, p, id, async.JobStatusCancelled)
	job, err := p.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
}

func TestScenarioRemoveJobsRejectsNonTerminal(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	done := submit(t, p, "echo", `{}`)
	_, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)
	queued := submit(t, p, "echo", `{}`)

	for _, statuses := range [][]async.JobStatus{
		{async.JobStatusQueued},
		{async.JobStatusCompleted, async.JobStatusQueued},
		{async.JobStatusRunning},
		{async.JobStatusCreated},
	} {
		n, err := p.RemoveJobs(ctx, statuses...)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidStatusError(err), "statuses %v", statuses)
		assert.Zero(t, n)
	}

	requireStatus(t, p, done, async.JobStatusCompleted)
	requireStatus(t, p, queued, async.JobStatusQueued)
}

func TestRemoveJobsDefaultsToTerminalAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "broken", func(ctx context.Context, job *async.Job) (any, error) {
		return nil, async.JobFailuref("broken input")
	})

	completed := submit(t, p, "echo", `{}`)
	failed := submit(t, p, "broken", `{}`)
	require.NoError(t, p.ProcessJobs(ctx, t0))
	cancelled := submit(t, p, "echo", `{}`)
	require.NoError(t, p.CancelJob(ctx, cancelled))
	queued := submit(t, p, "echo", `{}`)

	n, err := p.RemoveJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = p.RemoveJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "second removal finds nothing")

	for _, id := range []int64{completed, failed, cancelled} {
		_, err := p.GetJobStatus(ctx, id)
		assert.True(t, errors.IsNotFoundError(err))
	}
	requireStatus(t, p, queued, async.JobStatusQueued)
}

func TestRemoveJobsByStatus(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	completed := submit(t, p, "echo", `{}`)
	require.NoError(t, p.ProcessJobs(ctx, t0))
	cancelled := submit(t, p, "echo", `{}`)
	require.NoError(t, p.CancelJob(ctx, cancelled))

	n, err := p.RemoveJobs(ctx, async.JobStatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	requireStatus(t, p, completed, async.JobStatusCompleted)
}

func TestUnknownJobIDs(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	_, err := p.GetJobStatus(ctx, 404)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = p.GetJobResult(ctx, 404)
	assert.True(t, errors.IsNotFoundError(err))
	_, err = p.GetJobError(ctx, 404)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(p.CancelJob(ctx, 404)))
}

func TestCancelFinishedJobIsNoop(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	id := submit(t, p, "echo", `{"a":true}`)
	require.NoError(t, p.ProcessJobs(ctx, t0))

	require.NoError(t, p.CancelJob(ctx, id))
	requireStatus(t, p, id, async.JobStatusCompleted)
	result, err := p.GetJobResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":true}`, string(result))
}

func TestJobFailureIsCapturedNotPropagated(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "validate", func(ctx context.Context, job *async.Job) (any, error) {
		return nil, async.JobFailuref("field %q is required", "path")
	})

	id := submit(t, p, "validate", `{}`)
	state := NewWorkerState()
	worked, err := p.ProcessNextJobFor(ctx, state, t0)
	require.NoError(t, err, "job failures never reach the worker")
	assert.True(t, worked)
	assert.Zero(t, state.RunCounter)

	requireStatus(t, p, id, async.JobStatusError)
	msg, err := p.GetJobError(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, msg, `field "path" is required`)

	result, err := p.GetJobResult(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestUnexpectedErrorsFollowRunCounter(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	require.Equal(t, 3, p.Settings().MaxRunCounter)

	var calls atomic.Int32
	register(t, p, "flaky", func(ctx context.Context, job *async.Job) (any, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})

	id := submit(t, p, "flaky", `{}`)
	state := NewWorkerState()

	for i := 1; i <= 3; i++ {
		worked, err := p.ProcessNextJobFor(ctx, state, t0.Add(time.Duration(i)*time.Second))
		require.Error(t, err, "attempt %d", i)
		assert.True(t, worked)
		assert.True(t, async.IsUnexpectedJobError(err))
		assert.Contains(t, err.Error(), "connection reset")
		assert.Equal(t, i, state.RunCounter)
		requireStatus(t, p, id, async.JobStatusQueued)
	}

	worked, err := p.ProcessNextJobFor(ctx, state, t0.Add(4*time.Second))
	require.NoError(t, err, "beyond the bound the failure is captured")
	assert.True(t, worked)
	assert.Zero(t, state.RunCounter, "counter resets after a terminal outcome")
	assert.EqualValues(t, 4, calls.Load())

	job, err := p.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusError, job.Status)
	assert.Contains(t, job.Error, "connection reset")
	assert.Equal(t, 3, job.RunCounter)
}

func TestRunCounterResetsAfterSuccess(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	var calls atomic.Int32
	register(t, p, "warmup", func(ctx context.Context, job *async.Job) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("not ready")
		}
		return map[string]int{"calls": int(calls.Load())}, nil
	})

	id := submit(t, p, "warmup", `{}`)
	state := NewWorkerState()
	for i := 0; i < 2; i++ {
		_, err := p.ProcessNextJobFor(ctx, state, t0)
		require.True(t, async.IsUnexpectedJobError(err))
	}
	assert.Equal(t, 2, state.RunCounter)

	_, err := p.ProcessNextJobFor(ctx, state, t0)
	require.NoError(t, err)
	assert.Zero(t, state.RunCounter)

	result, err := p.GetJobResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"calls":3}`, string(result))
}

func TestHandedBackJobRunsBeforeLaterJobs(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	var first atomic.Bool
	register(t, p, "once-flaky", func(ctx context.Context, job *async.Job) (any, error) {
		if first.CompareAndSwap(false, true) {
			return nil, errors.New("transient upstream")
		}
		return "ok", nil
	})

	flaky := submit(t, p, "once-flaky", `{}`)
	later := submit(t, p, "echo", `{}`)

	_, err := p.ProcessNextJob(ctx, t0)
	require.True(t, async.IsUnexpectedJobError(err))

	job, err := p.PullNextJob(ctx, t0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, flaky, job.ID, "handed back jobs go to the head of the queue")
	assert.Equal(t, 1, job.RunCounter)
	assert.NotEqual(t, later, job.ID)
}

func TestPanicIsAnUnexpectedError(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Pulse.MaxRunCounter = 0
	p := newTestProcessor(t, cfg)
	register(t, p, "explode", func(ctx context.Context, job *async.Job) (any, error) {
		panic("nil map write")
	})

	id := submit(t, p, "explode", `{}`)
	worked, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err, "max_run_counter 0 captures the first unexpected error")
	assert.True(t, worked)

	msg, err := p.GetJobError(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, msg, "panicked")
	assert.Contains(t, msg, "nil map write")
}

func TestUnencodableOutputFailsJob(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "chan", func(ctx context.Context, job *async.Job) (any, error) {
		return make(chan int), nil
	})

	id := submit(t, p, "chan", `{}`)
	_, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)
	requireStatus(t, p, id, async.JobStatusError)
}

func TestTimestampsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "slow", func(ctx context.Context, job *async.Job) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})

	id := submit(t, p, "slow", `{}`)
	// a worker clock behind the submitter's must not reorder timestamps
	_, err := p.ProcessNextJob(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)

	job, err := p.GetJob(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.QueuedAt)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.QueuedAt.Before(job.CreatedAt))
	assert.False(t, job.StartedAt.Before(*job.QueuedAt))
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))
	assert.GreaterOrEqual(t, job.Duration(), 20*time.Millisecond)
}

func TestScheduledJobsBeforeQueuedJobs(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "tick", func(ctx context.Context, job *async.Job) (any, error) {
		return job.Input, nil
	})

	queued := submit(t, p, "echo", `{}`)
	key, err := p.Scheduler().Add(ctx, schedule.NewItem("tick", json.RawMessage(`{"n":7}`), schedule.NewDelayTrigger(time.Minute)))
	require.NoError(t, err)

	state := NewWorkerState()
	job, err := p.PullNextJobFor(ctx, state, t0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "tick", job.Name)
	assert.Equal(t, key, job.SchedulerKey)
	assert.Equal(t, async.JobStatusRunning, job.Status)
	assert.Equal(t, state.ID, job.ClaimedBy)
	assert.JSONEq(t, `{"n":7}`, string(job.Input))

	stored, err := p.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusRunning, stored.Status, "the claim is persisted")

	job, err = p.PullNextJobFor(ctx, state, t0)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queued, job.ID)

	job, err = p.PullNextJobFor(ctx, state, t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Nil(t, job, "delay has not elapsed")

	job, err = p.PullNextJobFor(ctx, state, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "tick", job.Name)
}

func TestScheduledFireForUnregisteredJobIsDropped(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	_, err := p.Scheduler().Add(ctx, schedule.NewItem("ghost", nil, schedule.NewDelayTrigger(time.Minute)))
	require.NoError(t, err)

	job, err := p.PullNextJob(ctx, t0)
	require.NoError(t, err)
	assert.Nil(t, job)

	pending, err := p.Scheduler().Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	jobs, err := p.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduledJobHandBackRestoresPending(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	var calls atomic.Int32
	register(t, p, "report", func(ctx context.Context, job *async.Job) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("smtp timeout")
		}
		return "sent", nil
	})
	key, err := p.Scheduler().Add(ctx, schedule.NewItem("report", nil, schedule.NewDelayTrigger(time.Hour)))
	require.NoError(t, err)

	_, err = p.ProcessNextJob(ctx, t0)
	require.True(t, async.IsUnexpectedJobError(err))

	jobs, err := p.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs, "the scheduled job record is discarded")

	pending, err := p.Scheduler().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, key, pending[0].ItemKey)

	worked, err := p.ProcessNextJob(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, worked, "the restored fire runs before the next delay elapses")

	jobs, err = p.ListJobs(ctx, []async.JobStatus{async.JobStatusCompleted}, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, key, jobs[0].SchedulerKey)
}

func TestCronItemFiresThroughProcessor(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "hourly", func(ctx context.Context, job *async.Job) (any, error) {
		return nil, nil
	})

	_, err := p.Scheduler().Add(ctx, schedule.NewItem("hourly", nil, schedule.NewCronTrigger([]int{0}, nil, nil, nil, nil)))
	require.NoError(t, err)

	fires := 0
	for now := t0.Add(-30 * time.Second); !now.After(t0.Add(time.Hour)); now = now.Add(10 * time.Second) {
		worked, err := p.ProcessNextJob(ctx, now)
		require.NoError(t, err)
		if worked {
			fires++
		}
	}
	// the item was armed at t0, so the first boundary is 11:00
	assert.Equal(t, 1, fires)
}

func TestCancelRunningJob(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	register(t, p, "block", func(ctx context.Context, job *async.Job) (any, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(async.Cancelled(ctx))
		return nil, ctx.Err()
	})

	id := submit(t, p, "block", `{}`)
	state := NewWorkerState()
	done := make(chan error, 1)
	go func() {
		_, err := p.ProcessNextJobFor(ctx, state, t0)
		done <- err
	}()

	<-started
	requireStatus(t, p, id, async.JobStatusRunning)
	require.NoError(t, p.CancelJob(ctx, id))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not observe cancellation")
	}

	assert.True(t, sawCancel.Load())
	assert.Zero(t, state.RunCounter)
	requireStatus(t, p, id, async.JobStatusCancelled)
}

func TestCancelFromAnotherProcessorIsObservedByPolling(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	other, err := NewProcessor(p.db, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	started := make(chan struct{})
	register(t, p, "loop", func(ctx context.Context, job *async.Job) (any, error) {
		close(started)
		for !async.Cancelled(ctx) {
			time.Sleep(5 * time.Millisecond)
		}
		return "partial", nil
	})

	id := submit(t, p, "loop", `{}`)
	done := make(chan error, 1)
	go func() {
		_, err := p.ProcessNextJob(ctx, t0)
		done <- err
	}()

	<-started
	require.NoError(t, other.CancelJob(ctx, id))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not observe cancellation")
	}
	requireStatus(t, p, id, async.JobStatusCancelled)

	result, err := p.GetJobResult(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, result, "a late result never overwrites the cancellation")
}

func TestAtMostOnceDispatch(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		register(t, p, name, func(ctx context.Context, job *async.Job) (any, error) { return nil, nil })
		_, err := p.Scheduler().Add(ctx, schedule.NewItem(name, nil, schedule.NewDelayTrigger(time.Hour)))
		require.NoError(t, err)
	}

	const jobs = 30
	for i := 0; i < jobs; i++ {
		submit(t, p, "echo", `{}`)
	}

	const workers = 8
	var (
		mu     sync.Mutex
		pulled = map[int64]int{}
		wg     sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state := NewWorkerState()
			for {
				job, err := p.PullNextJobFor(ctx, state, t0)
				if db.IsTransient(err) {
					continue
				}
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				pulled[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, pulled, jobs+3)
	for id, n := range pulled {
		assert.Equal(t, 1, n, "job %d pulled %d times", id, n)
	}
}

func TestRecoverOrphans(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	register(t, p, "tick", func(ctx context.Context, job *async.Job) (any, error) { return nil, nil })

	adhoc := submit(t, p, "echo", `{}`)
	_, err := p.Scheduler().Add(ctx, schedule.NewItem("tick", nil, schedule.NewDelayTrigger(time.Hour)))
	require.NoError(t, err)

	// a previous process claimed both and died
	crashed := NewWorkerState()
	scheduled, err := p.PullNextJobFor(ctx, crashed, t0)
	require.NoError(t, err)
	require.True(t, scheduled.Scheduled())
	claimed, err := p.PullNextJobFor(ctx, crashed, t0)
	require.NoError(t, err)
	require.Equal(t, adhoc, claimed.ID)

	n, err := p.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	job, err := p.GetJob(ctx, adhoc)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusQueued, job.Status)
	assert.Empty(t, job.ClaimedBy)
	assert.Nil(t, job.StartedAt)

	msg, err := p.GetJobError(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Contains(t, msg, "process stopped")

	next, err := p.PullNextJob(ctx, t0)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, adhoc, next.ID)
}

func TestEventsFollowLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	events := p.Subscribe()
	defer p.Unsubscribe(events)

	id := submit(t, p, "echo", `{}`)
	_, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)

	var statuses []async.JobStatus
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, id, ev.JobID)
		assert.Equal(t, "echo", ev.Name)
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []async.JobStatus{
		async.JobStatusQueued,
		async.JobStatusRunning,
		async.JobStatusCompleted,
	}, statuses)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	submit(t, p, "echo", `{}`)
	submit(t, p, "echo", `{}`)
	_, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Jobs[async.JobStatusCompleted])
	assert.Equal(t, 1, stats.Jobs[async.JobStatusQueued])
	assert.Equal(t, 1, stats.Queued)
	assert.Zero(t, stats.Pending)
	assert.False(t, stats.Processing)

	m, err := p.SystemMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.JobsQueued)
	assert.Zero(t, m.WorkersActive)
	assert.Equal(t, p.Settings().Workers, m.WorkersTotal)
}

func TestReload(t *testing.T) {
	p := newTestProcessor(t, nil)

	cfg := testConfig()
	cfg.Pulse.IdleIntervalMs = 250
	cfg.Pulse.MaxJobsPerSecond = 4
	require.NoError(t, p.Reload(cfg))
	assert.Equal(t, 250*time.Millisecond, p.Settings().IdleInterval())
	assert.Equal(t, 4.0, p.Settings().MaxJobsPerSecond)

	bad := testConfig()
	bad.Pulse.IdleIntervalMs = 0
	require.Error(t, p.Reload(bad))
	assert.Equal(t, 250*time.Millisecond, p.Settings().IdleInterval(), "rejected settings are not applied")
}

func TestProcessJobsDrains(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)

	var calls atomic.Int32
	register(t, p, "twice-flaky", func(ctx context.Context, job *async.Job) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("flake")
		}
		return nil, nil
	})

	ids := []int64{
		submit(t, p, "echo", `{}`),
		submit(t, p, "twice-flaky", `{}`),
		submit(t, p, "echo", `{}`),
	}
	require.NoError(t, p.ProcessJobs(ctx, t0))

	for _, id := range ids {
		requireStatus(t, p, id, async.JobStatusCompleted)
	}
}

func TestStartStopProcessing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Pulse.Workers = 3
	p := newTestProcessor(t, cfg)
	t.Cleanup(func() { _ = p.StopProcessing() })

	require.NoError(t, p.StartProcessing(ctx))
	require.NoError(t, p.StartProcessing(ctx), "starting twice is a no-op")
	assert.True(t, p.IsProcessing())

	var ids []int64
	for i := 0; i < 10; i++ {
		ids = append(ids, submit(t, p, "echo", `{"i":1}`))
	}

	require.Eventually(t, func() bool {
		stats, err := p.Stats(ctx)
		return err == nil && stats.Jobs[async.JobStatusCompleted] == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Workers)

	require.NoError(t, p.StopProcessing())
	assert.False(t, p.IsProcessing())
	require.NoError(t, p.StopProcessing(), "stopping twice is a no-op")
}

func TestStopHandsBackInterruptedJob(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Pulse.Workers = 1
	p := newTestProcessor(t, cfg)

	started := make(chan struct{})
	register(t, p, "long", func(ctx context.Context, job *async.Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id := submit(t, p, "long", `{}`)
	require.NoError(t, p.StartProcessing(ctx))
	<-started
	require.NoError(t, p.StopProcessing())

	job, err := p.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, async.JobStatusQueued, job.Status, "shutdown is not a job failure")

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
}

func TestNewProcessorRejectsInvalidConfig(t *testing.T) {
	for _, mutate := range []func(*am.Config){
		func(c *am.Config) { c.Pulse.CancelPollIntervalMs = 0 },
		func(c *am.Config) { c.Pulse.CancelPollIntervalMs = -5 },
		func(c *am.Config) { c.Pulse.IdleIntervalMs = 0 },
		func(c *am.Config) { c.Pulse.MaxRunCounter = -1 },
	} {
		cfg := testConfig()
		mutate(cfg)
		p, err := NewProcessor(cadencetest.CreateTestDB(t), cfg, zaptest.NewLogger(t).Sugar())
		require.Error(t, err)
		assert.Nil(t, p)
	}
}

func TestZeroCancelPollIntervalFallsBack(t *testing.T) {
	ctx := context.Background()
	p := newTestProcessor(t, nil)
	// settings can only get here by bypassing Validate
	p.settings.CancelPollIntervalMs = 0

	id := submit(t, p, "echo", `{"ok":true}`)
	worked, err := p.ProcessNextJob(ctx, t0)
	require.NoError(t, err)
	assert.True(t, worked)
	requireStatus(t, p, id, async.JobStatusCompleted)
}

func TestUnexpectedErrorAfterRemoteRemovalIsDiscarded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	// the executing processor must not notice the cancel on its own
	cfg.Pulse.CancelPollIntervalMs = int(time.Hour / time.Millisecond)
	p := newTestProcessor(t, cfg)
	other, err := NewProcessor(p.db, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	register(t, p, "flaky", func(ctx context.Context, job *async.Job) (any, error) {
		close(started)
		<-release
		return nil, errors.New("connection reset")
	})

	id := submit(t, p, "flaky", `{}`)
	state := NewWorkerState()
	done := make(chan error, 1)
	go func() {
		_, err := p.ProcessNextJobFor(ctx, state, t0)
		done <- err
	}()

	<-started
	require.NoError(t, other.CancelJob(ctx, id))
	removed, err := other.RemoveJobs(ctx, async.JobStatusCancelled)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err, "a job removed elsewhere is not a worker error")
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}

	assert.Zero(t, state.RunCounter)
	assert.Zero(t, testutil.ToFloat64(p.metrics.JobsHandedBackTotal.WithLabelValues("flaky")))
	_, err = p.GetJobStatus(ctx, id)
	assert.True(t, errors.IsNotFoundError(err))

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Queued, "nothing was handed back")
}

func TestUnexpectedErrorAfterRemoteCancelIsNotCounted(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Pulse.CancelPollIntervalMs = int(time.Hour / time.Millisecond)
	p := newTestProcessor(t, cfg)
	other, err := NewProcessor(p.db, testConfig(), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	register(t, p, "flaky", func(ctx context.Context, job *async.Job) (any, error) {
		close(started)
		<-release
		return nil, errors.New("connection reset")
	})

	id := submit(t, p, "flaky", `{}`)
	state := NewWorkerState()
	done := make(chan error, 1)
	go func() {
		_, err := p.ProcessNextJobFor(ctx, state, t0)
		done <- err
	}()

	<-started
	require.NoError(t, other.CancelJob(ctx, id))
	close(release)

	require.NoError(t, <-done)
	assert.Zero(t, state.RunCounter)
	requireStatus(t, p, id, async.JobStatusCancelled)
}
