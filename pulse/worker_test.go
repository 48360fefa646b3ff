package pulse

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/async"
)

func TestNewWorkerState(t *testing.T) {
	a, b := NewWorkerState(), NewWorkerState()
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Zero(t, a.RunCounter)
}

func TestDispatchLimit(t *testing.T) {
	assert.Equal(t, rate.Inf, dispatchLimit(0))
	assert.Equal(t, rate.Inf, dispatchLimit(-1))
	assert.Equal(t, rate.Limit(2.5), dispatchLimit(2.5))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unexpected job error", errors.Mark(errors.New("boom"), async.ErrUnexpectedJobError), "unexpected"},
		{"busy", errors.Wrap(sqlite3.Error{Code: sqlite3.ErrBusy}, "failed to begin transaction"), "transient"},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, "transient"},
		{"closed", errors.Wrap(db.ErrDatabaseClosed, "pull"), "fatal"},
		{"corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, "fatal"},
		{"other", errors.New("disk I/O error"), "fatal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestWorkerToleratesTransientErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	mock.ExpectBegin().WillReturnError(busy)
	mock.ExpectBegin().WillReturnError(busy)
	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	metrics := NewMetrics(nil)
	p, err := NewProcessor(conn, testConfig(), zaptest.NewLogger(t).Sugar(), WithMetrics(metrics))
	require.NoError(t, err)
	w := NewWorker(p)

	err = w.Run(context.Background())
	require.Error(t, err, "a non-transient store error ends the loop")
	assert.Contains(t, err.Error(), "disk I/O error")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.WorkerErrorsTotal.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WorkerErrorsTotal.WithLabelValues("fatal")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerKeepsRunningAfterUnexpectedJobErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Pulse.MaxRunCounter = 2
	metrics := NewMetrics(nil)
	p := newTestProcessor(t, cfg)
	p.metrics = metrics

	register(t, p, "always-broken", func(ctx context.Context, job *async.Job) (any, error) {
		return nil, errors.New("segfault in plugin")
	})
	id := submit(t, p, "always-broken", `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := NewWorker(p)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := p.GetJobStatus(context.Background(), id)
		return err == nil && status == async.JobStatusError
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.WorkerErrorsTotal.WithLabelValues("unexpected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.JobsHandedBackTotal.WithLabelValues("always-broken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobsFinishedTotal.WithLabelValues("always-broken", "error")))
}

func TestWorkerProcessesAndClaimsJobs(t *testing.T) {
	p := newTestProcessor(t, nil)
	id := submit(t, p, "echo", `{"hello":"world"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := NewWorker(p)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		status, err := p.GetJobStatus(context.Background(), id)
		return err == nil && status == async.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done, "context cancellation ends the loop cleanly")

	job, err := p.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, w.State().ID, job.ClaimedBy)
}

func TestWorkerHonoursDispatchRate(t *testing.T) {
	cfg := testConfig()
	cfg.Pulse.MaxJobsPerSecond = 20
	p := newTestProcessor(t, cfg)

	const jobs = 5
	for i := 0; i < jobs; i++ {
		submit(t, p, "echo", `{}`)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- NewWorker(p).Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := p.Stats(context.Background())
		return err == nil && stats.Jobs[async.JobStatusCompleted] == jobs
	}, 5*time.Second, 5*time.Millisecond)
	elapsed := time.Since(start)

	cancel()
	require.NoError(t, <-done)
	// 20/s with a burst of one: the first token is free, the next three waits take 50ms each
	assert.GreaterOrEqual(t, elapsed, 140*time.Millisecond)
}

func TestSleep(t *testing.T) {
	assert.True(t, sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
}

func TestWorkerFatalExitLeavesLiveSet(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	cfg := testConfig()
	cfg.Pulse.Workers = 1
	cfg.Pulse.RecoverOrphans = false
	p, err := NewProcessor(conn, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, p.StartProcessing(context.Background()))
	require.Eventually(t, func() bool { return !p.IsProcessing() }, 5*time.Second, 5*time.Millisecond,
		"processing ends once its only worker has given up")

	p.workersMu.Lock()
	assert.Empty(t, p.workers)
	p.workersMu.Unlock()

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))
	require.NoError(t, p.StartProcessing(context.Background()), "a halted processor can be started again")
	require.Eventually(t, func() bool { return !p.IsProcessing() }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.StopProcessing())
	assert.NoError(t, mock.ExpectationsWereMet())
}
