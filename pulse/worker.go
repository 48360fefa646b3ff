package pulse

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
)

// WorkerState is owned by one worker loop and passed to every call it makes
type WorkerState struct {
	// ID is recorded as ClaimedBy on the jobs this worker pulls
	ID string

	// RunCounter counts unexpected job errors propagated since the last
	// terminal outcome
	RunCounter int
}

// NewWorkerState creates a state with a fresh worker id
func NewWorkerState() *WorkerState {
	return &WorkerState{ID: uuid.NewString()}
}

// Worker repeatedly pulls and executes jobs from a Processor
type Worker struct {
	processor *Processor
	state     *WorkerState
	limiter   *rate.Limiter
	logger    pulseLogger
}

// NewWorker creates a worker with its own state
func NewWorker(p *Processor) *Worker {
	state := NewWorkerState()
	return &Worker{
		processor: p,
		state:     state,
		limiter:   rate.NewLimiter(dispatchLimit(p.Settings().MaxJobsPerSecond), 1),
		logger:    pulseLogger{p.logger.With(logger.FieldWorkerID, state.ID)},
	}
}

// State returns the worker's state
func (w *Worker) State() *WorkerState {
	return w.state
}

func dispatchLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Run processes jobs until ctx is cancelled, which returns nil.
//
// Unexpected job errors and transient store errors are logged and the loop
// continues, backing off exponentially once they repeat. A closed database
// or any other store error ends the loop with that error.
func (w *Worker) Run(ctx context.Context) error {
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	w.logger.Debugw("Worker started")
	defer w.logger.Debugw("Worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		settings := w.processor.Settings()
		if limit := dispatchLimit(settings.MaxJobsPerSecond); w.limiter.Limit() != limit {
			w.limiter.SetLimit(limit)
		}

		worked, err := w.processor.ProcessNextJobFor(ctx, w.state, w.processor.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			kind := errorKind(err)
			w.processor.metrics.WorkerErrorsTotal.WithLabelValues(kind).Inc()
			if kind == "fatal" {
				w.logger.Errorw("Worker giving up", logger.FieldError, err)
				return err
			}

			errorCount++
			w.logger.Warnw("Worker error processing job",
				logger.FieldError, err,
				"kind", kind,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				w.logger.Warnw("Worker backing off due to consecutive errors",
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				if !sleep(ctx, backoffDuration) {
					return nil
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
			continue
		}

		if errorCount > 0 {
			w.logger.Infow("Worker recovered from errors", "previous_error_count", errorCount)
			errorCount = 0
			backoffDuration = time.Second
		}

		if worked {
			// the next dispatch waits for a token
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		if !sleep(ctx, settings.IdleInterval()) {
			return nil
		}
	}
}

// errorKind classifies a ProcessNextJobFor error as unexpected, transient or fatal
func errorKind(err error) string {
	switch {
	case async.IsUnexpectedJobError(err):
		return "unexpected"
	case db.IsDatabaseClosed(err):
		return "fatal"
	case db.IsTransient(err):
		return "transient"
	}
	return "fatal"
}

// sleep waits for d or until ctx is done. Returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
