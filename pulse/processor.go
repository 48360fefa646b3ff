// Package pulse runs jobs. The Processor accepts ad-hoc jobs, merges them
// with fires from the scheduler and hands them to workers; every dispatch
// is claimed inside one immediate transaction so a job runs at most once
// even with several workers or processes on the same database.
package pulse

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/pulse/schedule"
)

// Event reports a job lifecycle transition to subscribers
type Event = async.Event

// pulseLogger wraps zap.SugaredLogger with the opening and closing
// glyphs used around startup and shutdown.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	logger.AddPulseOpenSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	logger.AddPulseCloseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Pulse logs general job processing
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	logger.AddPulseSymbol(l.SugaredLogger).Infow(msg, keysAndValues...)
}

// Option configures a Processor
type Option func(*Processor)

// WithClock replaces the time source. The scheduler shares it.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithMetrics sets the prometheus collectors.
// Without it the processor records into unregistered collectors.
func WithMetrics(m *Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithRegistry uses an existing registry instead of an empty one
func WithRegistry(r *async.Registry) Option {
	return func(p *Processor) { p.registry = r }
}

// WithScheduler uses an existing scheduler instead of creating one on the
// processor's database
func WithScheduler(s *schedule.Scheduler) Option {
	return func(p *Processor) { p.scheduler = s }
}

// Processor is the job orchestrator shared by all workers
type Processor struct {
	db        *sql.DB
	registry  *async.Registry
	scheduler *schedule.Scheduler
	metrics   *Metrics
	events    async.Emitter
	now       func() time.Time
	logger    pulseLogger

	settingsMu sync.RWMutex
	settings   am.PulseConfig

	// cancel funcs of jobs executing in this process
	inflightMu sync.Mutex
	inflight   map[int64]context.CancelCauseFunc

	// state used by ProcessNextJob and PullNextJob
	localMu    sync.Mutex
	localState *WorkerState

	activeWorkers atomic.Int32

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// live workers, shrinks when one exits with an error
	workersMu sync.Mutex
	workers   []*Worker
	started   int
}

// NewProcessor creates a processor on an open, migrated database.
// A nil cfg uses the built-in defaults; an invalid one is rejected.
func NewProcessor(database *sql.DB, cfg *am.Config, log *zap.SugaredLogger, opts ...Option) (*Processor, error) {
	if cfg == nil {
		cfg = am.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid pulse configuration")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	p := &Processor{
		db:         database,
		now:        time.Now,
		logger:     pulseLogger{log.Named("pulse")},
		settings:   cfg.Pulse,
		inflight:   make(map[int64]context.CancelCauseFunc),
		localState: NewWorkerState(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry == nil {
		p.registry = async.NewRegistry(log.Named("registry"))
	}
	if p.scheduler == nil {
		p.scheduler = schedule.NewScheduler(database, log.Named("schedule"))
	}
	p.scheduler.SetClock(p.now)
	if p.metrics == nil {
		p.metrics = NewMetrics(nil)
	}
	return p, nil
}

// Registry returns the job definitions this processor executes
func (p *Processor) Registry() *async.Registry {
	return p.registry
}

// Scheduler returns the scheduler whose fires this processor pulls
func (p *Processor) Scheduler() *schedule.Scheduler {
	return p.scheduler
}

// Settings returns the current pulse settings
func (p *Processor) Settings() am.PulseConfig {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return p.settings
}

// Reload applies new pulse settings. Running workers pick up the idle
// interval, cancel poll interval and dispatch rate on their next iteration;
// the worker count only changes on the next StartProcessing.
// Its signature matches am.ReloadCallback.
func (p *Processor) Reload(cfg *am.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "rejected pulse settings")
	}

	p.settingsMu.Lock()
	p.settings = cfg.Pulse
	p.settingsMu.Unlock()

	p.logger.Pulse("Pulse settings reloaded",
		"idle_interval", cfg.Pulse.IdleInterval(),
		"cancel_poll_interval", cfg.Pulse.CancelPollInterval(),
		"max_jobs_per_second", cfg.Pulse.MaxJobsPerSecond)
	return nil
}

// ProcessJob creates a job for a registered name and queues it.
// It returns the new job id without waiting for execution.
func (p *Processor) ProcessJob(ctx context.Context, name string, input json.RawMessage) (int64, error) {
	if err := p.registry.Check(name); err != nil {
		return 0, err
	}

	now := p.now()
	job, err := async.NewJob(name, input, now)
	if err != nil {
		return 0, err
	}
	job.Enqueue(now)

	err = db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := async.NewStore(tx).CreateJob(ctx, job); err != nil {
			return err
		}
		return async.NewQueue(tx).Push(ctx, job.ID, now)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to submit job %q", name)
	}

	p.metrics.JobsSubmittedTotal.WithLabelValues(name).Inc()
	p.emit(job)
	p.logger.Debugw("Job queued",
		logger.FieldJobID, job.ID,
		logger.FieldJobName, name)
	return job.ID, nil
}

// CancelJob cancels a queued or running job.
// A queued job leaves the queue; a running job keeps executing until its
// executor notices the cancelled context. Cancelling a finished job is a no-op.
func (p *Processor) CancelJob(ctx context.Context, id int64) error {
	var job *async.Job
	cancelled := false

	err := db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		store := async.NewStore(tx)
		var err error
		job, err = store.GetJob(ctx, id)
		if err != nil {
			return err
		}

		wasQueued := job.Status == async.JobStatusQueued
		if !job.Cancel(p.now()) {
			return nil
		}
		if wasQueued {
			if _, err := async.NewQueue(tx).Remove(ctx, id); err != nil {
				return err
			}
		}
		cancelled = true
		return store.UpdateJob(ctx, job)
	})
	if err != nil {
		return err
	}

	if !cancelled {
		p.logger.Debugw("Cancel ignored, job already finished",
			logger.FieldJobID, id,
			logger.FieldStatus, job.Status)
		return nil
	}

	p.interrupt(id)
	p.metrics.JobsFinishedTotal.WithLabelValues(job.Name, string(async.JobStatusCancelled)).Inc()
	p.emit(job)
	p.logger.Pulse("Job cancelled",
		logger.FieldJobID, id,
		logger.FieldJobName, job.Name)
	return nil
}

// GetJob returns the full job record
func (p *Processor) GetJob(ctx context.Context, id int64) (*async.Job, error) {
	return async.NewStore(p.db).GetJob(ctx, id)
}

// GetJobStatus returns the status of a job
func (p *Processor) GetJobStatus(ctx context.Context, id int64) (async.JobStatus, error) {
	return async.NewStore(p.db).GetStatus(ctx, id)
}

// GetJobResult returns the output of a completed job, nil otherwise
func (p *Processor) GetJobResult(ctx context.Context, id int64) (json.RawMessage, error) {
	job, err := p.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != async.JobStatusCompleted {
		return nil, nil
	}
	return job.Output, nil
}

// GetJobError returns the error message of a failed job, "" otherwise
func (p *Processor) GetJobError(ctx context.Context, id int64) (string, error) {
	job, err := p.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != async.JobStatusError {
		return "", nil
	}
	return job.Error, nil
}

// ListJobs returns jobs newest first, optionally filtered by status
func (p *Processor) ListJobs(ctx context.Context, statuses []async.JobStatus, limit int) ([]*async.Job, error) {
	return async.NewStore(p.db).ListJobs(ctx, statuses, limit)
}

// RemoveJobs deletes the records of finished jobs.
// With no statuses every terminal status is removed. Any non-terminal
// status fails the whole call and nothing is removed.
func (p *Processor) RemoveJobs(ctx context.Context, statuses ...async.JobStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = async.TerminalStatuses
	}
	for _, s := range statuses {
		if !s.IsTerminal() {
			err := errors.Wrapf(errors.ErrInvalidStatus, "cannot remove %q jobs", s)
			return 0, errors.WithHint(err, "only completed, error and cancelled jobs can be removed")
		}
	}

	n, err := async.NewStore(p.db).DeleteByStatus(ctx, statuses)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Debugw("Jobs removed", logger.FieldCount, n, "statuses", statuses)
	}
	return n, nil
}

// PullNextJob claims the next job using the processor's own worker state
func (p *Processor) PullNextJob(ctx context.Context, now time.Time) (*async.Job, error) {
	return p.PullNextJobFor(ctx, p.localState, now)
}

// PullNextJobFor claims the next job for a worker.
// Due scheduler items take priority over the queue. The claimed job is
// running when it is returned; nil means there is no work.
func (p *Processor) PullNextJobFor(ctx context.Context, state *WorkerState, now time.Time) (*async.Job, error) {
	var job *async.Job
	err := db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		job, err = p.pullScheduled(ctx, tx, state, now)
		if err != nil || job != nil {
			return err
		}
		job, err = p.pullQueued(ctx, tx, state, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to pull next job")
	}
	if job == nil {
		return nil, nil
	}

	if job.Scheduled() {
		p.metrics.SchedulerFiresTotal.WithLabelValues(job.Name).Inc()
	}
	p.emit(job)
	p.logger.Debugw("Job claimed",
		logger.FieldJobID, job.ID,
		logger.FieldJobName, job.Name,
		logger.FieldWorkerID, state.ID,
		logger.FieldSchedulerKey, job.SchedulerKey)
	return job, nil
}

func (p *Processor) pullScheduled(ctx context.Context, tx *sql.Tx, state *WorkerState, now time.Time) (*async.Job, error) {
	for {
		item, err := p.scheduler.PullNextSchedulerItemTx(ctx, tx, now)
		if err != nil || item == nil {
			return nil, err
		}

		if !p.registry.Has(item.JobName) {
			p.logger.Warnw("Scheduler fire dropped, job is not registered",
				logger.FieldSchedulerKey, item.Key,
				logger.FieldJobName, item.JobName)
			continue
		}

		job, err := async.NewJob(item.JobName, item.Input, now)
		if err != nil {
			return nil, err
		}
		job.SchedulerKey = item.Key
		job.Enqueue(now)
		job.Start(state.ID, now)
		if err := async.NewStore(tx).CreateJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
}

func (p *Processor) pullQueued(ctx context.Context, tx *sql.Tx, state *WorkerState, now time.Time) (*async.Job, error) {
	queue := async.NewQueue(tx)
	store := async.NewStore(tx)
	for {
		id, ok, err := queue.Pull(ctx)
		if err != nil || !ok {
			return nil, err
		}

		job, err := store.GetJob(ctx, id)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.Status != async.JobStatusQueued {
			p.logger.Debugw("Skipping stale queue entry",
				logger.FieldJobID, id,
				logger.FieldStatus, job.Status)
			continue
		}

		job.Start(state.ID, now)
		if err := store.UpdateJob(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
}

// ProcessNextJob pulls and executes one job using the processor's own
// worker state. Returns false when there was nothing to do.
// Calls are serialized; concurrent workers use ProcessNextJobFor.
func (p *Processor) ProcessNextJob(ctx context.Context, now time.Time) (bool, error) {
	p.localMu.Lock()
	defer p.localMu.Unlock()
	return p.ProcessNextJobFor(ctx, p.localState, now)
}

// ProcessNextJobFor pulls and executes one job for a worker.
// Returns false when there was nothing to do. Unexpected job failures are
// returned marked with async.ErrUnexpectedJobError while the worker's run
// counter is below the configured maximum.
func (p *Processor) ProcessNextJobFor(ctx context.Context, state *WorkerState, now time.Time) (bool, error) {
	job, err := p.PullNextJobFor(ctx, state, now)
	if err != nil || job == nil {
		return false, err
	}
	return true, p.execute(ctx, state, job)
}

// ProcessJobs drains the scheduler and the queue using the processor's own
// worker state. Unexpected job failures are logged and processing goes on;
// the run counter bounds how often one job is retried.
func (p *Processor) ProcessJobs(ctx context.Context, now time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.ProcessNextJob(ctx, now)
		if async.IsUnexpectedJobError(err) {
			p.logger.Warnw("Unexpected job error", logger.FieldError, err)
			continue
		}
		if err != nil {
			return err
		}
		if !worked {
			return nil
		}
	}
}

// execute runs a claimed job and records its outcome
func (p *Processor) execute(ctx context.Context, state *WorkerState, job *async.Job) error {
	jobCtx := logger.WithJobID(logger.WithWorkerID(ctx, state.ID), job.ID)
	jobCtx, cancel := context.WithCancelCause(jobCtx)
	log := logger.FromContext(jobCtx, p.logger.SugaredLogger)

	p.track(job.ID, cancel)
	defer p.untrack(job.ID)

	var watch sync.WaitGroup
	watch.Add(1)
	go func() {
		defer watch.Done()
		p.watchCancellation(jobCtx, job.ID, cancel)
	}()

	p.activeWorkers.Add(1)
	p.metrics.WorkersActive.Inc()
	started := time.Now()

	output, runErr := p.run(jobCtx, job)

	elapsed := time.Since(started)
	cancelled := async.Cancelled(jobCtx)
	cancel(nil)
	watch.Wait()
	p.activeWorkers.Add(-1)
	p.metrics.WorkersActive.Dec()

	finishedAt := job.StartedAt.Add(elapsed)
	// outcome writes must survive a worker shutting down
	writeCtx := context.WithoutCancel(ctx)

	switch {
	case runErr == nil:
		raw, err := marshalOutput(output)
		if err != nil {
			job.Fail(async.JobFailure(err), finishedAt)
		} else {
			job.Complete(raw, finishedAt)
		}

	case async.IsJobFailure(runErr) || cancelled:
		job.Fail(runErr, finishedAt)

	case ctx.Err() != nil:
		// the worker is stopping, not the job failing
		log.Infow("Job interrupted by shutdown, handing back", logger.FieldError, runErr)
		_, err := p.handBack(writeCtx, job, finishedAt)
		return err

	case state.RunCounter < p.Settings().MaxRunCounter:
		handed, err := p.handBack(writeCtx, job, finishedAt)
		if err != nil {
			return errors.CombineErrors(err, runErr)
		}
		if !handed {
			// cancelled or removed elsewhere while it ran
			log.Infow("Unexpected job error discarded, job is no longer running",
				logger.FieldError, runErr)
			state.RunCounter = 0
			return nil
		}

		state.RunCounter++
		p.metrics.JobsHandedBackTotal.WithLabelValues(job.Name).Inc()
		log.Warnw("Unexpected job error, handed back",
			logger.FieldError, runErr,
			logger.FieldRunCounter, state.RunCounter)
		err = errors.Wrapf(runErr, "job %d (%s) failed unexpectedly, run %d of %d",
			job.ID, job.Name, state.RunCounter, p.Settings().MaxRunCounter)
		return errors.Mark(err, async.ErrUnexpectedJobError)

	default:
		log.Errorw("Unexpected job error, giving up",
			logger.FieldError, runErr,
			logger.FieldRunCounter, state.RunCounter)
		job.Fail(runErr, finishedAt)
	}

	state.RunCounter = 0
	return p.finish(writeCtx, job, log)
}

// run builds a fresh executor for the job and calls it.
// Panics are returned as unexpected errors.
func (p *Processor) run(ctx context.Context, job *async.Job) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("job %q panicked: %v", job.Name, r)
		}
	}()

	executor, err := p.registry.NewInstance(job.Name, job.Input)
	if err != nil {
		return nil, async.JobFailure(err)
	}
	return executor.Execute(ctx, job)
}

func marshalOutput(output any) (json.RawMessage, error) {
	switch v := output.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, errors.New("job output is not valid JSON")
		}
		return v, nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode job output")
	}
	return raw, nil
}

// finish records a terminal outcome unless the job was cancelled meanwhile
func (p *Processor) finish(ctx context.Context, job *async.Job, log *zap.SugaredLogger) error {
	written, err := async.NewStore(p.db).FinishJob(ctx, job)
	if err != nil {
		return errors.Wrapf(err, "failed to record outcome of job %d", job.ID)
	}
	if !written {
		log.Debugw("Job outcome discarded, job is no longer running",
			logger.FieldStatus, job.Status)
		return nil
	}

	p.metrics.JobsFinishedTotal.WithLabelValues(job.Name, string(job.Status)).Inc()
	p.metrics.JobDurationSeconds.WithLabelValues(job.Name).Observe(job.Duration().Seconds())
	p.emit(job)

	if job.Status == async.JobStatusError {
		log.Infow("Job failed",
			logger.FieldJobName, job.Name,
			logger.FieldError, job.Error)
		return nil
	}
	log.Debugw("Job completed",
		logger.FieldJobName, job.Name,
		logger.FieldDurationMS, job.Duration().Milliseconds())
	return nil
}

// handBack undoes a claim so the job runs again.
// An ad-hoc job goes back to the head of the queue. A scheduled job's
// record is dropped and its item returns to the head of the pending set.
// It reports false when the job was no longer running, e.g. cancelled or
// removed by another process, and nothing was handed back.
func (p *Processor) handBack(ctx context.Context, job *async.Job, now time.Time) (bool, error) {
	handed := false
	err := db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		store := async.NewStore(tx)
		status, err := store.GetStatus(ctx, job.ID)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if status != async.JobStatusRunning {
			return nil
		}

		if job.Scheduled() {
			if err := store.DeleteJob(ctx, job.ID); err != nil {
				return err
			}
			if err := p.scheduler.RestorePendingTx(ctx, tx, job.SchedulerKey, job.CreatedAt.Unix()); err != nil {
				return err
			}
			handed = true
			return nil
		}

		job.Requeue(now)
		if err := store.UpdateJob(ctx, job); err != nil {
			return err
		}
		if err := async.NewQueue(tx).PushFront(ctx, job.ID, now); err != nil {
			return err
		}
		handed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return handed, nil
}

const defaultCancelPollInterval = time.Second

// watchCancellation polls the job status and cancels ctx with
// async.ErrJobCancelled once the job is cancelled, which covers
// cancellation from another process.
func (p *Processor) watchCancellation(ctx context.Context, jobID int64, cancel context.CancelCauseFunc) {
	interval := p.Settings().CancelPollInterval()
	if interval <= 0 {
		interval = defaultCancelPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	store := async.NewStore(p.db)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := store.GetStatus(ctx, jobID)
			if err != nil {
				continue
			}
			if status == async.JobStatusCancelled {
				cancel(async.ErrJobCancelled)
				return
			}
		}
	}
}

func (p *Processor) track(id int64, cancel context.CancelCauseFunc) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	p.inflight[id] = cancel
}

func (p *Processor) untrack(id int64) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	delete(p.inflight, id)
}

// interrupt cancels the context of a job executing in this process
func (p *Processor) interrupt(id int64) {
	p.inflightMu.Lock()
	cancel, ok := p.inflight[id]
	p.inflightMu.Unlock()
	if ok {
		cancel(async.ErrJobCancelled)
	}
}

func (p *Processor) executing(id int64) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

func (p *Processor) emit(job *async.Job) {
	p.events.Emit(async.EventFor(job, p.now()))
}

// Subscribe returns a channel receiving job lifecycle events.
// Call Unsubscribe when done.
func (p *Processor) Subscribe() chan Event {
	return p.events.Subscribe()
}

// Unsubscribe stops delivery to ch
func (p *Processor) Unsubscribe(ch chan Event) {
	p.events.Unsubscribe(ch)
}
