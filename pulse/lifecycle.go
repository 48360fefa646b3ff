package pulse

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
)

// errOrphaned is recorded on scheduled jobs found running at startup
var errOrphaned = errors.New("job was running when its process stopped")

// StartProcessing recovers orphaned jobs and starts the configured number
// of workers. Calling it while already processing does nothing; calling it
// after every worker exited with an error starts a fresh set.
// Workers stop when ctx is cancelled or StopProcessing is called.
func (p *Processor) StartProcessing(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		if p.hasLiveWorkers() {
			p.logger.Debugw("Processing already started")
			return nil
		}
		p.cancel()
		p.wg.Wait()
		p.running = false
		p.logger.Warnw("Restarting processing, all workers had stopped")
	}

	settings := p.Settings()
	if settings.RecoverOrphans {
		if _, err := p.RecoverOrphans(ctx); err != nil {
			// workers still start, a stuck job is better than no processing
			p.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
		}
	}

	if warning := async.MemoryPressureWarning(settings.Workers); warning != "" {
		p.logger.Warnw("Memory pressure warning", "warning", warning, "workers", settings.Workers)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	workers := make([]*Worker, 0, settings.Workers)
	for i := 0; i < settings.Workers; i++ {
		workers = append(workers, NewWorker(p))
	}
	p.workersMu.Lock()
	p.workers, p.started = workers, len(workers)
	p.workersMu.Unlock()

	for _, w := range workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Run(runCtx); err != nil {
				p.retire(w, err)
			}
		}()
	}
	p.running = true

	p.logger.Starting("Processing started", "workers", settings.Workers)
	return nil
}

// StopProcessing cancels the workers and waits for them to exit.
// Jobs interrupted by the shutdown are handed back. Returns an error when
// the workers do not exit within the configured stop timeout.
// Calling it while not processing does nothing.
func (p *Processor) StopProcessing() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.workersMu.Lock()
	p.workers, p.started = nil, 0
	p.workersMu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.Settings().StopTimeout()
	select {
	case <-done:
		p.logger.Closing("Processing stopped, all workers exited cleanly")
		return nil
	case <-time.After(timeout):
		p.logger.Closing("Stop timed out, workers may still be finishing", "timeout", timeout)
		return errors.Newf("workers did not stop within %s", timeout)
	}
}

// IsProcessing reports whether workers are running. It turns false once
// every started worker has exited with an error.
func (p *Processor) IsProcessing() bool {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return false
	}

	return p.hasLiveWorkers()
}

func (p *Processor) hasLiveWorkers() bool {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()
	return p.started == 0 || len(p.workers) > 0
}

// retire drops a worker that exited with an error from the live set.
// It does not take p.mu, StopProcessing holds it while waiting for workers.
func (p *Processor) retire(w *Worker, err error) {
	p.workersMu.Lock()
	p.workers = slices.DeleteFunc(p.workers, func(o *Worker) bool { return o == w })
	remaining := len(p.workers)
	p.workersMu.Unlock()

	p.logger.Errorw("Worker stopped with error",
		logger.FieldWorkerID, w.State().ID,
		logger.FieldError, err,
		"workers_remaining", remaining)
	if remaining == 0 {
		p.logger.Errorw("All workers stopped, no jobs will be processed until restart")
	}
}

// RecoverOrphans repairs jobs left running by a process that stopped
// without finishing them. Ad-hoc jobs return to the head of the queue.
// Scheduled jobs are marked as failed since their item fires again.
// Jobs executing in this process are left alone. Only one daemon should
// recover orphans on a shared database.
func (p *Processor) RecoverOrphans(ctx context.Context) (int, error) {
	recovered := 0
	err := db.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		recovered = 0
		store := async.NewStore(tx)
		queue := async.NewQueue(tx)

		running, err := store.ListRunning(ctx)
		if err != nil {
			return err
		}

		now := p.now()
		// ListRunning is oldest first, PushFront reverses, so walk backwards
		for i := len(running) - 1; i >= 0; i-- {
			job := running[i]
			if p.executing(job.ID) {
				continue
			}

			if job.Scheduled() {
				job.Fail(errOrphaned, now)
			} else {
				job.Requeue(now)
			}
			if err := store.UpdateJob(ctx, job); err != nil {
				return err
			}
			if !job.Scheduled() {
				if err := queue.PushFront(ctx, job.ID, now); err != nil {
					return err
				}
			}

			p.logger.Starting("Recovered orphaned job",
				logger.FieldJobID, job.ID,
				logger.FieldJobName, job.Name,
				logger.FieldStatus, job.Status)
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned jobs")
	}

	if recovered > 0 {
		p.metrics.OrphansRecovered.Add(float64(recovered))
		p.logger.Starting("Opening, orphaned jobs from a previous run recovered", logger.FieldCount, recovered)
	}
	return recovered, nil
}

// Stats summarizes the job table, the queue and the pending set
type Stats struct {
	Jobs       map[async.JobStatus]int `json:"jobs"`
	Queued     int                     `json:"queued"`
	Pending    int                     `json:"pending"`
	Workers    int                     `json:"workers"`
	Processing bool                    `json:"processing"`
}

// Stats returns counts per job status plus queue and pending lengths
func (p *Processor) Stats(ctx context.Context) (*Stats, error) {
	counts, err := async.NewStore(p.db).CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	queued, err := async.NewQueue(p.db).Len(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := p.scheduler.Pending(ctx)
	if err != nil {
		return nil, err
	}

	processing := p.IsProcessing()
	p.workersMu.Lock()
	workers := len(p.workers)
	p.workersMu.Unlock()

	return &Stats{
		Jobs:       counts,
		Queued:     queued,
		Pending:    len(pending),
		Workers:    workers,
		Processing: processing,
	}, nil
}

// SystemMetrics reports worker activity, job counts and memory usage
func (p *Processor) SystemMetrics(ctx context.Context) (*async.SystemMetrics, error) {
	stats, err := p.Stats(ctx)
	if err != nil {
		return nil, err
	}

	total := stats.Workers
	if !stats.Processing {
		total = p.Settings().Workers
	}
	m := &async.SystemMetrics{
		WorkersActive: int(p.activeWorkers.Load()),
		WorkersTotal:  total,
		JobsQueued:    stats.Queued,
		JobsRunning:   stats.Jobs[async.JobStatusRunning],
		JobsPending:   stats.Pending,
	}
	m.FillMemory()
	return m, nil
}
