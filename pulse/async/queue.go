package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// Queue is the durable FIFO of ad-hoc job ids waiting for a worker.
// Scheduled jobs never pass through it.
type Queue struct {
	q db.Querier
}

// NewQueue creates a queue on q
func NewQueue(q db.Querier) *Queue {
	return &Queue{q: q}
}

// Push appends a job id at the tail
func (q *Queue) Push(ctx context.Context, jobID int64, now time.Time) error {
	return q.insert(ctx, jobID, now, `SELECT COALESCE(MAX(position), 0) + 1 FROM pulse_queue`)
}

// PushFront puts a job id at the head so it is pulled next
func (q *Queue) PushFront(ctx context.Context, jobID int64, now time.Time) error {
	return q.insert(ctx, jobID, now, `SELECT COALESCE(MIN(position), 1) - 1 FROM pulse_queue`)
}

func (q *Queue) insert(ctx context.Context, jobID int64, now time.Time, positionQuery string) error {
	var position int64
	if err := q.q.QueryRowContext(ctx, positionQuery).Scan(&position); err != nil {
		return errors.Wrap(err, "failed to compute queue position")
	}

	_, err := q.q.ExecContext(ctx,
		`INSERT INTO pulse_queue (job_id, position, enqueued_at) VALUES (?, ?, ?)`,
		jobID, position, now.UTC())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "job %d is already queued", jobID)
		}
		err = errors.Wrap(err, "failed to enqueue job")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", jobID))
	}
	return nil
}

// Pull removes and returns the job id at the head.
// ok is false when the queue is empty.
func (q *Queue) Pull(ctx context.Context) (jobID int64, ok bool, err error) {
	err = q.q.QueryRowContext(ctx, `SELECT job_id FROM pulse_queue ORDER BY position LIMIT 1`).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read queue head")
	}

	if _, err := q.Remove(ctx, jobID); err != nil {
		return 0, false, err
	}
	return jobID, true, nil
}

// Remove takes a job id out of the queue wherever it is.
// Returns false when the job was not queued.
func (q *Queue) Remove(ctx context.Context, jobID int64) (bool, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM pulse_queue WHERE job_id = ?`, jobID)
	if err != nil {
		err = errors.Wrap(err, "failed to remove job from queue")
		return false, errors.WithDetail(err, fmt.Sprintf("Job ID: %d", jobID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// Len returns the number of queued job ids
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_queue`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count queued jobs")
	}
	return n, nil
}

// IDs returns the queued job ids in pull order
func (q *Queue) IDs(ctx context.Context) ([]int64, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT job_id FROM pulse_queue ORDER BY position`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queue")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan queued job id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
