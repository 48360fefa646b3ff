package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// Store handles persistence of job records.
// It runs against a *sql.DB or a caller's *sql.Tx.
type Store struct {
	q db.Querier
}

// NewStore creates a job store on q
func NewStore(q db.Querier) *Store {
	return &Store{q: q}
}

// CreateJob inserts a new job and sets its ID
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO pulse_jobs (
			name, status, input, output, error, run_counter,
			scheduler_key, claimed_by,
			created_at, queued_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name,
		job.Status,
		nullJSON(job.Input),
		nullJSON(job.Output),
		nullString(job.Error),
		job.RunCounter,
		nullInt64(job.SchedulerKey),
		nullString(job.ClaimedBy),
		job.CreatedAt,
		job.QueuedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetail(err, fmt.Sprintf("Job name: %s", job.Name))
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read job id")
	}
	job.ID = id
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pulse_jobs WHERE id = ?`

	var job Job
	err := ScanJob(s.q.QueryRowContext(ctx, query, id), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %d", id)
	}
	return &job, nil
}

// GetStatus reads only the status of a job
func (s *Store) GetStatus(ctx context.Context, id int64) (JobStatus, error) {
	var status JobStatus
	err := s.q.QueryRowContext(ctx, `SELECT status FROM pulse_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.NewNotFoundError("job %d", id)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to get status of job %d", id)
	}
	return status, nil
}

// UpdateJob writes every mutable field of job
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pulse_jobs
		SET status = ?,
		    output = ?,
		    error = ?,
		    run_counter = ?,
		    claimed_by = ?,
		    queued_at = ?,
		    started_at = ?,
		    completed_at = ?
		WHERE id = ?`,
		job.Status,
		nullJSON(job.Output),
		nullString(job.Error),
		job.RunCounter,
		nullString(job.ClaimedBy),
		job.QueuedAt,
		job.StartedAt,
		job.CompletedAt,
		job.ID,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
		return errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("job %d", job.ID)
	}
	return nil
}

// FinishJob writes the outcome of a running job.
// It returns false without writing when the job is no longer running,
// which happens when it was cancelled during execution.
func (s *Store) FinishJob(ctx context.Context, job *Job) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE pulse_jobs
		SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		job.Status,
		nullJSON(job.Output),
		nullString(job.Error),
		job.CompletedAt,
		job.ID,
		JobStatusRunning,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to finish job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", job.ID))
		return false, errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n > 0, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
// A limit <= 0 returns every match.
func (s *Store) ListJobs(ctx context.Context, statuses []JobStatus, limit int) ([]*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM pulse_jobs`
	var args []interface{}
	if len(statuses) > 0 {
		clause, statusArgs := statusIn(statuses)
		query += ` WHERE ` + clause
		args = append(args, statusArgs...)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// ListRunning returns every running job oldest first
func (s *Store) ListRunning(ctx context.Context) ([]*Job, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+StandardJobSelectColumns()+`
		FROM pulse_jobs
		WHERE status = ?
		ORDER BY id ASC`, JobStatusRunning)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	defer rows.Close()

	return scanJobs(rows, "running jobs")
}

// scanJobs scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJob(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", context)
	}

	return jobs, nil
}

// CountByStatus returns the number of jobs in each status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM pulse_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	counts := make(map[JobStatus]int)
	for rows.Next() {
		var (
			status JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job counts")
	}
	return counts, nil
}

// DeleteJob removes a job
func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM pulse_jobs WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete job %d", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %d", id)
	}
	return nil
}

// DeleteByStatus removes every job in one of statuses and returns how many
func (s *Store) DeleteByStatus(ctx context.Context, statuses []JobStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	clause, args := statusIn(statuses)
	result, err := s.q.ExecContext(ctx, `DELETE FROM pulse_jobs WHERE `+clause, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete jobs")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

func statusIn(statuses []JobStatus) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = status
	}
	return `status IN (` + strings.Join(placeholders, ", ") + `)`, args
}
