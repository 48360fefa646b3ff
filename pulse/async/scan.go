package async

import (
	"database/sql"
	"encoding/json"
	"time"
)

// JobScanArgs holds the nullable columns of a job row while it is scanned
type JobScanArgs struct {
	Input        sql.NullString
	Output       sql.NullString
	ErrorMsg     sql.NullString
	SchedulerKey sql.NullInt64
	ClaimedBy    sql.NullString
	QueuedAt     sql.NullTime
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
}

// GetJobScanTargets returns the scan destinations for the job and scan args,
// in the order of StandardJobSelectColumns
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Name,
		&job.Status,
		&args.Input,
		&args.Output,
		&args.ErrorMsg,
		&job.RunCounter,
		&args.SchedulerKey,
		&args.ClaimedBy,
		&job.CreatedAt,
		&args.QueuedAt,
		&args.StartedAt,
		&args.CompletedAt,
	}
}

// ProcessJobScanArgs copies the scanned nullable columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Input.Valid {
		job.Input = json.RawMessage(args.Input.String)
	}
	if args.Output.Valid {
		job.Output = json.RawMessage(args.Output.String)
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.SchedulerKey.Valid {
		job.SchedulerKey = args.SchedulerKey.Int64
	}
	if args.ClaimedBy.Valid {
		job.ClaimedBy = args.ClaimedBy.String
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.QueuedAt = nullTime(args.QueuedAt)
	job.StartedAt = nullTime(args.StartedAt)
	job.CompletedAt = nullTime(args.CompletedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ScanJob scans a single job from a *sql.Row or *sql.Rows
func ScanJob(row rowScanner, job *Job) error {
	var args JobScanArgs
	if err := row.Scan(GetJobScanTargets(job, &args)...); err != nil {
		return err
	}
	ProcessJobScanArgs(job, &args)
	return nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, name, status, input, output, error, run_counter,
		scheduler_key, claimed_by,
		created_at, queued_at, started_at, completed_at`
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
