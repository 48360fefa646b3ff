// Package async holds the job model and its durable plumbing: the job
// store, the FIFO queue of ad-hoc jobs, the registry of job definitions and
// the error marks that separate job-level failures from unexpected ones.
package async

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// TerminalStatuses are the statuses a job never leaves
var TerminalStatuses = []JobStatus{JobStatusCancelled, JobStatusError, JobStatusCompleted}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusCreated, JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// ParseStatuses parses status names such as "completed,error".
// Unknown names are an invalid request.
func ParseStatuses(names ...string) ([]JobStatus, error) {
	var statuses []JobStatus
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if !IsValidStatus(part) {
				return nil, errors.NewInvalidRequestError("unknown job status %q", part)
			}
			statuses = append(statuses, JobStatus(part))
		}
	}
	return statuses, nil
}

// Job is one execution of a registered job definition.
//
// Timestamps are set as the job moves through its lifecycle and are
// ordered CreatedAt <= QueuedAt <= StartedAt <= CompletedAt. Output is only
// present on completed jobs and Error only on failed ones.
type Job struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name"`
	Status JobStatus       `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	// RunCounter counts the unexpected failures this job was handed back for
	RunCounter int `json:"run_counter,omitempty"`

	SchedulerKey int64  `json:"scheduler_key,omitempty"` // 0 for ad-hoc jobs
	ClaimedBy    string `json:"claimed_by,omitempty"`    // worker that pulled the job

	CreatedAt   time.Time  `json:"created_at"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a job record in the created state
func NewJob(name string, input json.RawMessage, now time.Time) (*Job, error) {
	if name == "" {
		return nil, errors.NewInvalidRequestError("job name cannot be empty")
	}
	if len(input) > 0 && !json.Valid(input) {
		return nil, errors.NewInvalidRequestError("input of job %q is not valid JSON", name)
	}
	return &Job{
		Name:      name,
		Status:    JobStatusCreated,
		Input:     input,
		CreatedAt: now.UTC(),
	}, nil
}

// Scheduled reports whether the job was produced by a scheduler item
func (j *Job) Scheduled() bool {
	return j.SchedulerKey != 0
}

// Enqueue marks the job as waiting in the queue
func (j *Job) Enqueue(now time.Time) {
	now = j.notBefore(now, &j.CreatedAt)
	j.Status = JobStatusQueued
	j.QueuedAt = &now
}

// Start marks the job as running on worker
func (j *Job) Start(worker string, now time.Time) {
	now = j.notBefore(now, j.QueuedAt)
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.ClaimedBy = worker
}

// Complete marks the job as completed with output
func (j *Job) Complete(output json.RawMessage, now time.Time) {
	now = j.notBefore(now, j.StartedAt)
	j.Status = JobStatusCompleted
	j.Output = output
	j.Error = ""
	j.CompletedAt = &now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error, now time.Time) {
	now = j.notBefore(now, j.StartedAt)
	j.Status = JobStatusError
	j.Output = nil
	j.Error = err.Error()
	j.CompletedAt = &now
}

// Cancel marks the job as cancelled.
// Terminal jobs are left untouched and false is returned.
func (j *Job) Cancel(now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	if j.StartedAt != nil {
		now = j.notBefore(now, j.StartedAt)
	} else {
		now = j.notBefore(now, j.QueuedAt)
	}
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	return true
}

// Requeue hands a running job back to the queue after an unexpected failure
func (j *Job) Requeue(now time.Time) {
	j.RunCounter++
	j.StartedAt = nil
	j.ClaimedBy = ""
	j.Enqueue(now)
}

// Duration returns how long the job ran, or 0 if it has not finished
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// notBefore keeps timestamps monotonic when the wall clock steps backwards
func (j *Job) notBefore(now time.Time, prev *time.Time) time.Time {
	now = now.UTC()
	if prev != nil && now.Before(*prev) {
		return *prev
	}
	return now
}
