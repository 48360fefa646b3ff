// Package schedule decides when recurring jobs fire.
//
// A scheduler Item binds a job name and input to a Trigger. Triggers
// cache their next fire time and report the previous one once it has
// elapsed, so a fire that falls between two polls is reported by the
// later poll instead of being skipped. Due items move into a durable
// pending set, deduplicated by job name, from which the processor pulls.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
)

// Kind identifies the trigger implementation stored with an item
type Kind string

const (
	KindCron  Kind = "cron"
	KindDelay Kind = "delay"
)

// Trigger computes fire times for an Item.
// Implementations are *CronTrigger and *DelayTrigger.
type Trigger interface {
	Kind() Kind
	Validate() error
	String() string

	// next returns the value to report for now and the value to cache.
	next(cached int64, active bool, now time.Time) (reported, cache int64)
}

// Item is a registered schedule for one job name
type Item struct {
	Key     int64
	JobName string
	Input   json.RawMessage
	Active  bool

	// NextCallTime is the cached prediction in epoch seconds, 0 before the
	// first evaluation.
	NextCallTime int64

	Trigger   Trigger
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewItem creates an active item for jobName.
// input may be nil.
func NewItem(jobName string, input json.RawMessage, trigger Trigger) *Item {
	return &Item{
		JobName: jobName,
		Input:   input,
		Active:  true,
		Trigger: trigger,
	}
}

// GetNextCallTime evaluates the trigger at now, updates the cached
// prediction and returns the fire time to report. See IsDue.
func (it *Item) GetNextCallTime(now time.Time) int64 {
	reported, cache := it.Trigger.next(it.NextCallTime, it.Active, now)
	it.NextCallTime = cache
	return reported
}

// Invalidate resets the cached prediction so the next evaluation recomputes it
func (it *Item) Invalidate() {
	it.NextCallTime = 0
}

// Validate checks the item before it is stored
func (it *Item) Validate() error {
	if it.JobName == "" {
		return errors.NewInvalidRequestError("scheduler item needs a job name")
	}
	if it.Trigger == nil {
		return errors.NewInvalidRequestError("scheduler item %q has no trigger", it.JobName)
	}
	if len(it.Input) > 0 && !json.Valid(it.Input) {
		return errors.NewInvalidRequestError("scheduler item %q input is not valid JSON", it.JobName)
	}
	return it.Trigger.Validate()
}

// IsDue reports whether a value returned by GetNextCallTime is a fire at now.
// 0 is the "never fired" sentinel and is never due.
func IsDue(reported int64, now time.Time) bool {
	return reported > 0 && reported <= now.Unix()
}

// NextCallTimeAt returns the cached prediction as a time, or the zero time
func (it *Item) NextCallTimeAt() time.Time {
	if it.NextCallTime == 0 {
		return time.Time{}
	}
	return time.Unix(it.NextCallTime, 0).UTC()
}
