package schedule

import (
	"fmt"
	"time"

	"github.com/teranos/cadence/errors"
)

// DelayTrigger fires every DelaySeconds, measured from the poll that
// observed the previous fire. The first evaluation of a fresh item fires
// immediately.
type DelayTrigger struct {
	DelaySeconds int64
}

// NewDelayTrigger builds a delay trigger from a duration, rounded down to seconds
func NewDelayTrigger(d time.Duration) *DelayTrigger {
	return &DelayTrigger{DelaySeconds: int64(d / time.Second)}
}

// Kind implements Trigger
func (d *DelayTrigger) Kind() Kind { return KindDelay }

// Validate rejects negative delays. A zero delay is stored but never fires.
func (d *DelayTrigger) Validate() error {
	if d.DelaySeconds < 0 {
		return errors.NewInvalidRequestError("delay must be >= 0 seconds, got %d", d.DelaySeconds)
	}
	return nil
}

func (d *DelayTrigger) String() string {
	return fmt.Sprintf("@every %s", time.Duration(d.DelaySeconds)*time.Second)
}

func (d *DelayTrigger) next(cached int64, active bool, now time.Time) (int64, int64) {
	if !active || d.DelaySeconds <= 0 {
		return cached, cached
	}

	n := now.Unix()
	if cached > n {
		return cached, cached
	}

	previous := cached
	cache := n + d.DelaySeconds
	if previous == 0 {
		// never fired: fire at activation
		return n, cache
	}
	return previous, cache
}
