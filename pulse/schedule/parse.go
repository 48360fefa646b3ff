package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/cadence/errors"
)

// Standard five-field crontab plus descriptors (@hourly, @daily, @every 5m)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// robfig/cron marks fields written as * or ? with the top bit
const starBit = 1 << 63

// ParseTrigger parses a crontab expression into a *CronTrigger, or an
// "@every <duration>" descriptor into a *DelayTrigger.
func ParseTrigger(expr string) (Trigger, error) {
	expr = strings.TrimSpace(expr)
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "invalid schedule %q: %v", expr, err)
	}

	switch s := sched.(type) {
	case *cron.SpecSchedule:
		// crontab fields always run at minute resolution, so a wildcard
		// minute is every minute rather than "any second"
		minutes := bitsToSet(s.Minute, 0, 59)
		if minutes == nil {
			minutes = valueRange(0, 59)
		}
		trigger := &CronTrigger{
			Minutes:     minutes,
			Hours:       bitsToSet(s.Hour, 0, 23),
			DaysOfMonth: bitsToSet(s.Dom, 1, 31),
			Months:      bitsToSet(s.Month, 1, 12),
			DaysOfWeek:  bitsToSet(s.Dow, 0, 6),
			Expr:        expr,
		}
		return trigger, trigger.Validate()
	case cron.ConstantDelaySchedule:
		return &DelayTrigger{DelaySeconds: int64(s.Delay / time.Second)}, nil
	}
	return nil, errors.NewInvalidRequestError("unsupported schedule %q", expr)
}

// ParseCron parses a crontab expression. Interval descriptors are rejected.
func ParseCron(expr string) (*CronTrigger, error) {
	trigger, err := ParseTrigger(expr)
	if err != nil {
		return nil, err
	}
	c, ok := trigger.(*CronTrigger)
	if !ok {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("%q is an interval, not a calendar schedule", expr),
			"add it as a delay item instead")
	}
	return c, nil
}

// bitsToSet converts a robfig field bitmask into a value list.
// A wildcard or a mask covering the full range becomes the empty "any" set.
func bitsToSet(bits uint64, min, max int) []int {
	if bits&starBit != 0 {
		return nil
	}
	var set []int
	for v := min; v <= max; v++ {
		if bits&(1<<uint(v)) != 0 {
			set = append(set, v)
		}
	}
	if len(set) == max-min+1 {
		return nil
	}
	return set
}

func valueRange(min, max int) []int {
	values := make([]int, 0, max-min+1)
	for v := min; v <= max; v++ {
		values = append(values, v)
	}
	return values
}
