package schedule

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/util"
)

// Lookahead bounds the search for the next cron match
const Lookahead = 365 * 24 * time.Hour

// CronTrigger fires on calendar boundaries. Each field lists the allowed
// values; an empty field allows any value. All fields must match, including
// day-of-month and day-of-week together. Times are evaluated in UTC.
type CronTrigger struct {
	Minutes     []int // 0-59
	Hours       []int // 0-23
	DaysOfMonth []int // 1-31
	Months      []int // 1-12
	DaysOfWeek  []int // 0-6, 0 = Sunday

	// Expr is the expression the trigger was parsed from, kept for display
	Expr string
}

type granularity int

const (
	bySecond granularity = iota
	byMinute
	byHour
	byDay
	byMonth
)

var cronFields = []struct {
	name     string
	min, max int
	get      func(*CronTrigger) []int
}{
	{"minute", 0, 59, func(c *CronTrigger) []int { return c.Minutes }},
	{"hour", 0, 23, func(c *CronTrigger) []int { return c.Hours }},
	{"day of month", 1, 31, func(c *CronTrigger) []int { return c.DaysOfMonth }},
	{"month", 1, 12, func(c *CronTrigger) []int { return c.Months }},
	{"day of week", 0, 6, func(c *CronTrigger) []int { return c.DaysOfWeek }},
}

// NewCronTrigger builds a trigger from explicit field sets.
// Values are sorted and deduplicated.
func NewCronTrigger(minutes, hours, daysOfMonth, months, daysOfWeek []int) *CronTrigger {
	return &CronTrigger{
		Minutes:     util.SortedUnique(minutes),
		Hours:       util.SortedUnique(hours),
		DaysOfMonth: util.SortedUnique(daysOfMonth),
		Months:      util.SortedUnique(months),
		DaysOfWeek:  util.SortedUnique(daysOfWeek),
	}
}

// Kind implements Trigger
func (c *CronTrigger) Kind() Kind { return KindCron }

// Validate checks every field value is within its range
func (c *CronTrigger) Validate() error {
	for _, f := range cronFields {
		for _, v := range f.get(c) {
			if v < f.min || v > f.max {
				return errors.NewInvalidRequestError("cron %s %d out of range %d-%d", f.name, v, f.min, f.max)
			}
		}
	}
	return nil
}

func (c *CronTrigger) String() string {
	if c.Expr != "" {
		return c.Expr
	}
	parts := make([]string, 0, len(cronFields))
	for _, f := range cronFields {
		values := f.get(c)
		if len(values) == 0 {
			parts = append(parts, "*")
			continue
		}
		s := make([]string, len(values))
		for i, v := range values {
			s[i] = fmt.Sprint(v)
		}
		parts = append(parts, strings.Join(s, ","))
	}
	return strings.Join(parts, " ")
}

func (c *CronTrigger) next(cached int64, _ bool, now time.Time) (int64, int64) {
	if cached > now.Unix() {
		return cached, cached
	}

	previous := cached
	cache, _ := c.nextAfter(now)

	// A cached value that does not match the fields is the probe left behind
	// by a search that found nothing; it is not a fire time.
	if previous != 0 && !c.matches(time.Unix(previous, 0).UTC()) {
		previous = 0
	}
	return previous, cache
}

// nextAfter finds the first matching boundary strictly after now.
// When none exists within Lookahead it returns the last probe and false.
func (c *CronTrigger) nextAfter(now time.Time) (int64, bool) {
	now = now.UTC()
	g := c.granularity()
	limit := now.Add(Lookahead)

	t := truncate(now, g)
	for !t.After(limit) {
		switch {
		case !t.After(now):
			t = step(t, g)
		case !contains(c.Months, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !contains(c.DaysOfMonth, t.Day()) || !contains(c.DaysOfWeek, int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
		case !contains(c.Hours, t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		case !contains(c.Minutes, t.Minute()):
			t = t.Truncate(time.Minute).Add(time.Minute)
		default:
			return t.Unix(), true
		}
	}
	return t.Unix(), false
}

// granularity is the finest unit any specified field constrains
func (c *CronTrigger) granularity() granularity {
	switch {
	case len(c.Minutes) > 0:
		return byMinute
	case len(c.Hours) > 0:
		return byHour
	case len(c.DaysOfMonth) > 0 || len(c.DaysOfWeek) > 0:
		return byDay
	case len(c.Months) > 0:
		return byMonth
	}
	return bySecond
}

func (c *CronTrigger) matches(t time.Time) bool {
	return contains(c.Months, int(t.Month())) &&
		contains(c.DaysOfMonth, t.Day()) &&
		contains(c.DaysOfWeek, int(t.Weekday())) &&
		contains(c.Hours, t.Hour()) &&
		contains(c.Minutes, t.Minute())
}

func truncate(t time.Time, g granularity) time.Time {
	switch g {
	case byMinute:
		return t.Truncate(time.Minute)
	case byHour:
		return t.Truncate(time.Hour)
	case byDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case byMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Second)
}

func step(t time.Time, g granularity) time.Time {
	switch g {
	case byMinute:
		return t.Add(time.Minute)
	case byHour:
		return t.Add(time.Hour)
	case byDay:
		return t.AddDate(0, 0, 1)
	case byMonth:
		return t.AddDate(0, 1, 0)
	}
	return t.Add(time.Second)
}

// contains treats an empty set as "any"
func contains(set []int, v int) bool {
	if len(set) == 0 {
		return true
	}
	_, found := slices.BinarySearch(set, v)
	return found
}
