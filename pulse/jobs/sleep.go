package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/async"
)

// sleepInput is {"seconds": 1.5}
type sleepInput struct {
	Seconds float64 `json:"seconds"`
}

type sleepJob struct {
	duration time.Duration
}

func newSleep(input json.RawMessage) (async.JobExecutor, error) {
	var in sleepInput
	if err := decode(Sleep, input, &in); err != nil {
		return nil, err
	}
	if in.Seconds < 0 {
		return nil, errors.Newf("sleep seconds must be >= 0, got %g", in.Seconds)
	}
	return &sleepJob{duration: time.Duration(in.Seconds * float64(time.Second))}, nil
}

// Execute waits for the configured duration or until the job is cancelled
func (s *sleepJob) Execute(ctx context.Context, _ *async.Job) (any, error) {
	started := time.Now()
	timer := time.NewTimer(s.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]float64{"slept_seconds": time.Since(started).Seconds()}, nil
}
