// Package jobs provides the built-in job definitions of the cadence binary.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/httpclient"
	"github.com/teranos/cadence/pulse/async"
)

// Names of the built-in jobs
const (
	Echo  = "echo"
	Sleep = "sleep"
	Shell = "shell"
	HTTP  = "http"
)

type options struct {
	client *httpclient.Client
}

// Option configures the built-in jobs
type Option func(*options)

// WithHTTPClient sets the client used by the http job.
// The default refuses private destinations and times out after a minute.
func WithHTTPClient(c *httpclient.Client) Option {
	return func(o *options) { o.client = c }
}

// Register adds every built-in job to r
func Register(r *async.Registry, opts ...Option) error {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = httpclient.New(httpclient.Options{Timeout: time.Minute})
	}

	definitions := map[string]async.Definition{
		Echo:  async.Stateless(echo),
		Sleep: async.DefinitionFunc(newSleep),
		Shell: async.DefinitionFunc(newShell),
		HTTP:  httpDefinition(o.client),
	}
	for _, name := range []string{Echo, Sleep, Shell, HTTP} {
		if err := r.AddJob(name, definitions[name]); err != nil {
			return errors.Wrapf(err, "failed to register built-in job %q", name)
		}
	}
	return nil
}

// echo returns its input unchanged
func echo(_ context.Context, job *async.Job) (any, error) {
	return job.Input, nil
}

// decode unmarshals a job input into v. Missing input decodes as {}.
func decode(name string, input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return errors.WithHintf(errors.Wrapf(err, "invalid %s input", name),
			"see `cadence job submit --help` for the input of built-in jobs")
	}
	return nil
}
