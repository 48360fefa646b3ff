package async

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
)

// JobExecutor runs one job.
//
// Execute returns the job's output, which is stored as JSON, or an error.
// Errors marked with JobFailure end the job in the error state; any other
// error is unexpected and goes through the worker's run counter first.
//
// Cancellation is cooperative: executors that run for a while should
// check ctx (or Cancelled(ctx)) between units of work.
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) (any, error)
}

// Definition builds a fresh executor for every execution of a named job,
// so no execution state carries over between runs.
type Definition interface {
	NewInstance(input json.RawMessage) (JobExecutor, error)
}

// ExecutorFunc adapts a function to JobExecutor
type ExecutorFunc func(ctx context.Context, job *Job) (any, error)

// Execute implements JobExecutor
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// DefinitionFunc adapts a function to Definition
type DefinitionFunc func(input json.RawMessage) (JobExecutor, error)

// NewInstance implements Definition
func (f DefinitionFunc) NewInstance(input json.RawMessage) (JobExecutor, error) {
	return f(input)
}

// Stateless returns a Definition whose instances all run fn.
// Use it for jobs that keep no state between calls.
func Stateless(fn ExecutorFunc) Definition {
	return DefinitionFunc(func(json.RawMessage) (JobExecutor, error) {
		return fn, nil
	})
}

// Registry maps job names to definitions.
// Safe for concurrent registration and lookup.
type Registry struct {
	definitions map[string]Definition
	mu          sync.RWMutex
	logger      *zap.SugaredLogger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Registry{
		definitions: make(map[string]Definition),
		logger:      logger,
	}
}

// AddJob registers def under name. An existing definition is replaced so
// job logic can be redefined while the processor runs.
func (r *Registry) AddJob(name string, def Definition) error {
	if name == "" {
		return errors.NewInvalidRequestError("job name cannot be empty")
	}
	if def == nil {
		return errors.NewInvalidRequestError("job %q has no definition", name)
	}

	r.mu.Lock()
	_, replaced := r.definitions[name]
	r.definitions[name] = def
	r.mu.Unlock()

	if replaced {
		r.logger.Infow("Job definition replaced", "job_name", name)
	} else {
		r.logger.Debugw("Job definition registered", "job_name", name)
	}
	return nil
}

// Get retrieves the definition for name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// Has checks if a definition is registered for name
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Check returns ErrUnknownJob when name is not registered
func (r *Registry) Check(name string) error {
	if !r.Has(name) {
		return errors.WithHint(
			errors.Wrapf(errors.ErrUnknownJob, "job %q", name),
			"register the job with AddJob before submitting or scheduling it")
	}
	return nil
}

// Names returns all registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewInstance builds an executor for a job of the given name
func (r *Registry) NewInstance(name string, input json.RawMessage) (JobExecutor, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, r.Check(name)
	}
	exec, err := def.NewInstance(input)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to instantiate job %q", name)
	}
	if exec == nil {
		return nil, errors.AssertionFailedf("definition of job %q returned no executor", name)
	}
	return exec, nil
}
