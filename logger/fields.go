package logger

import (
	"context"
	"strconv"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldJobID        = "job_id"
	FieldJobName      = "job_name"
	FieldWorkerID     = "worker_id"
	FieldSchedulerKey = "scheduler_key"

	// Components
	FieldComponent = "component"
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldCallTime   = "call_time"

	// Errors
	FieldError      = "error"
	FieldRunCounter = "run_counter"

	// Counts and state
	FieldCount  = "count"
	FieldStatus = "status"

	// Files and network
	FieldFile    = "file"
	FieldAddress = "address"

	FieldSymbol = "symbol" // subsystem glyph (꩜, ✿, ❀, ⊔)
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	workerIDKey  contextKey = "logger_worker_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, strconv.FormatInt(jobID, 10))
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns the global logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	return FromContext(ctx, Logger)
}

// FromContext decorates base with the fields carried by ctx.
// Job executors receive their logger this way.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	p := pulse.NewProcessor(database, cfg, logger.ComponentLogger("pulse"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
