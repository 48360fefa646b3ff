// Package am holds cadence's configuration: the database location and the
// tuning knobs of the pulse processor and its workers.
//
// Values are merged from built-in defaults, /etc/cadence/config.toml,
// ~/.cadence/am.toml, the nearest project am.toml and CADENCE_* environment
// variables, in that order of precedence.
package am

import (
	"fmt"
	"time"
)

// Config represents the core cadence configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path               string `mapstructure:"path"`
	BusyTimeoutMs      int    `mapstructure:"busy_timeout_ms"`      // SQLite busy handler wait (default: 5000)
	MaxOpenConnections int    `mapstructure:"max_open_connections"` // 0 = database/sql default
}

// PulseConfig configures job processing
type PulseConfig struct {
	// Number of concurrent workers started by `pulse start` (default: 1)
	Workers int `mapstructure:"workers"`

	// Worker sleep when neither the scheduler nor the queue has work (default: 1000)
	IdleIntervalMs int `mapstructure:"idle_interval_ms"`

	// How often a running job re-reads its status to notice cancellation (default: 500)
	CancelPollIntervalMs int `mapstructure:"cancel_poll_interval_ms"`

	// Unexpected failures a worker propagates before capturing the error on the job (default: 3)
	MaxRunCounter int `mapstructure:"max_run_counter"`

	// Dispatch ceiling per worker, 0 = unlimited
	MaxJobsPerSecond float64 `mapstructure:"max_jobs_per_second"`

	// Requeue jobs left running by a previous process on startup (default: true)
	RecoverOrphans bool `mapstructure:"recover_orphans"`

	// Grace period for in-flight jobs on shutdown (default: 30)
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"`

	// Prometheus listen address for `pulse start`, empty = disabled
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// JobsConfig configures the built-in jobs
type JobsConfig struct {
	// Whole-request timeout of the http job (default: 60)
	HTTPTimeoutSeconds int `mapstructure:"http_timeout_seconds"`

	// Let the http job reach loopback and private addresses (default: false)
	HTTPAllowPrivate bool `mapstructure:"http_allow_private"`
}

// HTTPTimeout returns the http job timeout as a duration
func (j JobsConfig) HTTPTimeout() time.Duration {
	return time.Duration(j.HTTPTimeoutSeconds) * time.Second
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

// IdleInterval returns the worker idle sleep as a duration
func (p PulseConfig) IdleInterval() time.Duration {
	return time.Duration(p.IdleIntervalMs) * time.Millisecond
}

// CancelPollInterval returns the cancellation poll period as a duration
func (p PulseConfig) CancelPollInterval() time.Duration {
	return time.Duration(p.CancelPollIntervalMs) * time.Millisecond
}

// StopTimeout returns the shutdown grace period as a duration
func (p PulseConfig) StopTimeout() time.Duration {
	return time.Duration(p.StopTimeoutSeconds) * time.Second
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Pulse: {Workers: %d, IdleIntervalMs: %d}}",
		c.Database.Path, c.Pulse.Workers, c.Pulse.IdleIntervalMs)
}
