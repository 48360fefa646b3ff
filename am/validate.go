package am

import "github.com/teranos/cadence/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.BusyTimeoutMs < 0 {
		return errors.Newf("database.busy_timeout_ms must be >= 0, got %d", c.Database.BusyTimeoutMs)
	}
	if c.Database.MaxOpenConnections < 0 {
		return errors.Newf("database.max_open_connections must be >= 0, got %d", c.Database.MaxOpenConnections)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.IdleIntervalMs <= 0 {
		return errors.Newf("pulse.idle_interval_ms must be > 0, got %d", c.Pulse.IdleIntervalMs)
	}
	if c.Pulse.CancelPollIntervalMs <= 0 {
		return errors.Newf("pulse.cancel_poll_interval_ms must be > 0, got %d", c.Pulse.CancelPollIntervalMs)
	}
	// 0 means unexpected errors are captured on the first occurrence
	if c.Pulse.MaxRunCounter < 0 {
		return errors.Newf("pulse.max_run_counter must be >= 0, got %d", c.Pulse.MaxRunCounter)
	}
	if c.Pulse.MaxJobsPerSecond < 0 {
		return errors.Newf("pulse.max_jobs_per_second must be >= 0, got %f", c.Pulse.MaxJobsPerSecond)
	}
	if c.Pulse.StopTimeoutSeconds < 0 {
		return errors.Newf("pulse.stop_timeout_seconds must be >= 0, got %d", c.Pulse.StopTimeoutSeconds)
	}
	if c.Jobs.HTTPTimeoutSeconds < 0 {
		return errors.Newf("jobs.http_timeout_seconds must be >= 0, got %d", c.Jobs.HTTPTimeoutSeconds)
	}

	return nil
}
