package am

import (
	"github.com/spf13/viper"
)

// DefaultDatabasePath is used when database.path is not configured
const DefaultDatabasePath = "cadence.db"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.max_open_connections", 0)

	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.idle_interval_ms", 1000)
	v.SetDefault("pulse.cancel_poll_interval_ms", 500)
	v.SetDefault("pulse.max_run_counter", 3)
	v.SetDefault("pulse.max_jobs_per_second", 0.0)
	v.SetDefault("pulse.recover_orphans", true)
	v.SetDefault("pulse.stop_timeout_seconds", 30)
	v.SetDefault("pulse.metrics_addr", "")

	v.SetDefault("jobs.http_timeout_seconds", 60)
	v.SetDefault("jobs.http_allow_private", false)

	v.SetDefault("log.json", false)
}

// BindEnvVars explicitly binds the settings operators most often override
func BindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.path", "CADENCE_DATABASE_PATH")
	_ = v.BindEnv("pulse.workers", "CADENCE_PULSE_WORKERS")
	_ = v.BindEnv("pulse.metrics_addr", "CADENCE_PULSE_METRICS_ADDR")
}

// Default returns the built-in configuration without reading any file or
// environment variable
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	config, err := LoadWithViper(v)
	if err != nil {
		// defaults always unmarshal
		panic(err)
	}
	return config
}
