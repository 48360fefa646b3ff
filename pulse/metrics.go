package pulse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the processor's prometheus collectors
type Metrics struct {
	JobsSubmittedTotal  *prometheus.CounterVec
	JobsFinishedTotal   *prometheus.CounterVec
	JobsHandedBackTotal *prometheus.CounterVec
	SchedulerFiresTotal *prometheus.CounterVec
	WorkerErrorsTotal   *prometheus.CounterVec
	OrphansRecovered    prometheus.Counter
	WorkersActive       prometheus.Gauge
	JobDurationSeconds  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests rely on to create
// several processors in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_jobs_submitted_total",
				Help: "Total number of ad-hoc jobs submitted",
			},
			[]string{"job"},
		),
		JobsFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_jobs_finished_total",
				Help: "Total number of jobs that reached a terminal status",
			},
			[]string{"job", "status"}, // completed, error, cancelled
		),
		JobsHandedBackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_jobs_handed_back_total",
				Help: "Total number of unexpected job failures propagated to a worker loop",
			},
			[]string{"job"},
		),
		SchedulerFiresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_scheduler_fires_total",
				Help: "Total number of scheduled jobs created from due scheduler items",
			},
			[]string{"job"},
		),
		WorkerErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_worker_errors_total",
				Help: "Total number of errors seen by worker loops",
			},
			[]string{"kind"}, // unexpected, transient, fatal
		),
		OrphansRecovered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_orphans_recovered_total",
				Help: "Total number of running jobs recovered after a crash",
			},
		),
		WorkersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_workers_active",
				Help: "Current number of workers executing a job",
			},
		),
		// 10ms to ~163s
		JobDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_job_duration_seconds",
				Help:    "Job execution duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"job"},
		),
	}
}
