package scheduler

import "github.com/prometheus/client_golang/prometheus"

const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_scheduler_job_runs_total",
			Help: "Total number of completed scheduler job runs, by job and result.",
		},
		[]string{"job", "result"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxgate_scheduler_job_duration_seconds",
			Help:    "Duration of scheduler job runs.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobRuns)
	prometheus.MustRegister(jobDuration)
}
