package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/voxgate/internal/model"
)

var (
	pendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxgate_registry_pending_tasks",
			Help: "Number of tasks currently awaiting an engine resolution.",
		},
	)

	registerRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxgate_registry_rejected_total",
			Help: "Total number of registrations rejected because the pending bound was reached.",
		},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_registry_tasks_finished_total",
			Help: "Total number of tasks that left the pending state, by terminal status.",
		},
		[]string{"status"},
	)

	duplicateResolutions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxgate_registry_duplicate_resolutions_total",
			Help: "Total number of resolutions ignored because the task was already terminal.",
		},
	)

	tasksEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_registry_tasks_evicted_total",
			Help: "Total number of tasks removed from the registry, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(pendingTasks)
	prometheus.MustRegister(registerRejected)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(duplicateResolutions)
	prometheus.MustRegister(tasksEvicted)

	for _, st := range []string{model.StatusCompleted, model.StatusFailed, model.StatusTimedOut} {
		tasksFinished.WithLabelValues(st)
	}
	tasksEvicted.WithLabelValues("swept")
	tasksEvicted.WithLabelValues("observed")
}
