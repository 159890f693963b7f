package store

import "github.com/prometheus/client_golang/prometheus"

const (
	writeOK      = "ok"
	writeFailed  = "failed"
	writeDropped = "dropped"
)

var (
	historyWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_history_writes_total",
			Help: "Total number of task snapshots handled by the history recorder, by result.",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxgate_history_queue_depth",
			Help: "Task snapshots waiting to be written to history.",
		},
	)
)

func init() {
	prometheus.MustRegister(historyWrites)
	prometheus.MustRegister(queueDepth)

	for _, r := range []string{writeOK, writeFailed, writeDropped} {
		historyWrites.WithLabelValues(r)
	}
}
