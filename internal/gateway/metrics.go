package gateway

import "github.com/prometheus/client_golang/prometheus"

const (
	lateDuplicate = "duplicate"
	lateUnknown   = "unknown"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_gateway_requests_total",
			Help: "Total number of gateway requests, by mode and outcome category.",
		},
		[]string{"mode", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voxgate_gateway_request_duration_seconds",
			Help:    "Time from request receipt to outcome for synchronous requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	lateReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_gateway_late_replies_total",
			Help: "Total number of engine completions discarded by the gateway, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(lateReplies)

	lateReplies.WithLabelValues(lateDuplicate)
	lateReplies.WithLabelValues(lateUnknown)
}
