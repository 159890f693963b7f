package transport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/voxgate/internal/model"
)

const (
	dispatchSent        = "sent"
	dispatchFailed      = "failed"
	dispatchUnreachable = "unreachable"

	reconnectSuccess = "success"
	reconnectFailure = "failure"
)

var engineStates = []string{
	model.EngineConnected,
	model.EngineDisconnected,
	model.EngineReconnecting,
}

var (
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "voxgate_engine_link_state",
			Help: "Engine link state; 1 for the current state, 0 otherwise.",
		},
		[]string{"state"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_engine_dispatch_total",
			Help: "Total number of dispatch attempts, by result.",
		},
		[]string{"result"},
	)

	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_engine_messages_received_total",
			Help: "Total number of frames received from the engine, by message type.",
		},
		[]string{"type"},
	)

	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voxgate_engine_reconnect_attempts_total",
			Help: "Total number of reconnect attempts, by result.",
		},
		[]string{"result"},
	)

	linkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voxgate_engine_link_failures_total",
			Help: "Total number of times an established engine link was lost.",
		},
	)

	pingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voxgate_engine_ping_duration_seconds",
			Help:    "Round-trip time of engine health pings.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	mailboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voxgate_engine_completion_backlog",
			Help: "Completions received from the engine and not yet handed to the gateway.",
		},
	)
)

func init() {
	prometheus.MustRegister(engineState)
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(messagesReceived)
	prometheus.MustRegister(reconnectAttempts)
	prometheus.MustRegister(linkFailures)
	prometheus.MustRegister(pingDuration)
	prometheus.MustRegister(mailboxDepth)

	for _, r := range []string{dispatchSent, dispatchFailed, dispatchUnreachable} {
		dispatchTotal.WithLabelValues(r)
	}
	reconnectAttempts.WithLabelValues(reconnectSuccess)
	reconnectAttempts.WithLabelValues(reconnectFailure)
}
