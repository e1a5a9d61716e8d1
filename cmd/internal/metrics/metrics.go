// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsInTotal counts client envelopes accepted by the gateway.
	EventsInTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_in_total",
			Help: "Client envelopes accepted by the gateway, by event type.",
		},
		[]string{"type"},
	)

	// EventsOutTotal counts server envelopes handed to client send queues.
	EventsOutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_out_total",
			Help: "Server envelopes delivered to clients, by event type.",
		},
		[]string{"type"},
	)

	// DroppedDeliveriesTotal counts events lost to full client send buffers.
	DroppedDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_dropped_deliveries_total",
			Help: "Events dropped because a client send buffer was full.",
		},
	)

	// ConnectionsActive tracks currently registered WebSocket connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Currently registered WebSocket connections.",
		},
	)

	// OpSeconds measures chat operation latency end to end, storage included.
	OpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_chat_op_seconds",
			Help:    "Chat operation latency in seconds, by operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// ObserveOp records one operation latency sample.
func ObserveOp(op string, start time.Time) {
	OpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// RegisterOnlineUsersGauge exposes a live online-user count. Call once at
// startup; repeated registration panics like any duplicate collector.
func RegisterOnlineUsersGauge(count func() int) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "relay_online_users",
			Help: "Users with at least one active connection.",
		},
		func() float64 { return float64(count()) },
	))
}
