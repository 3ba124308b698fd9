package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	FanOutCreated = "created"
	FanOutFailed  = "failed"
)

var (
	// Live realtime connections that completed authentication.
	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskboard_realtime_connections",
			Help: "Number of authenticated realtime connections",
		},
	)

	RealtimeEventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskboard_realtime_events_sent_total",
			Help: "Realtime events queued to client connections",
		},
		[]string{"event"},
	)

	RealtimeAuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskboard_realtime_auth_failures_total",
			Help: "Realtime handshakes rejected during authentication",
		},
		[]string{"reason"}, // reason: missing, expired, invalid, timeout
	)

	FanOutNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskboard_fanout_notifications_total",
			Help: "Notifications written by project fan-out",
		},
		[]string{"result"},
	)
)

// SetRealtimeConnections records the current number of registered connections.
func SetRealtimeConnections(count int) {
	RealtimeConnections.Set(float64(count))
}

// IncrementRealtimeEvent counts an event queued for a connection.
func IncrementRealtimeEvent(event string) {
	RealtimeEventsSent.WithLabelValues(event).Inc()
}

// IncrementAuthFailure counts a rejected realtime handshake.
func IncrementAuthFailure(reason string) {
	RealtimeAuthFailures.WithLabelValues(reason).Inc()
}

// IncrementFanOut counts a fan-out recipient outcome.
func IncrementFanOut(result string) {
	FanOutNotifications.WithLabelValues(result).Inc()
}
