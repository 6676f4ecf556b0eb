package stream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the stream's counters. A Metrics value always exists on a
// Stream; registering it with Prometheus is opt-in via WithMetrics.
type Metrics struct {
	MessagesReceived        prometheus.Counter
	RepliesCompleted        prometheus.Counter
	NotificationsDispatched prometheus.Counter
	FailuresBroadcast       prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgstream",
			Name:      "messages_received_total",
			Help:      "Backend messages decoded from the connection.",
		}),
		RepliesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgstream",
			Name:      "replies_completed_total",
			Help:      "Pending replies completed by a terminal message.",
		}),
		NotificationsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgstream",
			Name:      "notifications_dispatched_total",
			Help:      "Push notifications fanned out to subscribers.",
		}),
		FailuresBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgstream",
			Name:      "failures_broadcast_total",
			Help:      "Channel errors delivered to pending callers on transport failure.",
		}),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.MessagesReceived,
		m.RepliesCompleted,
		m.NotificationsDispatched,
		m.FailuresBroadcast,
	)
}
