package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "group_messaging"

var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by path and outcome.",
		},
		[]string{"path", "outcome"}, // path: consumer, sweep
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Duration of a send through the connection, retries included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	TransientRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transient_retries_total",
		Help:      "Reconnect-and-retry cycles after a transient send failure.",
	})

	Requeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_requeued_total",
			Help:      "Jobs pushed back onto the queue.",
		},
		[]string{"reason"}, // not_ready, reprocess_periodic, reprocess_startup, reprocess_on_demand
	)

	Promoted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_promoted_total",
		Help:      "Scheduled records promoted to pending.",
	})

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		},
		[]string{"state"},
	)

	InboundMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_messages_total",
		Help:      "Inbound group messages received.",
	})

	InboundDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "inbound_dropped_total",
		Help:      "Inbound group messages dropped because handlers fell behind.",
	})
)

// SetConnectionState flips the state gauge to the given state.
func SetConnectionState(state string) {
	for _, s := range []string{"connecting", "open", "closed"} {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
