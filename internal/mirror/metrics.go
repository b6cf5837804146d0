package mirror

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the gauges the worker exposes. dropped-messages is the
// invariant spec.md requires; in-flight and last-commit-timestamp are
// free extras since the barrier already tracks that state.
type Metrics struct {
	DroppedMessages   prometheus.Gauge
	InFlightMessages  prometheus.Gauge
	LastCommitSeconds prometheus.Gauge
}

// NewMetrics registers the worker's gauges against reg, tagged with the
// consumer client-id as spec.md §6 requires for dropped-messages.
func NewMetrics(reg prometheus.Registerer, clientID string) *Metrics {
	m := &Metrics{
		DroppedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "xmirror",
			Name:        "dropped_messages",
			Help:        "Records whose send terminated in failure and are not durably mirrored.",
			ConstLabels: prometheus.Labels{"client_id": clientID},
		}),
		InFlightMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "xmirror",
			Name:        "inflight_messages",
			Help:        "Records submitted to the producer without a terminal completion yet.",
			ConstLabels: prometheus.Labels{"client_id": clientID},
		}),
		LastCommitSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "xmirror",
			Name:        "last_commit_timestamp_seconds",
			Help:        "Unix timestamp of the most recent successful offset commit.",
			ConstLabels: prometheus.Labels{"client_id": clientID},
		}),
	}
	reg.MustRegister(m.DroppedMessages, m.InFlightMessages, m.LastCommitSeconds)
	return m
}
