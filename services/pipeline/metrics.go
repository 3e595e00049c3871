package pipeline

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports pipeline counters to Prometheus.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	archivedBytes *prometheus.CounterVec
	duration      prometheus.Histogram
}

// NewMetrics registers the pipeline collectors with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("registerer is required")
	}

	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtus",
			Subsystem: "pipeline",
			Name:      "outcomes_total",
			Help:      "Upload-finished events by terminal state and whether removing the originals failed.",
		}, []string{"state", "cleanup_failed"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtus",
			Name:      "notifications_total",
			Help:      "Backend notification attempts by result.",
		}, []string{"result"}),
		archivedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qtus",
			Name:      "archived_bytes_total",
			Help:      "Bytes copied into completed directories.",
		}, []string{"project"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "qtus",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "Time from event receipt to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}

	for _, c := range []prometheus.Collector{m.outcomes, m.notifications, m.archivedBytes, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(o.State), strconv.FormatBool(o.CleanupError != "")).Inc()
	m.duration.Observe(o.FinishedAt.Sub(o.StartedAt).Seconds())

	if o.Reached(StateArchived) {
		m.archivedBytes.WithLabelValues(o.Project).Add(float64(o.Size))
	}
	switch o.Notification {
	case StateNotified:
		m.notifications.WithLabelValues("success").Inc()
	case StateNotifyFailed:
		m.notifications.WithLabelValues("failure").Inc()
	}
}
