package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	deliveries *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking event sink deliveries.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "deliveries_total",
				Help:      "Count of event deliveries segmented by sink and outcome.",
			}, []string{"sink", "outcome"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of events discarded because a sink queue was full or expired.",
			}, []string{"sink", "reason"}),
		}
		prometheus.MustRegister(eventRegistry.deliveries, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordDelivery increments the delivery counter for sink.
func (m *eventMetrics) RecordDelivery(sink string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(labelSink(sink), outcome).Inc()
}

// RecordDrop counts an event that never reached sink.
func (m *eventMetrics) RecordDrop(sink, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.dropped.WithLabelValues(labelSink(sink), reason).Inc()
}

func labelSink(sink string) string {
	normalized := strings.TrimSpace(strings.ToLower(sink))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
