package observability

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"p2pescrow/native/escrow"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	providerMetricsOnce sync.Once
	providerRegistry    *ProviderMetrics

	escrowdMetricsOnce sync.Once
	escrowdRegistry    *EscrowdMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record API
// route activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and route.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// ProviderMetrics captures chain provider calls made by the coin adapters.
type ProviderMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// Providers returns the singleton registry for chain provider calls.
func Providers() *ProviderMetrics {
	providerMetricsOnce.Do(func() {
		providerRegistry = &ProviderMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Count of adapter operations segmented by coin, operation, and outcome.",
			}, []string{"coin", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "provider",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for adapter operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"coin", "operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "provider",
				Name:      "errors_total",
				Help:      "Count of adapter failures segmented by coin, operation, and reason.",
			}, []string{"coin", "operation", "reason"}),
		}
		prometheus.MustRegister(
			providerRegistry.requests,
			providerRegistry.latency,
			providerRegistry.errors,
		)
	})
	return providerRegistry
}

// Observe records the execution metrics for one adapter operation.
func (m *ProviderMetrics) Observe(coin, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	c := labelCoin(coin)
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(c, op, ErrorReason(err)).Inc()
	}
	m.requests.WithLabelValues(c, op, outcome).Inc()
	m.latency.WithLabelValues(c, op).Observe(duration.Seconds())
}

// EscrowdMetrics wraps collectors tracking escrow lifecycle health.
type EscrowdMetrics struct {
	transitions   *prometheus.CounterVec
	payoutLatency *prometheus.HistogramVec
	payoutErrors  *prometheus.CounterVec
	watched       prometheus.Gauge
	sweepDuration prometheus.Histogram
	pollErrors    *prometheus.CounterVec
	byState       *prometheus.GaugeVec
}

// Escrowd exposes the metrics registry for the escrow service.
func Escrowd() *EscrowdMetrics {
	escrowdMetricsOnce.Do(func() {
		escrowdRegistry = &EscrowdMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "lifecycle",
				Name:      "transitions_total",
				Help:      "Count of escrow lifecycle events segmented by coin and event type.",
			}, []string{"coin", "event"}),
			payoutLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "lifecycle",
				Name:      "payout_duration_seconds",
				Help:      "Latency distribution for withdraw payouts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"coin"}),
			payoutErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "lifecycle",
				Name:      "payout_errors_total",
				Help:      "Count of withdraw failures segmented by coin and reason.",
			}, []string{"coin", "reason"}),
			watched: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "monitor",
				Name:      "watched_escrows",
				Help:      "Number of escrows the funding monitor is polling.",
			}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "monitor",
				Name:      "sweep_duration_seconds",
				Help:      "Latency distribution for one funding monitor sweep.",
				Buckets:   prometheus.DefBuckets,
			}),
			pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "monitor",
				Name:      "poll_errors_total",
				Help:      "Count of funding checks that failed and were retried next sweep.",
			}, []string{"coin"}),
			byState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "escrowd",
				Subsystem: "lifecycle",
				Name:      "escrows",
				Help:      "Number of stored escrows per state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(
			escrowdRegistry.transitions,
			escrowdRegistry.payoutLatency,
			escrowdRegistry.payoutErrors,
			escrowdRegistry.watched,
			escrowdRegistry.sweepDuration,
			escrowdRegistry.pollErrors,
			escrowdRegistry.byState,
		)
	})
	return escrowdRegistry
}

// RecordEvent counts an emitted lifecycle event.
func (m *EscrowdMetrics) RecordEvent(evt escrow.Event) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelCoin(evt.Attributes["coin"]), evt.Type).Inc()
}

// ObservePayout records a withdraw attempt.
func (m *EscrowdMetrics) ObservePayout(coin string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.payoutErrors.WithLabelValues(labelCoin(coin), ErrorReason(err)).Inc()
		return
	}
	m.payoutLatency.WithLabelValues(labelCoin(coin)).Observe(d.Seconds())
}

// SetWatched updates the monitor watch-set size.
func (m *EscrowdMetrics) SetWatched(n int) {
	if m == nil {
		return
	}
	m.watched.Set(float64(n))
}

// ObserveSweep records how long one monitor pass took.
func (m *EscrowdMetrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// RecordPollError counts a failed funding check.
func (m *EscrowdMetrics) RecordPollError(coin string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(labelCoin(coin)).Inc()
}

// SetStateCounts replaces the per-state gauges.
func (m *EscrowdMetrics) SetStateCounts(counts map[escrow.State]int64) {
	if m == nil {
		return
	}
	m.byState.Reset()
	for state, n := range counts {
		m.byState.WithLabelValues(state.String()).Set(float64(n))
	}
}

// ErrorReason maps err onto a small, stable label set.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, escrow.ErrInvalidDestination):
		return "invalid_destination"
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, escrow.ErrBroadcastRejected):
		return "broadcast_rejected"
	case errors.Is(err, escrow.ErrProviderTransient):
		return "provider_unavailable"
	case errors.Is(err, escrow.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, escrow.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, escrow.ErrPayout):
		return "payout"
	default:
		return "other"
	}
}

func labelCoin(coin string) string {
	trimmed := strings.TrimSpace(coin)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
