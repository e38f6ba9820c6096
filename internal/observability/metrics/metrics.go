package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exposes counters/histograms for bookings, events, side
// effects and circuit breakers. It satisfies the Observer interfaces of the
// bookings, events, dispatch and breaker packages.
type PipelineMetrics struct {
	bookingOps       *prometheus.CounterVec
	bookingLatency   *prometheus.HistogramVec
	eventsTotal      *prometheus.CounterVec
	sideEffects      *prometheus.CounterVec
	sideEffectTiming *prometheus.HistogramVec
	breakerCalls     *prometheus.CounterVec
	ingressLatency   *prometheus.HistogramVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		bookingOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "bookings",
			Name:      "operations_total",
			Help:      "Booking engine operations by outcome kind",
		}, []string{"op", "outcome"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "bookings",
			Name:      "operation_seconds",
			Help:      "Latency of booking engine operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "events",
			Name:      "total",
			Help:      "Lifecycle events by type and pipeline outcome",
		}, []string{"event_type", "outcome"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "dispatch",
			Name:      "side_effects_total",
			Help:      "Booking side effects by kind and outcome",
		}, []string{"effect", "outcome"}),
		sideEffectTiming: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "dispatch",
			Name:      "side_effect_seconds",
			Help:      "Latency of booking side effects",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"effect"}),
		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Circuit breaker calls by service and outcome",
		}, []string{"service", "outcome"}),
		ingressLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "events",
			Name:      "ingress_latency_seconds",
			Help:      "Latency of the event ingress endpoint",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingOps, m.bookingLatency, m.eventsTotal, m.sideEffects,
		m.sideEffectTiming, m.breakerCalls, m.ingressLatency)
	return m
}

func (m *PipelineMetrics) ObserveBookingOp(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookingOps.WithLabelValues(op, outcome).Inc()
	m.bookingLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *PipelineMetrics) ObserveSideEffect(effect, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(effect, outcome).Inc()
	m.sideEffectTiming.WithLabelValues(effect).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) ObserveBreakerCall(service, outcome string) {
	if m == nil {
		return
	}
	m.breakerCalls.WithLabelValues(service, outcome).Inc()
}

func (m *PipelineMetrics) ObserveIngressLatency(status string, seconds float64) {
	if m == nil {
		return
	}
	m.ingressLatency.WithLabelValues(status).Observe(seconds)
}
