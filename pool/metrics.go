package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pool's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	acquires    *prometheus.CounterVec
	releases    *prometheus.CounterVec
	live        prometheus.Gauge
	idle        prometheus.Gauge
	instantiate prometheus.Histogram
	reset       prometheus.Histogram
}

// Acquire and release outcomes.
const (
	OutcomeReused    = "reused"
	OutcomeCreated   = "created"
	OutcomeFailed    = "failed"
	OutcomePooled    = "pooled"
	OutcomeDiscarded = "discarded"
	OutcomeEvicted   = "evicted"
)

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wasm_sandbox",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Instance acquisitions by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wasm_sandbox",
			Subsystem: "pool",
			Name:      "releases_total",
			Help:      "Instance releases and evictions by outcome.",
		}, []string{"outcome"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wasm_sandbox",
			Subsystem: "pool",
			Name:      "live_instances",
			Help:      "Instances currently alive, idle or checked out.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wasm_sandbox",
			Subsystem: "pool",
			Name:      "idle_instances",
			Help:      "Instances waiting for reuse.",
		}),
		instantiate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wasm_sandbox",
			Subsystem: "pool",
			Name:      "instantiate_seconds",
			Help:      "Time spent instantiating modules.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		reset: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wasm_sandbox",
			Subsystem: "pool",
			Name:      "reset_seconds",
			Help:      "Time spent resetting instances.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.acquires, m.releases, m.live, m.idle, m.instantiate, m.reset)
	}
	return m
}

func (m *Metrics) acquired(outcome string) {
	if m != nil {
		m.acquires.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) released(outcome string, n int) {
	if m != nil && n > 0 {
		m.releases.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) gauges(live, idle int) {
	if m != nil {
		m.live.Set(float64(live))
		m.idle.Set(float64(idle))
	}
}

func (m *Metrics) observeInstantiate(seconds float64) {
	if m != nil {
		m.instantiate.Observe(seconds)
	}
}

func (m *Metrics) observeReset(seconds float64) {
	if m != nil {
		m.reset.Observe(seconds)
	}
}
