// Package metrics exposes prometheus instrumentation for the execution
// engine. A nil *Metrics is valid and records nothing, so wiring stays
// optional in tests and stripped-down modes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors, registered on construction.
type Metrics struct {
	submissions     *prometheus.CounterVec
	breakerChanges  *prometheus.CounterVec
	executions      *prometheus.CounterVec
	tipPaidLamports prometheus.Histogram
	activeLocks     prometheus.GaugeFunc
}

// New registers the engine collectors on reg. activeLocks may be nil.
func New(reg prometheus.Registerer, activeLocks func() float64) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solbot_submissions_total",
			Help: "Transaction submissions by path and outcome.",
		}, []string{"path", "outcome"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solbot_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"from", "to"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solbot_order_executions_total",
			Help: "Order executions by side and outcome.",
		}, []string{"side", "outcome"}),
		tipPaidLamports: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solbot_tip_paid_lamports",
			Help:    "Protection tips actually paid, in lamports.",
			Buckets: prometheus.ExponentialBuckets(10_000, 4, 8),
		}),
	}
	reg.MustRegister(m.submissions, m.breakerChanges, m.executions, m.tipPaidLamports)

	if activeLocks != nil {
		m.activeLocks = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "solbot_active_locks",
			Help: "Currently held resource locks.",
		}, activeLocks)
		reg.MustRegister(m.activeLocks)
	}
	return m
}

// ObserveSubmission records one submission attempt outcome for a path.
func (m *Metrics) ObserveSubmission(path, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(path, outcome).Inc()
}

// ObserveBreakerTransition records a breaker state change.
func (m *Metrics) ObserveBreakerTransition(from, to string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(from, to).Inc()
}

// ObserveExecution records an order execution outcome.
func (m *Metrics) ObserveExecution(side, outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(side, outcome).Inc()
}

// ObserveTip records a paid protection tip.
func (m *Metrics) ObserveTip(lamports uint64) {
	if m == nil {
		return
	}
	m.tipPaidLamports.Observe(float64(lamports))
}
