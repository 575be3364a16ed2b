// Package admission provides prometheus metrics.
package admission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters and gauges scraped by the external collector.
// Store faults are counted separately from denials so operators can tell
// traffic shaping apart from admission control degrading.
type Metrics struct {
	registry *prometheus.Registry

	decisionsTotal     *prometheus.CounterVec
	wafMatchesTotal    *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	storeFaultsTotal   *prometheus.CounterVec
	reloadsTotal       *prometheus.CounterVec
	ruleVersion        prometheus.Gauge
	decisionSeconds    *prometheus.HistogramVec
}

// NewMetrics constructs metrics on a private registry so multiple gateway
// instances can coexist in one process.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission verdicts by outcome and matched rule.",
		}, []string{"outcome", "rule"}),
		wafMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_waf_matches_total",
			Help: "WAF rule matches by rule id and action.",
		}, []string{"rule_id", "action"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_breaker_transitions_total",
			Help: "Circuit breaker state transitions by backend and new state.",
		}, []string{"backend", "to"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "admission_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 open, 2 half-open).",
		}, []string{"backend"}),
		storeFaultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_store_faults_total",
			Help: "Counter store faults by applied policy.",
		}, []string{"policy"}),
		reloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_rule_reloads_total",
			Help: "Rule document reloads by result.",
		}, []string{"result"}),
		ruleVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "admission_rule_version",
			Help: "Version of the active rule snapshot.",
		}),
		decisionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_decision_seconds",
			Help:    "Admission pipeline latency.",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}, []string{"outcome"}),
	}
}

// Registry exposes the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// Decision records a final verdict.
func (m *Metrics) Decision(outcome Outcome, rule string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(string(outcome), rule).Inc()
	m.decisionSeconds.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// WAFMatch records one WAF rule match.
func (m *Metrics) WAFMatch(ruleID, action string) {
	if m == nil {
		return
	}
	m.wafMatchesTotal.WithLabelValues(ruleID, action).Inc()
}

// BreakerTransition records a state change.
func (m *Metrics) BreakerTransition(backend string, to CircuitState) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(backend, to.Label()).Inc()
	m.breakerState.WithLabelValues(backend).Set(float64(to))
}

// StoreFault records a counter store fault and the applied policy.
func (m *Metrics) StoreFault(policy string) {
	if m == nil {
		return
	}
	m.storeFaultsTotal.WithLabelValues(policy).Inc()
}

// Reload records a rule reload attempt.
func (m *Metrics) Reload(ok bool, version int64) {
	if m == nil {
		return
	}
	if ok {
		m.reloadsTotal.WithLabelValues("ok").Inc()
		m.ruleVersion.Set(float64(version))
		return
	}
	m.reloadsTotal.WithLabelValues("rejected").Inc()
}
