package authz

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
)

// Metrics contains authorization metrics.
type Metrics struct {
	// evaluationsTotal counts rule set evaluations by outcome.
	evaluationsTotal *prometheus.CounterVec

	// evaluationDuration measures rule set evaluation duration.
	evaluationDuration prometheus.Histogram

	// ruleMatchesTotal counts individual rule matches by rule name.
	ruleMatchesTotal *prometheus.CounterVec

	// ruleCount tracks the size of the active rule set.
	ruleCount prometheus.Gauge

	// reloadsTotal counts rule set reloads by source and status.
	reloadsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

// GetSharedMetrics returns the process-wide authorization metrics.
func GetSharedMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics("albguard")
	})
	return sharedMetrics
}

// NewMetrics creates authorization metrics registered on a dedicated
// registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "albguard"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "evaluations_total",
			Help:      "Total number of authorization evaluations",
		},
		[]string{"outcome"},
	)

	m.evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "evaluation_duration_seconds",
			Help:      "Authorization evaluation duration in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)

	m.ruleMatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "rule_matches_total",
			Help:      "Total number of rule matches by rule name",
		},
		[]string{"rule"},
	)

	m.ruleCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "rule_count",
			Help:      "Number of rules in the active rule set",
		},
	)

	m.reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "authz",
			Name:      "rule_reloads_total",
			Help:      "Total number of rule set reloads by source and status",
		},
		[]string{"source", "status"},
	)

	m.mustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.ruleMatchesTotal,
		m.ruleCount,
		m.reloadsTotal,
	)

	return m
}

// mustRegister registers collectors, tolerating duplicates so shared
// registries across tests do not panic.
func (m *Metrics) mustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := m.registry.Register(c); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if !errors.As(err, are) {
				panic(err)
			}
		}
	}
}

// Init pre-seeds label combinations with zero values so the series
// appear on the metrics endpoint before the first evaluation.
func (m *Metrics) Init() {
	if m == nil {
		return
	}
	for _, outcome := range []string{outcomeAllowed, outcomeDenied} {
		m.evaluationsTotal.WithLabelValues(outcome)
	}
	for _, source := range []string{"file", "vault"} {
		for _, status := range []string{"success", "error"} {
			m.reloadsTotal.WithLabelValues(source, status)
		}
	}
}

// RecordEvaluation records one rule set evaluation.
func (m *Metrics) RecordEvaluation(allowed bool, duration time.Duration) {
	if m == nil || m.evaluationsTotal == nil {
		return
	}
	outcome := outcomeDenied
	if allowed {
		outcome = outcomeAllowed
	}
	m.evaluationsTotal.WithLabelValues(outcome).Inc()
	m.evaluationDuration.Observe(duration.Seconds())
}

// RecordRuleMatch records a single rule evaluating to true.
func (m *Metrics) RecordRuleMatch(rule string) {
	if m == nil || m.ruleMatchesTotal == nil {
		return
	}
	m.ruleMatchesTotal.WithLabelValues(rule).Inc()
}

// SetRuleCount sets the size of the active rule set.
func (m *Metrics) SetRuleCount(count int) {
	if m == nil || m.ruleCount == nil {
		return
	}
	m.ruleCount.Set(float64(count))
}

// RecordReload records a rule set reload attempt.
func (m *Metrics) RecordReload(source string, err error) {
	if m == nil || m.reloadsTotal == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.reloadsTotal.WithLabelValues(source, status).Inc()
}

// Registry returns the registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
