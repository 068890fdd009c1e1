package guard

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

	// reasonNone labels allowed decisions, which carry no deny reason.
	reasonNone = "none"
)

// Metrics contains guard decision metrics.
type Metrics struct {
	// decisionsTotal counts authentication decisions by outcome and
	// deny reason.
	decisionsTotal *prometheus.CounterVec

	// decisionDuration measures full decision latency, including key
	// fetches.
	decisionDuration prometheus.Histogram

	// panicsTotal counts panics recovered during authentication.
	panicsTotal prometheus.Counter

	registry *prometheus.Registry
}

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

// GetSharedMetrics returns the process-wide guard metrics.
func GetSharedMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics("albguard")
	})
	return sharedMetrics
}

// NewMetrics creates guard metrics registered on a dedicated registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "albguard"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Total number of authentication decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	m.decisionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decision_duration_seconds",
			Help:      "Authentication decision duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	m.panicsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered during authentication",
		},
	)

	m.mustRegister(
		m.decisionsTotal,
		m.decisionDuration,
		m.panicsTotal,
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
// appear on the metrics endpoint before the first request.
func (m *Metrics) Init() {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcomeAllowed, reasonNone)
	for _, reason := range []Reason{
		ReasonMissingToken,
		ReasonInvalidToken,
		ReasonExpiredToken,
		ReasonKeyFetch,
		ReasonUnauthorized,
	} {
		m.decisionsTotal.WithLabelValues(outcomeDenied, string(reason))
	}
}

// RecordDecision records one authentication decision.
func (m *Metrics) RecordDecision(d Decision, duration time.Duration) {
	if m == nil || m.decisionsTotal == nil {
		return
	}
	outcome := outcomeDenied
	reason := string(d.Reason)
	if d.Allowed {
		outcome = outcomeAllowed
		reason = reasonNone
	}
	m.decisionsTotal.WithLabelValues(outcome, reason).Inc()
	m.decisionDuration.Observe(duration.Seconds())
}

// RecordPanic records a recovered panic.
func (m *Metrics) RecordPanic() {
	if m == nil || m.panicsTotal == nil {
		return
	}
	m.panicsTotal.Inc()
}

// Registry returns the registry holding these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
