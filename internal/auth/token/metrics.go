package token

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values.
const (
	statusSuccess = "success"
	statusError   = "error"

	tokenClassIdentity = "identity"
	tokenClassAccess   = "access"

	sourceELB  = "elb"
	sourceJWKS = "jwks"
)

// Metrics holds Prometheus metrics for token verification and key
// management.
type Metrics struct {
	verificationsTotal   *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	keyFetchesTotal      *prometheus.CounterVec
	keyFetchDuration     *prometheus.HistogramVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	registry             *prometheus.Registry
}

var (
	sharedMetrics     *Metrics
	sharedMetricsOnce sync.Once
)

// GetSharedMetrics returns the singleton Metrics instance.
func GetSharedMetrics() *Metrics {
	sharedMetricsOnce.Do(func() {
		sharedMetrics = NewMetrics("albguard")
	})
	return sharedMetrics
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "albguard"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "verifications_total",
			Help:      "Total number of token verification attempts",
		},
		[]string{"token", "status"},
	)

	m.verificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "verification_duration_seconds",
			Help:      "Token verification duration in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"token"},
	)

	m.keyFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "key_fetches_total",
			Help:      "Total number of outbound key fetch attempts",
		},
		[]string{"source", "status"},
	)

	m.keyFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "key_fetch_duration_seconds",
			Help:      "Outbound key fetch duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)

	m.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "key_cache_hits_total",
			Help:      "Total number of key cache hits",
		},
		[]string{"source"},
	)

	m.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "key_cache_misses_total",
			Help:      "Total number of key cache misses",
		},
		[]string{"source"},
	)

	m.registry.MustRegister(
		m.verificationsTotal,
		m.verificationDuration,
		m.keyFetchesTotal,
		m.keyFetchDuration,
		m.cacheHits,
		m.cacheMisses,
	)

	return m
}

// Init pre-initializes common label combinations with zero values so
// that metrics appear in scrape output immediately after startup.
// Prometheus *Vec types only emit metric lines after WithLabelValues()
// is called at least once. This method is idempotent.
func (m *Metrics) Init() {
	for _, status := range []string{statusSuccess, statusError} {
		for _, class := range []string{tokenClassIdentity, tokenClassAccess} {
			m.verificationsTotal.WithLabelValues(class, status)
		}
		for _, source := range []string{sourceELB, sourceJWKS} {
			m.keyFetchesTotal.WithLabelValues(source, status)
		}
	}
	for _, class := range []string{tokenClassIdentity, tokenClassAccess} {
		m.verificationDuration.WithLabelValues(class)
	}
	for _, source := range []string{sourceELB, sourceJWKS} {
		m.keyFetchDuration.WithLabelValues(source)
		m.cacheHits.WithLabelValues(source)
		m.cacheMisses.WithLabelValues(source)
	}
}

// RecordVerification records a token verification attempt.
func (m *Metrics) RecordVerification(tokenClass, status string, duration time.Duration) {
	m.verificationsTotal.WithLabelValues(tokenClass, status).Inc()
	m.verificationDuration.WithLabelValues(tokenClass).Observe(duration.Seconds())
}

// RecordKeyFetch records an outbound key fetch attempt.
func (m *Metrics) RecordKeyFetch(source, status string, duration time.Duration) {
	m.keyFetchesTotal.WithLabelValues(source, status).Inc()
	m.keyFetchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordCacheHit records a key cache hit.
func (m *Metrics) RecordCacheHit(source string) {
	m.cacheHits.WithLabelValues(source).Inc()
}

// RecordCacheMiss records a key cache miss.
func (m *Metrics) RecordCacheMiss(source string) {
	m.cacheMisses.WithLabelValues(source).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MustRegister registers the metrics with the given registry. It uses
// Register (not MustRegister) to gracefully handle duplicate
// registration that can occur when verifiers are recreated on config
// reload. AlreadyRegisteredError is silently ignored.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range []prometheus.Collector{
		m.verificationsTotal,
		m.verificationDuration,
		m.keyFetchesTotal,
		m.keyFetchDuration,
		m.cacheHits,
		m.cacheMisses,
	} {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// isAlreadyRegistered returns true if the error indicates the
// collector was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
