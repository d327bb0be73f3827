// Package prommetrics implements usagemeter.Metrics with Prometheus collectors.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/usagemeter/pkg/usagemeter"
)

// Metrics implements usagemeter.Metrics using Prometheus.
type Metrics struct {
	checksTotal                *prometheus.CounterVec
	checkDuration              *prometheus.HistogramVec
	apiChecksTotal             *prometheus.CounterVec
	apiCheckDuration           *prometheus.HistogramVec
	violationsTotal            *prometheus.CounterVec
	windowResetsTotal          *prometheus.CounterVec
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	alertsTotal                prometheus.Counter
	lastScanAlerts             prometheus.Gauge
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		checksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_checks_total",
			Help:      "Total number of quota checks by outcome.",
		}, []string{"limit_type", "tier", "allowed", "reason"}),

		checkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_check_duration_seconds",
			Help:      "Latency of quota checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"limit_type"}),

		apiChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_checks_total",
			Help:      "Total number of sliding-window API checks by outcome.",
		}, []string{"endpoint", "allowed"}),

		apiCheckDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_rate_limit_check_duration_seconds",
			Help:      "Latency of sliding-window API checks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		violationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_violations_total",
			Help:      "Total number of quota violations, labelled by whether they started a block.",
		}, []string{"limit_type", "blocked"}),

		windowResetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_window_resets_total",
			Help:      "Total number of quota window rollovers.",
		}, []string{"limit_type"}),

		cacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits.",
		}, []string{"type"}),

		cacheMissesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses.",
		}, []string{"type"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		alertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_alerts_total",
			Help:      "Total number of usage alerts emitted.",
		}),

		lastScanAlerts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_alerts_last_scan",
			Help:      "Number of usage alerts found by the most recent scan.",
		}),
	}
}

func (m *Metrics) RecordCheck(limitType usagemeter.LimitType, tier string, allowed bool, reason usagemeter.DenyReason) {
	m.checksTotal.WithLabelValues(string(limitType), tier, strconv.FormatBool(allowed), string(reason)).Inc()
}

func (m *Metrics) RecordCheckDuration(limitType usagemeter.LimitType, duration time.Duration) {
	m.checkDuration.WithLabelValues(string(limitType)).Observe(duration.Seconds())
}

func (m *Metrics) RecordAPICheck(endpoint string, allowed bool, duration time.Duration) {
	m.apiChecksTotal.WithLabelValues(endpoint, strconv.FormatBool(allowed)).Inc()
	m.apiCheckDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordViolation(limitType usagemeter.LimitType, blocked bool) {
	m.violationsTotal.WithLabelValues(string(limitType), strconv.FormatBool(blocked)).Inc()
}

func (m *Metrics) RecordWindowReset(limitType usagemeter.LimitType) {
	m.windowResetsTotal.WithLabelValues(string(limitType)).Inc()
}

func (m *Metrics) RecordCacheHit(cacheType string) {
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.cacheMissesTotal.WithLabelValues(cacheType).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordAlerts(count int) {
	m.alertsTotal.Add(float64(count))
	m.lastScanAlerts.Set(float64(count))
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
