package usagemeter

import "time"

// Metrics defines the interface for tracking metering decisions and performance.
type Metrics interface {
	// RecordCheck records the outcome of a quota check.
	RecordCheck(limitType LimitType, tier string, allowed bool, reason DenyReason)

	// RecordCheckDuration records the latency of a quota check.
	RecordCheckDuration(limitType LimitType, duration time.Duration)

	// RecordAPICheck records the outcome and latency of a sliding-window API check.
	RecordAPICheck(endpoint string, allowed bool, duration time.Duration)

	// RecordViolation records a violation and whether it escalated into a block.
	RecordViolation(limitType LimitType, blocked bool)

	// RecordWindowReset records a quota window rollover.
	RecordWindowReset(limitType LimitType)

	// RecordCacheHit records a tier cache hit.
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a tier cache miss.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)

	// RecordAlerts records the number of alerts emitted by one scan.
	RecordAlerts(count int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordCheck(limitType LimitType, tier string, allowed bool, reason DenyReason) {}
func (n *NoopMetrics) RecordCheckDuration(limitType LimitType, duration time.Duration)              {}
func (n *NoopMetrics) RecordAPICheck(endpoint string, allowed bool, duration time.Duration)         {}
func (n *NoopMetrics) RecordViolation(limitType LimitType, blocked bool)                            {}
func (n *NoopMetrics) RecordWindowReset(limitType LimitType)                                        {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                              {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                             {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error)   {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                                 {}
func (n *NoopMetrics) RecordAlerts(count int)                                                       {}
