// Package metrics provides internal metrics utilities for cqlwire.
package metrics

import (
	"time"

	"github.com/arloliu/cqlwire/types"
)

// NopMetrics is a no-op metrics collector that discards all metrics.
//
// This is used as the default metrics collector when no collector is configured,
// avoiding nil checks throughout the codebase.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements types.MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNopMetrics creates a new no-op metrics collector.
//
// Returns:
//   - *NopMetrics: A collector that discards all metrics
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// OrNop returns m, or a NopMetrics when m is nil.
func OrNop(m types.MetricsCollector) types.MetricsCollector {
	if m == nil {
		return NewNopMetrics()
	}

	return m
}

// ----------------------
// Requests
// ----------------------

// IncRequestTotal discards the metric.
func (m *NopMetrics) IncRequestTotal() {}

// IncRequestError discards the metric.
func (m *NopMetrics) IncRequestError(_ string) {}

// ObserveRequestDuration discards the metric.
func (m *NopMetrics) ObserveRequestDuration(_ time.Duration) {}

// IncRetry discards the metric.
func (m *NopMetrics) IncRetry(_ string) {}

// IncIgnore discards the metric.
func (m *NopMetrics) IncIgnore(_ string) {}

// IncSpeculativeExecution discards the metric.
func (m *NopMetrics) IncSpeculativeExecution() {}

// ----------------------
// Connections & hosts
// ----------------------

// IncConnectionOpened discards the metric.
func (m *NopMetrics) IncConnectionOpened(_ string) {}

// IncConnectionClosed discards the metric.
func (m *NopMetrics) IncConnectionClosed(_ string) {}

// SetHostUp discards the metric.
func (m *NopMetrics) SetHostUp(_ string, _ bool) {}

// IncControlReconnect discards the metric.
func (m *NopMetrics) IncControlReconnect() {}

// ----------------------
// Prepared statements
// ----------------------

// SetPreparedCacheSize discards the metric.
func (m *NopMetrics) SetPreparedCacheSize(_ int) {}

// ----------------------
// Latency breaker
// ----------------------

// SetCircuitBreakerState discards the metric.
func (m *NopMetrics) SetCircuitBreakerState(_ string, _ int) {}

// IncCircuitBreakerTrip discards the metric.
func (m *NopMetrics) IncCircuitBreakerTrip(_ string) {}
