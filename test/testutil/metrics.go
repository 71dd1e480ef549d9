package testutil

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/cqlwire/types"
)

// TestMetricsCollector is a test implementation of types.MetricsCollector
// that tracks method calls for assertion in integration tests.
type TestMetricsCollector struct {
	mu sync.RWMutex

	// Requests
	RequestErrors    map[string]int64
	RequestDurations []time.Duration
	Retries          map[string]int64
	Ignores          map[string]int64

	// Connections & hosts
	ConnectionsOpened map[string]int64
	ConnectionsClosed map[string]int64
	HostUp            map[string]bool

	// Latency breaker
	CircuitBreakerState map[string]int
	CircuitBreakerTrips map[string]int64

	// Atomic counters for quick access
	requests          atomic.Int64
	speculative       atomic.Int64
	controlReconnects atomic.Int64
	preparedCacheSize atomic.Int64
}

// Compile-time assertion that TestMetricsCollector implements types.MetricsCollector.
var _ types.MetricsCollector = (*TestMetricsCollector)(nil)

// NewTestMetricsCollector creates a new test metrics collector.
func NewTestMetricsCollector() *TestMetricsCollector {
	m := &TestMetricsCollector{}
	m.Reset()

	return m
}

// ----------------------
// Requests
// ----------------------

func (m *TestMetricsCollector) IncRequestTotal() {
	m.requests.Add(1)
}

func (m *TestMetricsCollector) IncRequestError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestErrors[kind]++
}

func (m *TestMetricsCollector) ObserveRequestDuration(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestDurations = append(m.RequestDurations, d)
}

func (m *TestMetricsCollector) IncRetry(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Retries[reason]++
}

func (m *TestMetricsCollector) IncIgnore(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Ignores[reason]++
}

func (m *TestMetricsCollector) IncSpeculativeExecution() {
	m.speculative.Add(1)
}

// ----------------------
// Connections & hosts
// ----------------------

func (m *TestMetricsCollector) IncConnectionOpened(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectionsOpened[host]++
}

func (m *TestMetricsCollector) IncConnectionClosed(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectionsClosed[host]++
}

func (m *TestMetricsCollector) SetHostUp(host string, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HostUp[host] = up
}

func (m *TestMetricsCollector) IncControlReconnect() {
	m.controlReconnects.Add(1)
}

func (m *TestMetricsCollector) SetPreparedCacheSize(n int) {
	m.preparedCacheSize.Store(int64(n))
}

// ----------------------
// Latency breaker
// ----------------------

func (m *TestMetricsCollector) SetCircuitBreakerState(host string, state int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CircuitBreakerState[host] = state
}

func (m *TestMetricsCollector) IncCircuitBreakerTrip(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CircuitBreakerTrips[host]++
}

// ----------------------
// Getters
// ----------------------

// GetRequests returns the number of logical requests.
func (m *TestMetricsCollector) GetRequests() int64 {
	return m.requests.Load()
}

// GetRequestErrors returns the failed request count for kind.
func (m *TestMetricsCollector) GetRequestErrors(kind string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.RequestErrors[kind]
}

// GetRetries returns the retry count for reason.
func (m *TestMetricsCollector) GetRetries(reason string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.Retries[reason]
}

// GetSpeculativeExecutions returns the number of speculative attempts.
func (m *TestMetricsCollector) GetSpeculativeExecutions() int64 {
	return m.speculative.Load()
}

// GetControlReconnects returns the number of control connection reconnects.
func (m *TestMetricsCollector) GetControlReconnects() int64 {
	return m.controlReconnects.Load()
}

// GetPreparedCacheSize returns the last prepared cache size.
func (m *TestMetricsCollector) GetPreparedCacheSize() int {
	return int(m.preparedCacheSize.Load())
}

// GetConnectionsOpened returns the total opened connections over all hosts.
func (m *TestMetricsCollector) GetConnectionsOpened() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, v := range m.ConnectionsOpened {
		n += v
	}

	return n
}

// IsHostUp reports the last host state, and whether one was recorded.
func (m *TestMetricsCollector) IsHostUp(host string) (up, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	up, ok = m.HostUp[host]

	return up, ok
}

// Reset clears all recorded metrics.
func (m *TestMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RequestErrors = make(map[string]int64)
	m.RequestDurations = nil
	m.Retries = make(map[string]int64)
	m.Ignores = make(map[string]int64)
	m.ConnectionsOpened = make(map[string]int64)
	m.ConnectionsClosed = make(map[string]int64)
	m.HostUp = make(map[string]bool)
	m.CircuitBreakerState = make(map[string]int)
	m.CircuitBreakerTrips = make(map[string]int64)

	m.requests.Store(0)
	m.speculative.Store(0)
	m.controlReconnects.Store(0)
	m.preparedCacheSize.Store(0)
}
