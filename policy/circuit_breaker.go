package policy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/cqlwire/internal/logging"
	"github.com/arloliu/cqlwire/internal/metrics"
	"github.com/arloliu/cqlwire/types"
)

// CircuitBreaker tracks consecutive failures per host.
//
// A host's breaker opens once the threshold is reached. An open breaker
// half-opens after the reset timeout so the host is probed again; the next
// success closes it.
type CircuitBreaker struct {
	threshold    int
	resetTimeout time.Duration
	metrics      types.MetricsCollector
	logger       types.Logger
	hosts        sync.Map // host -> *hostBreaker
}

type hostBreaker struct {
	failures    atomic.Int32
	lastFailure atomic.Int64 // Unix nano
}

// CircuitBreakerOption configures a CircuitBreaker policy.
type CircuitBreakerOption func(*CircuitBreaker)

// WithThreshold sets the number of consecutive failures that open a
// host's breaker.
//
// Parameters:
//   - n: Number of failures required
//
// Returns:
//   - CircuitBreakerOption: Configuration option
func WithThreshold(n int) CircuitBreakerOption {
	return func(c *CircuitBreaker) {
		c.threshold = n
	}
}

// WithResetTimeout sets the duration after which failure count resets.
//
// Parameters:
//   - d: Reset timeout duration
//
// Returns:
//   - CircuitBreakerOption: Configuration option
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreaker) {
		c.resetTimeout = d
	}
}

// WithCircuitBreakerMetrics sets the metrics collector for the circuit breaker.
//
// Parameters:
//   - m: The metrics collector
//
// Returns:
//   - CircuitBreakerOption: Configuration option
func WithCircuitBreakerMetrics(m types.MetricsCollector) CircuitBreakerOption {
	return func(c *CircuitBreaker) {
		c.metrics = m
	}
}

// WithCircuitBreakerLogger sets the logger for the circuit breaker.
//
// Parameters:
//   - l: The logger
//
// Returns:
//   - CircuitBreakerOption: Configuration option
func WithCircuitBreakerLogger(l types.Logger) CircuitBreakerOption {
	return func(c *CircuitBreaker) {
		c.logger = l
	}
}

// NewCircuitBreaker creates a new CircuitBreaker.
//
// Defaults: threshold=3, resetTimeout=30s
//
// Parameters:
//   - opts: Optional configuration options
//
// Returns:
//   - *CircuitBreaker: A new circuit breaker
func NewCircuitBreaker(opts ...CircuitBreakerOption) *CircuitBreaker {
	c := &CircuitBreaker{
		threshold:    3,
		resetTimeout: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.metrics = metrics.OrNop(c.metrics)
	c.logger = logging.OrNop(c.logger)

	return c
}

func (c *CircuitBreaker) breaker(host string) *hostBreaker {
	if b, ok := c.hosts.Load(host); ok {
		return b.(*hostBreaker)
	}
	b, _ := c.hosts.LoadOrStore(host, &hostBreaker{})

	return b.(*hostBreaker)
}

// IsOpen reports whether the host's breaker is open. A breaker whose last
// failure is older than the reset timeout is half-open and reports false.
//
// Parameters:
//   - host: Host address
//
// Returns:
//   - bool: true if consecutive failures >= threshold and still recent
func (c *CircuitBreaker) IsOpen(host string) bool {
	b := c.breaker(host)
	if int(b.failures.Load()) < c.threshold {
		return false
	}

	return time.Duration(time.Now().UnixNano()-b.lastFailure.Load()) <= c.resetTimeout
}

// RecordFailure increments the failure counter for a host.
//
// If the reset timeout has passed since the last failure, the counter
// is reset to 1 instead of incrementing.
//
// Parameters:
//   - host: Host address
func (c *CircuitBreaker) RecordFailure(host string) {
	b := c.breaker(host)
	now := time.Now().UnixNano()

	var newFailures int32
	lastFailure := b.lastFailure.Load()
	if lastFailure > 0 && time.Duration(now-lastFailure) > c.resetTimeout {
		b.failures.Store(1)
		newFailures = 1
	} else {
		newFailures = b.failures.Add(1)
	}
	b.lastFailure.Store(now)

	// Record metrics when circuit trips to open
	if int(newFailures) == c.threshold {
		c.metrics.IncCircuitBreakerTrip(host)
		c.metrics.SetCircuitBreakerState(host, 2) // 2 = open
		c.logger.Warn("circuit breaker tripped",
			"host", host,
			"threshold", c.threshold,
		)
	}
}

// RecordSuccess resets the failure counter for a host.
//
// Parameters:
//   - host: Host address
func (c *CircuitBreaker) RecordSuccess(host string) {
	b := c.breaker(host)
	wasOpen := int(b.failures.Load()) >= c.threshold
	b.failures.Store(0)
	b.lastFailure.Store(0)

	// Record metrics when circuit closes
	if wasOpen {
		c.metrics.SetCircuitBreakerState(host, 0) // 0 = closed
		c.logger.Info("circuit breaker closed", "host", host)
	}
}

// Failures returns the current failure count for a host.
//
// Parameters:
//   - host: Host address
//
// Returns:
//   - int: Number of consecutive failures
func (c *CircuitBreaker) Failures(host string) int {
	return int(c.breaker(host).failures.Load())
}
