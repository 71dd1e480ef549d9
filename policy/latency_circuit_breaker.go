package policy

import (
	"time"

	"github.com/arloliu/cqlwire/types"
)

// LatencyCircuitBreaker is a per-host CircuitBreaker that also counts slow
// replies. A reply slower than the absolute maximum adds to the host's
// failure streak the same way an error does, so a node that answers but
// lags behind the rest of the cluster drops out of LatencyAware plans.
//
// Example:
//
//	breaker := policy.NewLatencyCircuitBreaker(
//	    policy.WithLatencyAbsoluteMax(500 * time.Millisecond),
//	    policy.WithLatencyThreshold(3),
//	)
//	lb := policy.NewLatencyAware(policy.NewRoundRobin(), breaker)
type LatencyCircuitBreaker struct {
	*CircuitBreaker
	absoluteMax time.Duration
}

// LatencyCircuitBreakerOption configures a LatencyCircuitBreaker.
type LatencyCircuitBreakerOption func(*LatencyCircuitBreaker)

// WithLatencyAbsoluteMax sets the reply time above which a successful
// attempt counts against its host. Default: 2s.
func WithLatencyAbsoluteMax(d time.Duration) LatencyCircuitBreakerOption {
	return func(l *LatencyCircuitBreaker) {
		l.absoluteMax = d
	}
}

// WithLatencyThreshold sets how many consecutive slow or failed attempts
// open a host's breaker. Default: 3.
func WithLatencyThreshold(n int) LatencyCircuitBreakerOption {
	return func(l *LatencyCircuitBreaker) {
		l.threshold = n
	}
}

// WithLatencyResetTimeout sets how long an open host stays excluded before
// it is tried again. Default: 30s.
func WithLatencyResetTimeout(d time.Duration) LatencyCircuitBreakerOption {
	return func(l *LatencyCircuitBreaker) {
		l.resetTimeout = d
	}
}

// WithLatencyBreakerOptions passes CircuitBreaker options, such as a logger
// or metrics collector, through to the per-host breakers.
func WithLatencyBreakerOptions(opts ...CircuitBreakerOption) LatencyCircuitBreakerOption {
	return func(l *LatencyCircuitBreaker) {
		for _, opt := range opts {
			opt(l.CircuitBreaker)
		}
	}
}

// NewLatencyCircuitBreaker creates a breaker with a 2s absolute maximum on
// top of the CircuitBreaker defaults.
//
// Parameters:
//   - opts: Optional configuration options
//
// Returns:
//   - *LatencyCircuitBreaker: A breaker with no host tracked yet
func NewLatencyCircuitBreaker(opts ...LatencyCircuitBreakerOption) *LatencyCircuitBreaker {
	l := &LatencyCircuitBreaker{
		CircuitBreaker: NewCircuitBreaker(),
		absoluteMax:    2 * time.Second,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// RecordLatency records a successful reply from host. Replies slower than
// the absolute maximum extend the host's failure streak; faster ones clear it.
func (l *LatencyCircuitBreaker) RecordLatency(host string, latency time.Duration) {
	if latency > l.absoluteMax {
		l.RecordFailure(host)
		return
	}
	l.RecordSuccess(host)
}

// RecordAttempt records the outcome of one attempt on host. Fatal errors
// come from the statement itself, not the host, and leave its streak alone.
func (l *LatencyCircuitBreaker) RecordAttempt(host string, latency time.Duration, err error) {
	switch {
	case err == nil:
		l.RecordLatency(host, latency)
	case !types.IsFatal(err):
		l.RecordFailure(host)
	}
}

// AbsoluteMax returns the slow reply threshold.
func (l *LatencyCircuitBreaker) AbsoluteMax() time.Duration {
	return l.absoluteMax
}
