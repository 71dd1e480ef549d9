package cqlwire

import (
	"context"
	"errors"
	"time"

	"github.com/arloliu/cqlwire/host"
	"github.com/arloliu/cqlwire/types"
)

// RequestInfo describes one execution passed to a RequestTracker.
type RequestInfo struct {
	Statement Statement
	Keyspace  string
	Profile   string
	Start     time.Time
}

// AttemptInfo describes one failed attempt of an execution.
type AttemptInfo struct {
	Host        *host.Host
	Start       time.Time
	Latency     time.Duration
	Retries     int
	Speculative bool
	Consistency types.Consistency
	Err         error
}

// RequestTracker observes executions. Callbacks run on the executing
// goroutines and must not block.
type RequestTracker interface {
	// OnStart is called before the first attempt.
	OnStart(info *RequestInfo)

	// OnAttemptError is called for every failed attempt, including the ones
	// that are retried.
	OnAttemptError(info *RequestInfo, attempt *AttemptInfo)

	// OnSuccess is called once when the execution succeeds on h.
	OnSuccess(info *RequestInfo, latency time.Duration, h *host.Host)

	// OnError is called once when the execution fails.
	OnError(info *RequestInfo, latency time.Duration, err error)
}

// NopTracker is a RequestTracker that does nothing. Embed it to implement
// only some callbacks.
type NopTracker struct{}

func (NopTracker) OnStart(*RequestInfo)                              {}
func (NopTracker) OnAttemptError(*RequestInfo, *AttemptInfo)         {}
func (NopTracker) OnSuccess(*RequestInfo, time.Duration, *host.Host) {}
func (NopTracker) OnError(*RequestInfo, time.Duration, error)        {}

// metricsTracker feeds the request metrics of a MetricsCollector.
type metricsTracker struct {
	NopTracker
	metrics types.MetricsCollector
}

func (t metricsTracker) OnStart(*RequestInfo) {
	t.metrics.IncRequestTotal()
}

func (t metricsTracker) OnSuccess(_ *RequestInfo, latency time.Duration, _ *host.Host) {
	t.metrics.ObserveRequestDuration(latency)
}

func (t metricsTracker) OnError(_ *RequestInfo, latency time.Duration, err error) {
	t.metrics.ObserveRequestDuration(latency)
	t.metrics.IncRequestError(errorKind(err))
}

// errorKind returns the low cardinality label of err.
func errorKind(err error) string {
	var (
		unavailable  *types.UnavailableError
		readTimeout  *types.ReadTimeoutError
		writeTimeout *types.WriteTimeoutError
		readFailure  *types.ReadFailureError
		writeFailure *types.WriteFailureError
		validation   *types.QueryValidationError
		auth         *types.AuthenticationError
		proto        *types.ProtocolError
		noHost       *types.NoHostAvailableError
		timedOut     *types.OperationTimedOutError
		server       *types.ServerError
	)

	switch {
	case errors.As(err, &timedOut):
		return "client_timeout"
	case errors.As(err, &noHost):
		return "no_host_available"
	case errors.As(err, &unavailable):
		return "unavailable"
	case errors.As(err, &readTimeout):
		return "read_timeout"
	case errors.As(err, &writeTimeout):
		return "write_timeout"
	case errors.As(err, &readFailure):
		return "read_failure"
	case errors.As(err, &writeFailure):
		return "write_failure"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &auth):
		return "auth"
	case errors.As(err, &proto):
		return "protocol"
	case errors.As(err, &server):
		return "server"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

// multiTracker fans callbacks out to several trackers.
type multiTracker []RequestTracker

func (m multiTracker) OnStart(info *RequestInfo) {
	for _, t := range m {
		t.OnStart(info)
	}
}

func (m multiTracker) OnAttemptError(info *RequestInfo, attempt *AttemptInfo) {
	for _, t := range m {
		t.OnAttemptError(info, attempt)
	}
}

func (m multiTracker) OnSuccess(info *RequestInfo, latency time.Duration, h *host.Host) {
	for _, t := range m {
		t.OnSuccess(info, latency, h)
	}
}

func (m multiTracker) OnError(info *RequestInfo, latency time.Duration, err error) {
	for _, t := range m {
		t.OnError(info, latency, err)
	}
}

func newTracker(metrics types.MetricsCollector, trackers []RequestTracker) RequestTracker {
	all := make(multiTracker, 0, len(trackers)+1)
	all = append(all, metricsTracker{metrics: metrics})
	for _, t := range trackers {
		if t != nil {
			all = append(all, t)
		}
	}

	return all
}
