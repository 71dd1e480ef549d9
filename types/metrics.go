package types

import "time"

// MetricsCollector defines methods for collecting driver metrics.
//
// Host-scoped methods accept the host address for labeling.
// Implementations should be thread-safe as methods may be called concurrently.
//
// Example usage with VictoriaMetrics (via contrib/metrics/vm):
//
//	import vmmetrics "github.com/arloliu/cqlwire/contrib/metrics/vm"
//
//	collector := vmmetrics.New(vmmetrics.WithPrefix("myapp"))
//	session, _ := cqlwire.NewSession(ctx, hosts,
//	    cqlwire.WithMetrics(collector),
//	)
//
//	// Expose metrics via HTTP
//	http.HandleFunc("/metrics", collector.Handler)
type MetricsCollector interface {
	// ----------------------
	// Requests
	// ----------------------

	// IncRequestTotal increments the logical request counter.
	IncRequestTotal()

	// IncRequestError increments the failed request counter.
	// kind is a short error class such as "unavailable" or "timeout".
	IncRequestError(kind string)

	// ObserveRequestDuration records the latency of a logical request.
	ObserveRequestDuration(d time.Duration)

	// IncRetry increments the retry counter. reason is the error class
	// that triggered the retry.
	IncRetry(reason string)

	// IncIgnore increments the counter of errors ignored by the retry policy.
	IncIgnore(reason string)

	// IncSpeculativeExecution increments the speculative attempt counter.
	IncSpeculativeExecution()

	// ----------------------
	// Connections & hosts
	// ----------------------

	// IncConnectionOpened increments the opened connection counter for a host.
	IncConnectionOpened(host string)

	// IncConnectionClosed increments the closed connection counter for a host.
	IncConnectionClosed(host string)

	// SetHostUp sets the host state gauge (1 up, 0 down).
	SetHostUp(host string, up bool)

	// IncControlReconnect increments the control connection reconnect counter.
	IncControlReconnect()

	// ----------------------
	// Prepared statements
	// ----------------------

	// SetPreparedCacheSize sets the prepared statement cache size gauge.
	SetPreparedCacheSize(n int)

	// ----------------------
	// Latency breaker
	// ----------------------

	// SetCircuitBreakerState sets the latency breaker state gauge.
	// State values: 0=closed, 2=open.
	SetCircuitBreakerState(host string, state int)

	// IncCircuitBreakerTrip increments the counter when a host breaker opens.
	IncCircuitBreakerTrip(host string)
}
