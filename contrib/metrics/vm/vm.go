package vm

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/arloliu/cqlwire/types"
)

// Option configures a Collector.
type Option func(*Collector)

// WithPrefix sets the metric name prefix.
//
// Default: "cqlwire"
//
// Parameters:
//   - prefix: The prefix to use for all metric names
//
// Returns:
//   - Option: A configuration option
func WithPrefix(prefix string) Option {
	return func(c *Collector) {
		c.prefix = prefix
	}
}

// WithMetricsSet sets the metrics set to use.
//
// If provided, the collector will register metrics with this set instead of
// creating a new one. The caller is responsible for exposing this set
// (e.g., via metrics.WritePrometheus or a custom handler).
//
// Parameters:
//   - set: The metrics set to use
//
// Returns:
//   - Option: A configuration option
func WithMetricsSet(set *metrics.Set) Option {
	return func(c *Collector) {
		c.set = set
	}
}

// Collector implements types.MetricsCollector using VictoriaMetrics.
//
// Thread-safe for concurrent use.
type Collector struct {
	set    *metrics.Set
	prefix string

	// Request metrics
	requestTotal    *metrics.Counter
	requestDuration *metrics.Histogram
	speculative     *metrics.Counter

	// Control connection
	controlReconnects *metrics.Counter

	preparedCacheSize atomic.Int64

	// Gauge values keyed by metric name; the gauge callback reads them.
	gauges sync.Map // map[string]*atomic.Int64
}

var _ types.MetricsCollector = (*Collector)(nil)

// New creates a new VictoriaMetrics-based metrics collector.
//
// The collector creates its own metrics.Set and registers it globally
// unless WithMetricsSet is given.
//
// Parameters:
//   - opts: Configuration options (e.g., WithPrefix)
//
// Returns:
//   - *Collector: A new metrics collector ready for use
func New(opts ...Option) *Collector {
	c := &Collector{prefix: "cqlwire"}

	for _, opt := range opts {
		opt(c)
	}

	// If a set is provided, we assume the caller manages it.
	if c.set == nil {
		c.set = metrics.NewSet()
		metrics.RegisterSet(c.set)
	}

	c.initMetrics()

	return c
}

func (c *Collector) initMetrics() {
	p := c.prefix

	c.requestTotal = c.set.NewCounter(p + "_requests_total")
	c.requestDuration = c.set.NewHistogram(p + "_request_duration_seconds")
	c.speculative = c.set.NewCounter(p + "_speculative_executions_total")
	c.controlReconnects = c.set.NewCounter(p + "_control_reconnects_total")
	c.set.NewGauge(p+"_prepared_cache_size", func() float64 {
		return float64(c.preparedCacheSize.Load())
	})
}

// Handler is an http.HandlerFunc that writes all metrics in Prometheus format.
func (c *Collector) Handler(w http.ResponseWriter, _ *http.Request) {
	c.set.WritePrometheus(w)
}

// WritePrometheus writes all metrics in Prometheus format to the given writer.
//
// Parameters:
//   - w: The writer to write metrics to
func (c *Collector) WritePrometheus(w io.Writer) {
	c.set.WritePrometheus(w)
}

func (c *Collector) labeled(name, label, value string) string {
	return fmt.Sprintf(`%s_%s{%s=%q}`, c.prefix, name, label, value)
}

// gauge returns the value cell backing the named gauge, registering the
// gauge on first use.
func (c *Collector) gauge(name string) *atomic.Int64 {
	if v, ok := c.gauges.Load(name); ok {
		return v.(*atomic.Int64)
	}

	v, loaded := c.gauges.LoadOrStore(name, new(atomic.Int64))
	cell := v.(*atomic.Int64)
	if !loaded {
		c.set.GetOrCreateGauge(name, func() float64 {
			return float64(cell.Load())
		})
	}

	return cell
}

// ----------------------
// Requests
// ----------------------

// IncRequestTotal increments the logical request counter.
func (c *Collector) IncRequestTotal() {
	c.requestTotal.Inc()
}

// IncRequestError increments the failed request counter for kind.
func (c *Collector) IncRequestError(kind string) {
	c.set.GetOrCreateCounter(c.labeled("request_errors_total", "kind", kind)).Inc()
}

// ObserveRequestDuration records a request latency in seconds.
func (c *Collector) ObserveRequestDuration(d time.Duration) {
	c.requestDuration.Update(d.Seconds())
}

// IncRetry increments the retry counter for reason.
func (c *Collector) IncRetry(reason string) {
	c.set.GetOrCreateCounter(c.labeled("retries_total", "reason", reason)).Inc()
}

// IncIgnore increments the ignored error counter for reason.
func (c *Collector) IncIgnore(reason string) {
	c.set.GetOrCreateCounter(c.labeled("ignores_total", "reason", reason)).Inc()
}

// IncSpeculativeExecution increments the speculative attempt counter.
func (c *Collector) IncSpeculativeExecution() {
	c.speculative.Inc()
}

// ----------------------
// Connections & hosts
// ----------------------

// IncConnectionOpened increments the opened connection counter for host.
func (c *Collector) IncConnectionOpened(host string) {
	c.set.GetOrCreateCounter(c.labeled("connections_opened_total", "host", host)).Inc()
}

// IncConnectionClosed increments the closed connection counter for host.
func (c *Collector) IncConnectionClosed(host string) {
	c.set.GetOrCreateCounter(c.labeled("connections_closed_total", "host", host)).Inc()
}

// SetHostUp sets the host state gauge.
func (c *Collector) SetHostUp(host string, up bool) {
	var v int64
	if up {
		v = 1
	}
	c.gauge(c.labeled("host_up", "host", host)).Store(v)
}

// IncControlReconnect increments the control connection reconnect counter.
func (c *Collector) IncControlReconnect() {
	c.controlReconnects.Inc()
}

// ----------------------
// Prepared statements
// ----------------------

// SetPreparedCacheSize sets the prepared statement cache size gauge.
func (c *Collector) SetPreparedCacheSize(n int) {
	c.preparedCacheSize.Store(int64(n))
}

// ----------------------
// Latency breaker
// ----------------------

// SetCircuitBreakerState sets the breaker state gauge for host.
func (c *Collector) SetCircuitBreakerState(host string, state int) {
	c.gauge(c.labeled("circuit_breaker_state", "host", host)).Store(int64(state))
}

// IncCircuitBreakerTrip increments the breaker trip counter for host.
func (c *Collector) IncCircuitBreakerTrip(host string) {
	c.set.GetOrCreateCounter(c.labeled("circuit_breaker_trips_total", "host", host)).Inc()
}
