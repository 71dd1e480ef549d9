// Package prom provides a Prometheus client_golang implementation of the
// MetricsCollector interface.
//
//	reg := prometheus.NewRegistry()
//	collector := prom.New(reg, prom.WithNamespace("myapp"))
//	session, _ := cqlwire.NewSession(ctx, hosts, cqlwire.WithMetrics(collector))
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arloliu/cqlwire/types"
)

// Option configures a Collector.
type Option func(*options)

type options struct {
	namespace string
	buckets   []float64
}

// WithNamespace sets the metric namespace. Default: "cqlwire".
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithBuckets sets the request duration histogram buckets.
// Default: prometheus.DefBuckets.
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// Collector implements types.MetricsCollector on Prometheus vectors.
type Collector struct {
	requests          prometheus.Counter
	requestErrors     *prometheus.CounterVec
	requestDuration   prometheus.Histogram
	retries           *prometheus.CounterVec
	ignores           *prometheus.CounterVec
	speculative       prometheus.Counter
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	hostUp            *prometheus.GaugeVec
	controlReconnects prometheus.Counter
	preparedCacheSize prometheus.Gauge
	breakerState      *prometheus.GaugeVec
	breakerTrips      *prometheus.CounterVec
}

var _ types.MetricsCollector = (*Collector)(nil)

// New creates a collector whose metrics are registered with reg.
// A nil reg leaves the metrics unregistered.
//
// Parameters:
//   - reg: The registerer to register metrics with
//   - opts: Configuration options
//
// Returns:
//   - *Collector: A new metrics collector
func New(reg prometheus.Registerer, opts ...Option) *Collector {
	o := options{namespace: "cqlwire", buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(&o)
	}

	f := promauto.With(reg)
	ns := o.namespace

	return &Collector{
		requests: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Total number of logical requests.",
		}),
		requestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "request_errors_total",
			Help:      "Total number of failed logical requests by error class.",
		}, []string{"kind"}),
		requestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "request_duration_seconds",
			Help:      "Latency of logical requests in seconds.",
			Buckets:   o.buckets,
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "retries_total",
			Help:      "Total number of retry decisions by error class.",
		}, []string{"reason"}),
		ignores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "ignores_total",
			Help:      "Total number of errors ignored by the retry policy.",
		}, []string{"reason"}),
		speculative: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "speculative_executions_total",
			Help:      "Total number of speculative attempts started.",
		}),
		connectionsOpened: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_opened_total",
			Help:      "Total number of connections opened per host.",
		}, []string{"host"}),
		connectionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connections_closed_total",
			Help:      "Total number of connections closed per host.",
		}, []string{"host"}),
		hostUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "host_up",
			Help:      "Whether the host is considered up (1) or down (0).",
		}, []string{"host"}),
		controlReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "control_reconnects_total",
			Help:      "Total number of control connection reconnects.",
		}),
		preparedCacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "prepared_cache_size",
			Help:      "Number of cached prepared statements.",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "circuit_breaker_state",
			Help:      "Latency breaker state per host (0=closed, 2=open).",
		}, []string{"host"}),
		breakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of latency breaker trips per host.",
		}, []string{"host"}),
	}
}

func (c *Collector) IncRequestTotal()            { c.requests.Inc() }
func (c *Collector) IncRequestError(kind string) { c.requestErrors.WithLabelValues(kind).Inc() }
func (c *Collector) IncRetry(reason string)      { c.retries.WithLabelValues(reason).Inc() }
func (c *Collector) IncIgnore(reason string)     { c.ignores.WithLabelValues(reason).Inc() }
func (c *Collector) IncSpeculativeExecution()    { c.speculative.Inc() }
func (c *Collector) IncControlReconnect()        { c.controlReconnects.Inc() }
func (c *Collector) SetPreparedCacheSize(n int)  { c.preparedCacheSize.Set(float64(n)) }

func (c *Collector) ObserveRequestDuration(d time.Duration) {
	c.requestDuration.Observe(d.Seconds())
}

func (c *Collector) IncConnectionOpened(host string) {
	c.connectionsOpened.WithLabelValues(host).Inc()
}

func (c *Collector) IncConnectionClosed(host string) {
	c.connectionsClosed.WithLabelValues(host).Inc()
}

func (c *Collector) SetHostUp(host string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	c.hostUp.WithLabelValues(host).Set(v)
}

func (c *Collector) SetCircuitBreakerState(host string, state int) {
	c.breakerState.WithLabelValues(host).Set(float64(state))
}

func (c *Collector) IncCircuitBreakerTrip(host string) {
	c.breakerTrips.WithLabelValues(host).Inc()
}
