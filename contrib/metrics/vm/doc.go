// Package vm provides a VictoriaMetrics-based implementation of the MetricsCollector interface.
//
// This package uses github.com/VictoriaMetrics/metrics for lightweight,
// high-performance Prometheus-compatible metrics collection.
//
// # Basic Usage
//
// Create a collector with default prefix "cqlwire":
//
//	collector := vm.New()
//	session, _ := cqlwire.NewSession(ctx, hosts,
//	    cqlwire.WithMetrics(collector),
//	)
//
// # Custom Prefix
//
// Use WithPrefix to customize the metric name prefix:
//
//	collector := vm.New(vm.WithPrefix("myapp"))
//
// This produces metrics like:
//   - myapp_requests_total
//   - myapp_connections_opened_total{host="10.0.0.1:9042"}
//
// # Exposing Metrics
//
// Use the Handler method to expose metrics via HTTP:
//
//	http.HandleFunc("/metrics", collector.Handler)
//	http.ListenAndServe(":8080", nil)
//
// Or use WritePrometheus to write metrics to a custom writer:
//
//	collector.WritePrometheus(w)
//
// # Metrics Provided
//
// Requests:
//   - {prefix}_requests_total - Counter of logical requests
//   - {prefix}_request_errors_total{kind} - Counter of failed requests by error class
//   - {prefix}_request_duration_seconds - Histogram of request latencies
//   - {prefix}_retries_total{reason} - Counter of retry decisions
//   - {prefix}_ignores_total{reason} - Counter of ignored errors
//   - {prefix}_speculative_executions_total - Counter of speculative attempts
//
// Connections and hosts:
//   - {prefix}_connections_opened_total{host} - Counter of opened connections
//   - {prefix}_connections_closed_total{host} - Counter of closed connections
//   - {prefix}_host_up{host} - Gauge (1=up, 0=down)
//   - {prefix}_control_reconnects_total - Counter of control connection reconnects
//
// Prepared statements:
//   - {prefix}_prepared_cache_size - Gauge of cached prepared statements
//
// Latency breaker:
//   - {prefix}_circuit_breaker_state{host} - Gauge of breaker state (0=closed, 2=open)
//   - {prefix}_circuit_breaker_trips_total{host} - Counter of breaker trips
//
// # Performance Notes
//
// Metrics without a host or reason label are pre-created at initialization
// time using the NewXXX pattern. Labeled series are created on first use with
// GetOrCreateXXX and then served from the set's index.
//
// The metrics are registered with a dedicated Set that is registered
// globally, allowing standard Prometheus scraping.
package vm
