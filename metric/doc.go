// Package metric provides Prometheus metrics for the worker.
//
// MetricsRegistry wraps a dedicated prometheus.Registry and exposes the
// core worker metrics (message, writer, subscription and NATS gauges and
// counters) plus registration methods for component-specific collectors.
// Server exposes the registry over HTTP for scraping.
package metric
