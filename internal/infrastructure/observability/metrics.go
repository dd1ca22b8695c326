// Package observability provides the prometheus metrics collector and the
// OpenTelemetry tracing bootstrap used across the resilience core.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the collector interface consumed by the handler and the DLQ
// manager: counters, duration distributions, and pull-style gauges.
type Metrics interface {
	Increment(name string, value float64, tags map[string]string)
	Histogram(name string, value float64, tags map[string]string)
	Gauge(name string, fn func() float64)
}

// Metric names understood by the collector.
const (
	MetricOperationsTotal    = "operations_total"
	MetricErrorsTotal        = "errors_total"
	MetricRetryAttempts      = "retry_attempts_total"
	MetricBreakerRejections  = "circuit_breaker_rejections_total"
	MetricOperationDuration  = "operation_duration_seconds"
	MetricDLQItemsTotal      = "dlq_items_total"
	MetricDLQRecoveriesTotal = "dlq_recoveries_total"
	MetricDLQPendingItems    = "dlq_pending_items"
)

// Collector holds all Prometheus metrics for the resilience core, backed by
// its own registry so tests never hit duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	errors            *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	breakerRejections *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	dlqItems          *prometheus.CounterVec
	dlqRecoveries     *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]prometheus.GaugeFunc
}

// NewCollector creates a collector with the given metric namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricOperationsTotal,
		Help:      "Operations executed through the error handler",
	}, []string{"operation_type", "status"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricErrorsTotal,
		Help:      "Categorized errors by taxonomy",
	}, []string{"category", "severity"})

	retryAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRetryAttempts,
		Help:      "Retry attempts by executor",
	}, []string{"executor"})

	breakerRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricBreakerRejections,
		Help:      "Calls rejected by an open circuit breaker",
	}, []string{"breaker"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricOperationDuration,
		Help:      "Operation execution time in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation_type"})

	dlqItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricDLQItemsTotal,
		Help:      "Items enqueued to the dead letter queue",
	}, []string{"operation_type", "priority"})

	dlqRecoveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricDLQRecoveriesTotal,
		Help:      "DLQ recovery attempts by outcome",
	}, []string{"operation_type", "outcome"})

	registry.MustRegister(operations, errorsTotal, retryAttempts, breakerRejections, duration, dlqItems, dlqRecoveries)

	return &Collector{
		registry:          registry,
		operations:        operations,
		errors:            errorsTotal,
		retryAttempts:     retryAttempts,
		breakerRejections: breakerRejections,
		duration:          duration,
		dlqItems:          dlqItems,
		dlqRecoveries:     dlqRecoveries,
		gauges:            make(map[string]prometheus.GaugeFunc),
	}
}

// Increment routes a counter increment to the matching metric by name.
// Unknown names are dropped rather than failing the caller.
func (c *Collector) Increment(name string, value float64, tags map[string]string) {
	switch name {
	case MetricOperationsTotal:
		c.operations.WithLabelValues(tags["operation_type"], tags["status"]).Add(value)
	case MetricErrorsTotal:
		c.errors.WithLabelValues(tags["category"], tags["severity"]).Add(value)
	case MetricRetryAttempts:
		c.retryAttempts.WithLabelValues(tags["executor"]).Add(value)
	case MetricBreakerRejections:
		c.breakerRejections.WithLabelValues(tags["breaker"]).Add(value)
	case MetricDLQItemsTotal:
		c.dlqItems.WithLabelValues(tags["operation_type"], tags["priority"]).Add(value)
	case MetricDLQRecoveriesTotal:
		c.dlqRecoveries.WithLabelValues(tags["operation_type"], tags["outcome"]).Add(value)
	}
}

// Histogram records a distribution observation by name.
func (c *Collector) Histogram(name string, value float64, tags map[string]string) {
	switch name {
	case MetricOperationDuration:
		c.duration.WithLabelValues(tags["operation_type"]).Observe(value)
	}
}

// Gauge registers a pull-style gauge backed by fn. Re-registering the same
// name is a no-op.
func (c *Collector) Gauge(name string, fn func() float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.gauges[name]; ok {
		return
	}
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name}, fn)
	if err := c.registry.Register(g); err != nil {
		return
	}
	c.gauges[name] = g
}

// Registry exposes the backing registry for the /metrics endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// NopMetrics is a Metrics implementation that discards everything, for
// tests and optional wiring.
type NopMetrics struct{}

func (NopMetrics) Increment(string, float64, map[string]string) {}
func (NopMetrics) Histogram(string, float64, map[string]string) {}
func (NopMetrics) Gauge(string, func() float64)                 {}
