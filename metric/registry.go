// Package metric manages the engine's Prometheus metrics: a private
// registry with duplicate-registration protection, the core engine metrics,
// and an HTTP server exposing the scrape endpoint.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/streambus/errors"
)

// Registrar defines the interface for registering component-specific
// metrics.
type Registrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error
	RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error
	Unregister(component, name string) bool
}

// MetricsRegistry manages registration and lifecycle of metrics.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a registry with the core engine metrics and Go
// runtime collectors pre-registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.Metrics = NewMetrics()
	r.prometheusRegistry.MustRegister(
		r.Metrics.MessagesProduced,
		r.Metrics.MessagesConsumed,
		r.Metrics.MessagesDropped,
		r.Metrics.PipelineErrors,
		r.Metrics.ConsumerLag,
		r.Metrics.TopicMessages,
		r.Metrics.TopicBytes,
		r.Metrics.ProcessorTicks,
		r.Metrics.ErrorsTotal,
	)

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// CoreMetrics returns the core engine metrics.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	return r.Metrics
}

// register adds a collector under a component-scoped key, rejecting
// duplicates at both the registry and Prometheus layer.
func (r *MetricsRegistry) register(component, name, kind string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"MetricsRegistry", kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "MetricsRegistry", kind,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "MetricsRegistry", kind, "register with prometheus")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a component.
func (r *MetricsRegistry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register(component, name, "RegisterCounter", counter)
}

// RegisterGauge registers a gauge metric for a component.
func (r *MetricsRegistry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register(component, name, "RegisterGauge", gauge)
}

// RegisterCounterVec registers a counter vector metric for a component.
func (r *MetricsRegistry) RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error {
	return r.register(component, name, "RegisterCounterVec", vec)
}

// RegisterGaugeVec registers a gauge vector metric for a component.
func (r *MetricsRegistry) RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error {
	return r.register(component, name, "RegisterGaugeVec", vec)
}

// RegisterHistogramVec registers a histogram vector metric for a component.
func (r *MetricsRegistry) RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error {
	return r.register(component, name, "RegisterHistogramVec", vec)
}

// Unregister removes a metric from the registry.
func (r *MetricsRegistry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}

	if ok := r.prometheusRegistry.Unregister(collector); !ok {
		return false
	}
	delete(r.registered, key)
	return true
}
