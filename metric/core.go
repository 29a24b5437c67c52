package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the engine-level metrics shared by all components.
// Per-component metrics live next to the component that records them.
type Metrics struct {
	MessagesProduced *prometheus.CounterVec
	MessagesConsumed *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	PipelineErrors   *prometheus.CounterVec
	ConsumerLag      *prometheus.GaugeVec
	TopicMessages    *prometheus.GaugeVec
	TopicBytes       *prometheus.GaugeVec
	ProcessorTicks   *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
}

// NewMetrics creates the core engine metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesProduced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "messages",
				Name:      "produced_total",
				Help:      "Total number of messages appended to the log store",
			},
			[]string{"topic"},
		),

		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "messages",
				Name:      "consumed_total",
				Help:      "Total number of messages delivered to consumers",
			},
			[]string{"topic", "group"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Total number of messages dropped by filters",
			},
			[]string{"topic"},
		),

		PipelineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "pipeline",
				Name:      "errors_total",
				Help:      "Total number of non-fatal transformation step failures",
			},
			[]string{"topic", "step"},
		),

		ConsumerLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "consumer",
				Name:      "lag",
				Help:      "Max lag over all consumer groups, per topic partition",
			},
			[]string{"topic", "partition"},
		),

		TopicMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "topic",
				Name:      "messages",
				Help:      "Current log length per topic",
			},
			[]string{"topic"},
		),

		TopicBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambus",
				Subsystem: "topic",
				Name:      "bytes",
				Help:      "Total serialized bytes appended per topic",
			},
			[]string{"topic"},
		),

		ProcessorTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "processor",
				Name:      "ticks_total",
				Help:      "Processor loop ticks by outcome (processed, empty, error)",
			},
			[]string{"processor", "outcome"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "streambus",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and type",
			},
			[]string{"component", "type"},
		),
	}
}

// All Record methods are nil-safe so components can run without a
// metrics registry wired in (tests, embedded use).

// RecordProduced increments the produced counter and byte gauge for a topic.
func (m *Metrics) RecordProduced(topic string, bytes int) {
	if m == nil {
		return
	}
	m.MessagesProduced.WithLabelValues(topic).Inc()
	m.TopicBytes.WithLabelValues(topic).Add(float64(bytes))
}

// RecordConsumed increments the consumed counter for a topic and group.
func (m *Metrics) RecordConsumed(topic, group string, n int) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(topic, group).Add(float64(n))
}

// RecordDropped increments the filter-drop counter for a topic.
func (m *Metrics) RecordDropped(topic string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(topic).Inc()
}

// RecordPipelineError increments the transformation failure counter.
func (m *Metrics) RecordPipelineError(topic, step string) {
	if m == nil {
		return
	}
	m.PipelineErrors.WithLabelValues(topic, step).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordProcessorTick increments the processor tick counter.
func (m *Metrics) RecordProcessorTick(processor, outcome string) {
	if m == nil {
		return
	}
	m.ProcessorTicks.WithLabelValues(processor, outcome).Inc()
}

// SetLag sets the max-over-groups lag gauge for a topic partition.
func (m *Metrics) SetLag(topic string, partition int, lag int64) {
	if m == nil {
		return
	}
	m.ConsumerLag.WithLabelValues(topic, strconv.Itoa(partition)).Set(float64(lag))
}

// SetTopicMessages sets the total log length gauge for a topic.
func (m *Metrics) SetTopicMessages(topic string, n int64) {
	if m == nil {
		return
	}
	m.TopicMessages.WithLabelValues(topic).Set(float64(n))
}
