// Package producer publishes messages into topics. Every message runs the
// full produce path: schema validation, transformation, filter evaluation,
// partition assignment, and append to the log store. Accepted messages are
// mirrored into a per-topic ring buffer and announced on the event bus.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/event"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/pkg/buffer"
	"github.com/c360/streambus/pkg/retry"
	"github.com/c360/streambus/stream"
)

// ConfigSource resolves the stream config owning a topic.
type ConfigSource interface {
	GetByTopic(topic string) (*stream.Config, error)
}

// Input is one message to produce. Key selects the partition; an empty
// key maps to partition 0.
type Input struct {
	Key     string
	Value   map[string]any
	Headers message.Headers
}

// Result reports the outcome of a batch produce. Accepted carries the
// stored messages in input order (filtered and failed inputs are absent),
// Filtered counts silent drops, and Errors carries one entry per input
// that failed validation or storage.
type Result struct {
	Accepted []*message.Message
	Filtered int
	Errors   []error
}

// DefaultRecentSize is the per-topic recent-message ring capacity when
// no WithRecentBuffer option is given.
const DefaultRecentSize = 1000

// Option configures a Producer.
type Option func(*Producer)

// WithRateLimit caps accepted messages per second across all topics.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Producer) {
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry overrides the append retry policy.
func WithRetry(cfg retry.Config) Option {
	return func(p *Producer) { p.retryCfg = cfg }
}

// WithRecentBuffer sets the per-topic recent-message ring capacity.
func WithRecentBuffer(size int) Option {
	return func(p *Producer) { p.recentSize = size }
}

// WithPipeline replaces the transformation pipeline, allowing custom
// transform strategies and enrichment lookups.
func WithPipeline(pl *stream.Pipeline) Option {
	return func(p *Producer) { p.pipeline = pl }
}

// WithBatchHook registers a callback invoked once after every Produce
// batch, whatever its outcome. The engine uses it to refresh the topic's
// metrics snapshot.
func WithBatchHook(fn func(ctx context.Context, topic string)) Option {
	return func(p *Producer) { p.batchHook = fn }
}

// Producer validates, shapes, and appends messages.
type Producer struct {
	configs  ConfigSource
	store    logstore.Store
	emitter  event.Emitter
	pipeline *stream.Pipeline
	logger   *slog.Logger
	metrics  *metric.Metrics

	limiter    *rate.Limiter
	retryCfg   retry.Config
	recentSize int
	batchHook  func(ctx context.Context, topic string)

	mu      sync.RWMutex
	recent  map[string]*buffer.Ring[*message.Message]
	windows map[string]*window
}

// window accumulates produce activity between metrics collections.
type window struct {
	accepted int64
	bytes    int64
	failed   int64
}

// New creates a Producer. The emitter may be nil, in which case no
// produce events are published.
func New(configs ConfigSource, store logstore.Store, emitter event.Emitter, logger *slog.Logger, metrics *metric.Metrics, opts ...Option) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = event.Nop{}
	}
	p := &Producer{
		configs:    configs,
		store:      store,
		emitter:    emitter,
		pipeline:   stream.NewPipeline(),
		logger:     logger,
		metrics:    metrics,
		retryCfg:   retry.Quick(),
		recentSize: DefaultRecentSize,
		recent:     make(map[string]*buffer.Ring[*message.Message]),
		windows:    make(map[string]*window),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Produce runs the batch through the full produce path. Inputs are
// processed in order and independently: a failed input never blocks the
// rest of the batch.
func (p *Producer) Produce(ctx context.Context, topic string, inputs []Input) (*Result, error) {
	cfg, err := p.configs.GetByTopic(topic)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errors.WrapInvalid(errors.ErrStreamDisabled, "Producer", "Produce", fmt.Sprintf("topic %q", topic))
	}

	res := &Result{}
	for _, in := range inputs {
		msg, filtered, err := p.produceOne(ctx, cfg, in)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, err)
			p.metrics.RecordError("producer", errClass(err))
			p.count(topic, 0, 0, 1)
		case filtered:
			res.Filtered++
			p.metrics.RecordDropped(topic)
		default:
			res.Accepted = append(res.Accepted, msg)
			p.count(topic, 1, int64(msg.Size), 0)
		}
	}

	if len(res.Errors) > 0 {
		p.logger.Warn("produce batch completed with errors",
			"topic", topic,
			"accepted", len(res.Accepted),
			"filtered", res.Filtered,
			"failed", len(res.Errors))
	}
	if p.batchHook != nil {
		p.batchHook(ctx, topic)
	}
	return res, nil
}

func (p *Producer) produceOne(ctx context.Context, cfg *stream.Config, in Input) (*message.Message, bool, error) {
	value, err := cfg.Schema.Apply(in.Value)
	if err != nil {
		return nil, false, err
	}

	value, perrs := p.pipeline.Transform(value, cfg.Transformations)
	for _, perr := range perrs {
		step := "unknown"
		var pe *errors.PipelineError
		if errors.As(perr, &pe) {
			step = pe.Step
		}
		p.metrics.RecordPipelineError(cfg.Topic, step)
		p.logger.Debug("transform step skipped", "topic", cfg.Topic, "step", step, "error", perr)
	}

	if !p.pipeline.Match(value, cfg.Filters) {
		return nil, true, nil
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, false, errors.WrapTransient(err, "Producer", "produceOne", "rate limit wait")
		}
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return nil, false, errors.WrapInvalid(err, "Producer", "produceOne", "encode value")
	}

	partition := stream.PartitionFor(in.Key, cfg.Partitions)

	now := time.Now().UTC()
	req := logstore.AppendRequest{
		Key:       in.Key,
		Value:     payload,
		Headers:   in.Headers,
		Timestamp: now,
	}

	var id string
	var offset int64
	err = retry.Do(ctx, p.retryCfg, func() error {
		var appendErr error
		id, offset, appendErr = p.store.Append(ctx, cfg.Topic, partition, req)
		if appendErr != nil && !errors.IsTransient(appendErr) {
			return retry.NonRetryable(appendErr)
		}
		return appendErr
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "Producer", "produceOne", "append to log")
	}

	msg := &message.Message{
		ID:        id,
		Topic:     cfg.Topic,
		Partition: partition,
		Offset:    offset,
		Key:       in.Key,
		Value:     value,
		Timestamp: now,
		Headers:   in.Headers.Clone(),
		Size:      len(payload),
	}

	p.remember(cfg.Topic, msg)
	p.metrics.RecordProduced(cfg.Topic, len(payload))
	p.emitter.Emit(event.MessageProduced, event.ProducedPayload{Topic: cfg.Topic, Message: msg})

	return msg, false, nil
}

func errClass(err error) string {
	return errors.Classify(err).String()
}

func (p *Producer) remember(topic string, msg *message.Message) {
	p.mu.Lock()
	ring, ok := p.recent[topic]
	if !ok {
		ring = buffer.NewRing[*message.Message](p.recentSize)
		p.recent[topic] = ring
	}
	p.mu.Unlock()
	ring.Add(msg)
}

// Recent returns up to n of the newest accepted messages for a topic,
// oldest first. Returns nil when nothing has been produced to the topic.
func (p *Producer) Recent(topic string, n int) []*message.Message {
	p.mu.RLock()
	ring, ok := p.recent[topic]
	p.mu.RUnlock()
	if !ok {
		return nil
	}
	return ring.Newest(n)
}

// Forget drops the recent-message buffer and window counters for a topic.
// Called when the owning stream is deleted.
func (p *Producer) Forget(topic string) {
	p.mu.Lock()
	delete(p.recent, topic)
	delete(p.windows, topic)
	p.mu.Unlock()
}

func (p *Producer) count(topic string, accepted, bytes, failed int64) {
	p.mu.Lock()
	w, ok := p.windows[topic]
	if !ok {
		w = &window{}
		p.windows[topic] = w
	}
	w.accepted += accepted
	w.bytes += bytes
	w.failed += failed
	p.mu.Unlock()
}

// TakeWindow returns and resets the produce activity accumulated for a
// topic since the previous call. The metrics collector drains it once per
// collection cycle.
func (p *Producer) TakeWindow(topic string) (accepted, bytes, failed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.windows[topic]
	if !ok {
		return 0, 0, 0
	}
	accepted, bytes, failed = w.accepted, w.bytes, w.failed
	w.accepted, w.bytes, w.failed = 0, 0, 0
	return accepted, bytes, failed
}
