// Package engine composes the registry, producer, consumer groups,
// processors and the metrics collector into one embeddable stream engine
// with a single lifecycle.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/streambus/config"
	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/event"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/processor"
	"github.com/c360/streambus/producer"
	"github.com/c360/streambus/registry"
	"github.com/c360/streambus/stream"
)

// Dependencies carries the injectable seams of an Engine. Store is
// required; everything else has a working default.
type Dependencies struct {
	Store   logstore.Store
	Emitter event.Emitter
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
}

// Engine is the facade over the whole stream system.
type Engine struct {
	registry   *registry.Registry
	producers  *producer.Producer
	consumers  *consumer.Manager
	processors *processor.Manager
	collector  *collector

	store   logstore.Store
	emitter event.Emitter
	logger  *slog.Logger
	cfg     config.Config

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// New wires an Engine from its dependencies.
func New(deps Dependencies, cfg config.Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("log store is required"), "Engine", "New", "check dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = event.Nop{}
	}

	var core *metric.Metrics
	if deps.Metrics != nil {
		core = deps.Metrics.CoreMetrics()
	}

	reg := registry.New(deps.Store, logger.With("component", "registry"))

	prodOpts := []producer.Option{producer.WithRecentBuffer(cfg.Producer.RecentBufferSize)}
	if cfg.Producer.RateLimit > 0 {
		burst := cfg.Producer.RateBurst
		if burst <= 0 {
			burst = 1
		}
		prodOpts = append(prodOpts, producer.WithRateLimit(cfg.Producer.RateLimit, burst))
	}
	e := &Engine{
		store:   deps.Store,
		emitter: emitter,
		logger:  logger,
		cfg:     cfg,
	}

	// Every produce batch refreshes the topic's metrics snapshot, so
	// readers and the prometheus mirrors never lag a full collect cycle.
	prodOpts = append(prodOpts, producer.WithBatchHook(func(ctx context.Context, topic string) {
		e.collector.refresh(ctx, topic)
	}))

	e.registry = reg
	e.producers = producer.New(reg, deps.Store, emitter,
		logger.With("component", "producer"), core, prodOpts...)
	e.consumers = consumer.NewManager(reg, deps.Store,
		logger.With("component", "consumer"), core)
	e.processors = processor.NewManager(reg, e.consumers, e.producers,
		logger.With("component", "processor"), core,
		processor.WithTickInterval(cfg.Processor.TickInterval),
		processor.WithBatchSize(cfg.Processor.BatchSize))
	e.collector = newCollector(e, core, cfg.Metrics.CollectInterval, logger.With("component", "collector"))
	return e, nil
}

// Start seeds the default streams and processors and launches the metrics
// collector. Safe to call once; a second call reports already started.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "check lifecycle")
	}

	if e.cfg.SeedDefaults {
		if err := e.registry.Seed(ctx); err != nil {
			return errors.Wrap(err, "Engine", "Start", "seed streams")
		}
		if err := e.processors.Seed(); err != nil {
			return errors.Wrap(err, "Engine", "Start", "seed processors")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		e.collector.run(gctx)
		return nil
	})

	e.cancel = cancel
	e.group = g
	e.started = true

	e.logger.Info("engine started",
		"streams", len(e.registry.ListStreams()),
		"collect_interval", e.cfg.Metrics.CollectInterval)
	return nil
}

// Stop halts processors and the collector, waiting up to timeout for
// background work to drain.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "Stop", "check lifecycle")
	}

	e.processors.StopAll(timeout)
	e.cancel()

	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		e.started = false
		return errors.WrapTransient(
			fmt.Errorf("collector did not drain within %s", timeout),
			"Engine", "Stop", "wait for background loops")
	}

	e.started = false
	e.logger.Info("engine stopped")
	return nil
}

// --- stream facade ---

// CreateStream registers a stream and creates its topic.
func (e *Engine) CreateStream(ctx context.Context, cfg *stream.Config) (string, error) {
	return e.registry.CreateStream(ctx, cfg)
}

// GetStream returns one stream config.
func (e *Engine) GetStream(id string) (*stream.Config, error) {
	return e.registry.GetStream(id)
}

// GetStreamByTopic returns the stream config owning a topic.
func (e *Engine) GetStreamByTopic(topic string) (*stream.Config, error) {
	return e.registry.GetByTopic(topic)
}

// ListStreams returns all stream configs.
func (e *Engine) ListStreams() []*stream.Config {
	return e.registry.ListStreams()
}

// EnableStream re-opens a stream for producing and consuming.
func (e *Engine) EnableStream(id string) error {
	return e.registry.SetEnabled(id, true)
}

// DisableStream rejects further produces and consumes without touching
// stored data.
func (e *Engine) DisableStream(id string) error {
	return e.registry.SetEnabled(id, false)
}

// DeleteStream tears a stream down: running processors on the topic stop,
// its consumer groups and buffered messages go away, then the config and
// the topic itself. Returns false when the id is unknown.
func (e *Engine) DeleteStream(ctx context.Context, id string) (bool, error) {
	cfg, err := e.registry.GetStream(id)
	if err != nil {
		if errors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	stopped := e.processors.StopForTopic(cfg.Topic, e.cfg.ShutdownTimeout)
	groups := e.consumers.DeleteForTopic(cfg.Topic)
	e.producers.Forget(cfg.Topic)
	e.collector.forget(cfg.Topic)

	removed, err := e.registry.DeleteStream(ctx, id)
	if err != nil {
		return removed, err
	}

	e.logger.Info("stream torn down",
		"stream", id,
		"topic", cfg.Topic,
		"processors_stopped", stopped,
		"groups_deleted", groups)
	return removed, nil
}

// --- produce / consume facade ---

// Produce publishes a batch to a topic through the full produce path.
func (e *Engine) Produce(ctx context.Context, topic string, inputs []producer.Input) (*producer.Result, error) {
	return e.producers.Produce(ctx, topic, inputs)
}

// Recent returns the newest accepted messages for a topic, oldest first.
func (e *Engine) Recent(topic string, n int) []*message.Message {
	return e.producers.Recent(topic, n)
}

// CreateGroup registers a consumer group on a topic.
func (e *Engine) CreateGroup(groupID, topic string) error {
	return e.consumers.CreateGroup(groupID, topic)
}

// JoinGroup adds a member to a group and returns its partition assignment.
func (e *Engine) JoinGroup(groupID, memberID string) ([]int, error) {
	return e.consumers.JoinGroup(groupID, memberID)
}

// LeaveGroup removes a member from a group.
func (e *Engine) LeaveGroup(groupID, memberID string) error {
	return e.consumers.LeaveGroup(groupID, memberID)
}

// DeleteGroup removes a group and its offsets.
func (e *Engine) DeleteGroup(groupID string) bool {
	return e.consumers.DeleteGroup(groupID)
}

// GetGroup returns a snapshot of one consumer group.
func (e *Engine) GetGroup(groupID string) (*consumer.Group, error) {
	return e.consumers.GetGroup(groupID)
}

// ListGroups returns snapshots of all consumer groups.
func (e *Engine) ListGroups() []*consumer.Group {
	return e.consumers.ListGroups()
}

// Consume reads the next messages for a group member. Zero fields in
// opts fall back to the engine's consumer config.
func (e *Engine) Consume(ctx context.Context, groupID, memberID string, opts consumer.ConsumeOptions) ([]*message.Message, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = e.cfg.Consumer.DefaultBatchSize
	}
	if opts.Wait == 0 {
		opts.Wait = e.cfg.Consumer.DefaultWait
	}
	if !e.cfg.Consumer.AutoCommit {
		opts.ManualCommit = true
	}
	return e.consumers.Consume(ctx, groupID, memberID, opts)
}

// CommitOffsets records next-to-read offsets for a group, capped at the
// current log length of each partition.
func (e *Engine) CommitOffsets(ctx context.Context, groupID string, offsets map[int]int64) error {
	return e.consumers.CommitOffsets(ctx, groupID, offsets)
}

// --- processor facade ---

// RegisterProcessor stores a processor definition.
func (e *Engine) RegisterProcessor(def processor.Definition) (string, error) {
	return e.processors.Register(def)
}

// StartProcessor launches a registered processor's workers. The workers
// run until StopProcessor or engine stop.
func (e *Engine) StartProcessor(ctx context.Context, id string) error {
	return e.processors.Start(ctx, id)
}

// StopProcessor halts a running processor.
func (e *Engine) StopProcessor(id string) error {
	return e.processors.Stop(id, e.cfg.ShutdownTimeout)
}

// EnableProcessor marks a processor startable.
func (e *Engine) EnableProcessor(id string) error {
	return e.processors.SetEnabled(id, true)
}

// DisableProcessor prevents future starts of a processor.
func (e *Engine) DisableProcessor(id string) error {
	return e.processors.SetEnabled(id, false)
}

// DeleteProcessor stops and removes a processor. Returns false when the
// id is unknown.
func (e *Engine) DeleteProcessor(id string) bool {
	return e.processors.Delete(id, e.cfg.ShutdownTimeout)
}

// GetProcessor returns one processor definition.
func (e *Engine) GetProcessor(id string) (*processor.Definition, error) {
	return e.processors.Get(id)
}

// ListProcessors returns all processor definitions.
func (e *Engine) ListProcessors() []*processor.Definition {
	return e.processors.List()
}

// --- metrics facade ---

// GetStreamMetrics returns the latest collected snapshot for a topic,
// computing one on demand when the collector has not visited it yet.
func (e *Engine) GetStreamMetrics(ctx context.Context, topic string) (*stream.Metrics, error) {
	return e.collector.topicMetrics(ctx, topic)
}

// GetAllMetrics returns the latest snapshot for every registered stream.
func (e *Engine) GetAllMetrics(ctx context.Context) ([]*stream.Metrics, error) {
	return e.collector.allMetrics(ctx)
}
