// Package processor runs named stream processors: background loops that
// consume one or more input topics through dedicated consumer groups,
// apply a logic function, and produce the results to the output topics.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streambus/consumer"
	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/message"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/producer"
	"github.com/c360/streambus/stream"
)

// ConfigSource resolves the stream config owning a topic.
type ConfigSource interface {
	GetByTopic(topic string) (*stream.Config, error)
}

// HeaderProcessorID names the header stamped on every message a
// processor publishes, carrying the id of the processor that derived it.
const HeaderProcessorID = "Streambus-Processor"

// Definition describes one processor. Every topic in InputTopics and
// OutputTopics must exist as a stream; Logic names a registered logic
// function.
type Definition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	InputTopics  []string  `json:"inputTopics"`
	OutputTopics []string  `json:"outputTopics"`
	Logic        string    `json:"logic"`
	Parallelism  int       `json:"parallelism"`
	Enabled      bool      `json:"enabled"`
	Running      bool      `json:"running"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (d *Definition) clone() *Definition {
	out := *d
	out.InputTopics = slices.Clone(d.InputTopics)
	out.OutputTopics = slices.Clone(d.OutputTopics)
	return &out
}

type instance struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logicMu sync.Mutex
	logic   Logic
}

// Manager registers processor definitions and runs their loops. Each
// running processor consumes every input topic through a consumer group
// "processor-<id>-<topic>" with one group member per parallelism slot.
// Offsets are committed only after the tick's outputs are produced.
type Manager struct {
	mu      sync.Mutex
	defs    map[string]*Definition
	running map[string]*instance

	configs   ConfigSource
	consumers *consumer.Manager
	producers *producer.Producer
	logger    *slog.Logger
	metrics   *metric.Metrics

	tickInterval time.Duration
	batchSize    int
}

// Option configures a Manager.
type Option func(*Manager)

// WithTickInterval overrides the poll interval of processor loops.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) { m.tickInterval = d }
}

// WithBatchSize caps how many messages one tick pulls per worker.
func WithBatchSize(n int) Option {
	return func(m *Manager) { m.batchSize = n }
}

// NewManager creates a processor manager.
func NewManager(configs ConfigSource, consumers *consumer.Manager, producers *producer.Producer, logger *slog.Logger, metrics *metric.Metrics, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		defs:         make(map[string]*Definition),
		running:      make(map[string]*instance),
		configs:      configs,
		consumers:    consumers,
		producers:    producers,
		logger:       logger,
		metrics:      metrics,
		tickInterval: time.Second,
		batchSize:    100,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register validates and stores a definition. The processor is not
// started; call Start for that.
func (m *Manager) Register(def Definition) (string, error) {
	if len(def.InputTopics) == 0 {
		return "", errors.WrapInvalid(
			fmt.Errorf("at least one input topic is required"), "Manager", "Register", "validate definition")
	}
	if def.Logic == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("logic name must not be empty"), "Manager", "Register", "validate definition")
	}
	for _, topic := range def.InputTopics {
		if _, err := m.configs.GetByTopic(topic); err != nil {
			return "", errors.Wrap(err, "Manager", "Register", fmt.Sprintf("resolve input topic %q", topic))
		}
	}
	for _, topic := range def.OutputTopics {
		if _, err := m.configs.GetByTopic(topic); err != nil {
			return "", errors.Wrap(err, "Manager", "Register", fmt.Sprintf("resolve output topic %q", topic))
		}
	}

	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if def.Parallelism <= 0 {
		def.Parallelism = 1
	}
	def.Running = false
	def.CreatedAt = time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[def.ID]; exists {
		return "", errors.WrapInvalid(
			fmt.Errorf("processor id %q already exists", def.ID),
			"Manager", "Register", "check id uniqueness")
	}
	m.defs[def.ID] = &def

	m.logger.Info("processor registered",
		"processor", def.ID,
		"name", def.Name,
		"inputs", def.InputTopics,
		"outputs", def.OutputTopics,
		"logic", def.Logic)
	return def.ID, nil
}

// Get returns a copy of one definition.
func (m *Manager) Get(id string) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, exists := m.defs[id]
	if !exists {
		return nil, errors.WrapNotFound(errors.ErrProcessorNotFound, "Manager", "Get", fmt.Sprintf("id %q", id))
	}
	return def.clone(), nil
}

// List returns copies of all definitions.
func (m *Manager) List() []*Definition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Definition, 0, len(m.defs))
	for _, def := range m.defs {
		out = append(out, def.clone())
	}
	return out
}

// SetEnabled flips a processor's enabled flag. Disabling does not stop a
// running processor; use Stop.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	def, exists := m.defs[id]
	if !exists {
		return errors.WrapNotFound(errors.ErrProcessorNotFound, "Manager", "SetEnabled", fmt.Sprintf("id %q", id))
	}
	def.Enabled = enabled
	return nil
}

// Start launches the processor's worker loops. Each worker joins the
// processor's consumer group, so partitions of the input topic are split
// across workers.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.mu.Lock()
	def, exists := m.defs[id]
	if !exists {
		m.mu.Unlock()
		return errors.WrapNotFound(errors.ErrProcessorNotFound, "Manager", "Start", fmt.Sprintf("id %q", id))
	}
	if !def.Enabled {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrProcessorDisabled, "Manager", "Start", fmt.Sprintf("id %q", id))
	}
	if _, alreadyRunning := m.running[id]; alreadyRunning {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", fmt.Sprintf("id %q", id))
	}

	for _, topic := range def.InputTopics {
		if err := m.consumers.CreateGroup(GroupID(id, topic), topic); err != nil {
			m.mu.Unlock()
			return errors.Wrap(err, "Manager", "Start", fmt.Sprintf("create group for %q", topic))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &instance{
		cancel: cancel,
		logic:  NewLogic(def.Logic),
	}
	m.running[id] = inst
	def.Running = true

	d := def.clone()
	for w := 0; w < d.Parallelism; w++ {
		member := fmt.Sprintf("%s-worker-%d", d.ID, w)
		inst.wg.Add(1)
		go m.runWorker(runCtx, inst, d, member)
	}
	m.mu.Unlock()

	m.logger.Info("processor started",
		"processor", id,
		"inputs", d.InputTopics,
		"workers", d.Parallelism)
	return nil
}

// Stop cancels the processor's workers and waits up to timeout for them
// to drain.
func (m *Manager) Stop(id string, timeout time.Duration) error {
	m.mu.Lock()
	inst, running := m.running[id]
	if !running {
		m.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Manager", "Stop", fmt.Sprintf("id %q", id))
	}
	delete(m.running, id)
	if def, exists := m.defs[id]; exists {
		def.Running = false
	}
	m.mu.Unlock()

	inst.cancel()

	done := make(chan struct{})
	go func() {
		inst.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("processor stopped", "processor", id)
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("workers did not drain within %s", timeout),
			"Manager", "Stop", fmt.Sprintf("id %q", id))
	}
}

// StopForTopic stops every running processor reading from or writing to
// the topic. Used by the engine when a stream is deleted.
func (m *Manager) StopForTopic(topic string, timeout time.Duration) int {
	m.mu.Lock()
	var ids []string
	for id, def := range m.defs {
		if _, running := m.running[id]; !running {
			continue
		}
		if slices.Contains(def.InputTopics, topic) || slices.Contains(def.OutputTopics, topic) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id, timeout); err != nil {
			m.logger.Warn("stopping processor for topic failed", "processor", id, "topic", topic, "error", err)
		}
	}
	return len(ids)
}

// Delete stops the processor if running and removes its definition and
// consumer group. Returns false when the id is unknown.
func (m *Manager) Delete(id string, timeout time.Duration) bool {
	m.mu.Lock()
	def, exists := m.defs[id]
	_, running := m.running[id]
	var inputs []string
	if exists {
		inputs = slices.Clone(def.InputTopics)
	}
	m.mu.Unlock()
	if !exists {
		return false
	}

	if running {
		if err := m.Stop(id, timeout); err != nil {
			m.logger.Warn("stopping processor before delete failed", "processor", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.defs, id)
	m.mu.Unlock()

	for _, topic := range inputs {
		m.consumers.DeleteGroup(GroupID(id, topic))
	}
	m.logger.Info("processor deleted", "processor", id)
	return true
}

// StopAll stops every running processor.
func (m *Manager) StopAll(timeout time.Duration) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(id, timeout); err != nil {
			m.logger.Warn("stopping processor failed", "processor", id, "error", err)
		}
	}
}

// GroupID returns the consumer group a processor reads a topic through.
func GroupID(processorID, topic string) string {
	return "processor-" + processorID + "-" + topic
}

func (m *Manager) runWorker(ctx context.Context, inst *instance, def *Definition, member string) {
	defer inst.wg.Done()

	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx, inst, def, member)
		}
	}
}

// tick pulls one batch per input topic without committing, applies the
// logic, and publishes the results to every output topic. Offsets are
// committed only after the publish succeeds, so a failed produce leaves
// the batch in place for the next tick instead of dropping it.
func (m *Manager) tick(ctx context.Context, inst *instance, def *Definition, member string) {
	var batch []*message.Message
	consumed := make(map[string][]*message.Message, len(def.InputTopics))

	for _, topic := range def.InputTopics {
		group := GroupID(def.ID, topic)
		msgs, err := m.consumers.Consume(ctx, group, member, consumer.ConsumeOptions{
			BatchSize:    m.batchSize,
			Wait:         consumer.NoWait,
			ManualCommit: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.metrics.RecordProcessorTick(def.ID, "error")
			m.metrics.RecordError("processor", errors.Classify(err).String())
			m.logger.Warn("processor consume failed", "processor", def.ID, "input", topic, "error", err)
			return
		}
		if len(msgs) > 0 {
			consumed[group] = msgs
			batch = append(batch, msgs...)
		}
	}
	if len(batch) == 0 {
		m.metrics.RecordProcessorTick(def.ID, "empty")
		return
	}

	outputs, err := m.process(inst, batch)
	if err != nil {
		m.metrics.RecordProcessorTick(def.ID, "error")
		m.metrics.RecordError("processor", "logic")
		m.logger.Error("processor logic failed",
			"processor", def.ID, "logic", def.Logic, "batch", len(batch), "error", err)
		return
	}

	for i := range outputs {
		headers := outputs[i].Headers.Clone()
		if headers == nil {
			headers = message.Headers{}
		}
		headers[HeaderProcessorID] = def.ID
		outputs[i].Headers = headers
	}

	if len(outputs) > 0 {
		for _, topic := range def.OutputTopics {
			res, err := m.producers.Produce(ctx, topic, outputs)
			if err != nil {
				m.metrics.RecordProcessorTick(def.ID, "error")
				m.metrics.RecordError("processor", errors.Classify(err).String())
				m.logger.Error("processor produce failed",
					"processor", def.ID, "output", topic, "error", err)
				return
			}
			if len(res.Errors) > 0 {
				m.logger.Warn("processor outputs partially rejected",
					"processor", def.ID, "output", topic, "rejected", len(res.Errors))
			}
		}
	}

	for group, msgs := range consumed {
		if err := m.consumers.CommitOffsets(ctx, group, consumer.NextOffsets(msgs)); err != nil {
			m.logger.Warn("processor commit failed", "processor", def.ID, "group", group, "error", err)
		}
	}

	m.metrics.RecordProcessorTick(def.ID, "processed")
	m.logger.Debug("processor tick",
		"processor", def.ID, "consumed", len(batch), "produced", len(outputs))
}

// process serializes logic invocations so stateful logics stay race-free
// across parallel workers.
func (m *Manager) process(inst *instance, batch []*message.Message) ([]producer.Input, error) {
	inst.logicMu.Lock()
	defer inst.logicMu.Unlock()
	return inst.logic.Process(batch)
}

// SeedDefinitions returns the built-in processors registered at startup.
// They ship disabled; operators enable and start the ones they want.
func SeedDefinitions() []Definition {
	return []Definition{
		{
			ID:           "proc-order-aggregator",
			Name:         "Order Aggregator",
			InputTopics:  []string{"orders"},
			OutputTopics: []string{"analytics"},
			Logic:        "aggregateOrdersByCustomer",
			Parallelism:  2,
			Enabled:      false,
		},
		{
			ID:           "proc-inventory-monitor",
			Name:         "Inventory Monitor",
			InputTopics:  []string{"inventory"},
			OutputTopics: []string{"analytics"},
			Logic:        "checkInventoryLevels",
			Parallelism:  1,
			Enabled:      false,
		},
		{
			ID:           "proc-fraud-detector",
			Name:         "Fraud Detector",
			InputTopics:  []string{"orders"},
			OutputTopics: []string{"analytics"},
			Logic:        "detectFraudulentOrders",
			Parallelism:  1,
			Enabled:      false,
		},
	}
}

// Seed registers the built-in definitions, skipping ids that already
// exist.
func (m *Manager) Seed() error {
	for _, def := range SeedDefinitions() {
		m.mu.Lock()
		_, exists := m.defs[def.ID]
		m.mu.Unlock()
		if exists {
			continue
		}
		if _, err := m.Register(def); err != nil {
			return errors.Wrap(err, "Manager", "Seed", fmt.Sprintf("register %q", def.ID))
		}
	}
	return nil
}
