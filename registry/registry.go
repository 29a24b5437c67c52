// Package registry owns the lifecycle of stream configurations and the
// underlying log topics: create, lookup, list, enable/disable, delete, and
// seeding of the built-in default streams.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/stream"
)

// Registry is the authoritative table of stream configs. Configs are
// immutable after creation except for the Enabled flag.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*stream.Config // by stream id
	byTopic map[string]string         // topic -> stream id

	store  logstore.Store
	logger *slog.Logger
}

// New creates an empty registry backed by the given log store.
func New(store logstore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		streams: make(map[string]*stream.Config),
		byTopic: make(map[string]string),
		store:   store,
		logger:  logger,
	}
}

// CreateStream validates and stores the config, creating the underlying
// log topic if absent (topic creation is idempotent). Returns the stream
// id, generating one when the config carries none.
func (r *Registry) CreateStream(ctx context.Context, cfg *stream.Config) (string, error) {
	if cfg == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("config must not be nil"), "Registry", "CreateStream", "validate config")
	}
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	c := cfg.Clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Compression == "" {
		c.Compression = stream.CompressionNone
	}

	r.mu.Lock()
	if _, exists := r.streams[c.ID]; exists {
		r.mu.Unlock()
		return "", errors.WrapInvalid(
			fmt.Errorf("stream id %q already exists", c.ID),
			"Registry", "CreateStream", "check id uniqueness")
	}
	if ownerID, exists := r.byTopic[c.Topic]; exists {
		r.mu.Unlock()
		return "", errors.WrapInvalid(
			fmt.Errorf("topic %q already owned by stream %q", c.Topic, ownerID),
			"Registry", "CreateStream", "check topic uniqueness")
	}
	r.streams[c.ID] = c
	r.byTopic[c.Topic] = c.ID
	r.mu.Unlock()

	err := r.store.CreateTopic(ctx, c.Topic, c.Partitions, logstore.TopicOptions{
		ReplicationFactor: c.ReplicationFactor,
		RetentionHours:    c.RetentionHours,
		Compression:       string(c.Compression),
	})
	if err != nil {
		r.mu.Lock()
		delete(r.streams, c.ID)
		delete(r.byTopic, c.Topic)
		r.mu.Unlock()
		return "", errors.WrapTransient(err, "Registry", "CreateStream", "create log topic")
	}

	r.logger.Info("stream created",
		"stream", c.ID,
		"topic", c.Topic,
		"partitions", c.Partitions)

	return c.ID, nil
}

// GetStream returns the config for a stream id.
func (r *Registry) GetStream(id string) (*stream.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.streams[id]
	if !exists {
		return nil, errors.WrapNotFound(errors.ErrStreamNotFound, "Registry", "GetStream", fmt.Sprintf("id %q", id))
	}
	return c.Clone(), nil
}

// GetByTopic returns the config owning a topic.
func (r *Registry) GetByTopic(topic string) (*stream.Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byTopic[topic]
	if !exists {
		return nil, errors.WrapNotFound(errors.ErrStreamNotFound, "Registry", "GetByTopic", fmt.Sprintf("topic %q", topic))
	}
	return r.streams[id].Clone(), nil
}

// PartitionsOf returns the partition count of a topic.
func (r *Registry) PartitionsOf(topic string) (int, error) {
	cfg, err := r.GetByTopic(topic)
	if err != nil {
		return 0, err
	}
	return cfg.Partitions, nil
}

// ListStreams returns all configs.
func (r *Registry) ListStreams() []*stream.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*stream.Config, 0, len(r.streams))
	for _, c := range r.streams {
		out = append(out, c.Clone())
	}
	return out
}

// SetEnabled flips the only mutable field of a stream config. Disabled
// streams reject produce and consume.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.streams[id]
	if !exists {
		return errors.WrapNotFound(errors.ErrStreamNotFound, "Registry", "SetEnabled", fmt.Sprintf("id %q", id))
	}
	c.Enabled = enabled

	r.logger.Info("stream enabled flag changed", "stream", id, "topic", c.Topic, "enabled", enabled)
	return nil
}

// DeleteStream removes the config and deletes the underlying log topic.
// Returns false when the id is unknown. Cascading teardown of processors
// and metrics is the engine's responsibility; the registry only owns the
// config and the topic.
func (r *Registry) DeleteStream(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	c, exists := r.streams[id]
	if !exists {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.streams, id)
	delete(r.byTopic, c.Topic)
	r.mu.Unlock()

	if err := r.store.DeleteTopic(ctx, c.Topic); err != nil {
		return true, errors.WrapTransient(err, "Registry", "DeleteStream", "delete log topic")
	}

	r.logger.Info("stream deleted", "stream", id, "topic", c.Topic)
	return true, nil
}

// Seed creates the built-in default streams. Seeding is idempotent:
// streams whose topic already exists are left untouched.
func (r *Registry) Seed(ctx context.Context) error {
	for _, cfg := range DefaultStreams() {
		if _, err := r.GetByTopic(cfg.Topic); err == nil {
			continue
		}
		if _, err := r.CreateStream(ctx, cfg); err != nil {
			return errors.Wrap(err, "Registry", "Seed", fmt.Sprintf("seed stream %q", cfg.Topic))
		}
	}
	return nil
}

// DefaultStreams returns the built-in stream set seeded at process start:
// a strict orders topic gated on positive amounts, an inventory topic with
// warehouse enrichment, and a best-effort analytics topic.
func DefaultStreams() []*stream.Config {
	return []*stream.Config{
		{
			ID:                "stream-orders",
			Name:              "Order Events",
			Type:              stream.TypeProducer,
			Topic:             "orders",
			Partitions:        3,
			ReplicationFactor: 2,
			RetentionHours:    168,
			Compression:       stream.CompressionSnappy,
			Enabled:           true,
			Schema: &stream.Schema{
				Version: 1,
				Strict:  true,
				Fields: []stream.Field{
					{Name: "id", Type: stream.FieldString, Required: true},
					{Name: "customerId", Type: stream.FieldString, Required: true},
					{Name: "amount", Type: stream.FieldNumber, Required: true},
					{Name: "items", Type: stream.FieldArray},
					{Name: "status", Type: stream.FieldString, DefaultValue: "pending"},
				},
			},
			Filters: []stream.Filter{
				{Field: "amount", Operator: stream.OpGt, Value: 0, Enabled: true},
			},
		},
		{
			ID:                "stream-inventory",
			Name:              "Inventory Movements",
			Type:              stream.TypeProducer,
			Topic:             "inventory",
			Partitions:        2,
			ReplicationFactor: 2,
			RetentionHours:    72,
			Compression:       stream.CompressionLZ4,
			Enabled:           true,
			Transformations: []stream.Transformation{
				{Type: stream.TransformEnrich, Field: "warehouse", Expression: "warehouseId", Enabled: true},
			},
			Filters: []stream.Filter{
				{Field: "quantity", Operator: stream.OpNe, Value: 0, Enabled: true},
			},
		},
		{
			ID:             "stream-analytics",
			Name:           "Analytics Events",
			Type:           stream.TypeConsumer,
			Topic:          "analytics",
			Partitions:     4,
			RetentionHours: 24,
			Compression:    stream.CompressionNone,
			Enabled:        true,
			Schema: &stream.Schema{
				Version: 1,
				Strict:  false,
				Fields: []stream.Field{
					{Name: "type", Type: stream.FieldString},
					{Name: "timestamp", Type: stream.FieldString},
				},
			},
		},
	}
}
