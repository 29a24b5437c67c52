// Package stream holds the engine's stream model: stream configuration,
// schemas with field coercion, the transform/filter pipeline and the key
// partitioner.
package stream

import (
	"fmt"
	"slices"

	"github.com/c360/streambus/errors"
)

// Type is the informational role tag of a stream.
type Type string

// Stream role tags.
const (
	TypeProducer  Type = "producer"
	TypeConsumer  Type = "consumer"
	TypeProcessor Type = "processor"
)

// Compression names the compression codec requested for the underlying log
// topic. The engine does not compress; the value is passed through to the
// log store.
type Compression string

// Compression codecs accepted at stream creation.
const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionLZ4    Compression = "lz4"
	CompressionSnappy Compression = "snappy"
)

// Config describes one stream. Partition count is fixed at creation; the
// only mutable field after creation is Enabled.
type Config struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Type              Type             `json:"type"`
	Topic             string           `json:"topic"`
	Partitions        int              `json:"partitions"`
	ReplicationFactor int              `json:"replicationFactor"`
	RetentionHours    int              `json:"retentionHours"`
	Compression       Compression      `json:"compression"`
	Enabled           bool             `json:"enabled"`
	Schema            *Schema          `json:"schema,omitempty"`
	Transformations   []Transformation `json:"transformations,omitempty"`
	Filters           []Filter         `json:"filters,omitempty"`
}

var validTypes = []Type{TypeProducer, TypeConsumer, TypeProcessor}

var validCompressions = []Compression{
	CompressionNone, CompressionGzip, CompressionLZ4, CompressionSnappy,
}

// Validate checks the structural constraints a config must satisfy before
// the registry accepts it.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return errors.WrapInvalid(
			fmt.Errorf("topic must not be empty"),
			"Config", "Validate", "check topic")
	}
	if c.Partitions <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("partitions must be positive, got %d", c.Partitions),
			"Config", "Validate", "check partitions")
	}
	if c.Type != "" && !slices.Contains(validTypes, c.Type) {
		return errors.WrapInvalid(
			fmt.Errorf("unknown stream type %q", c.Type),
			"Config", "Validate", "check type")
	}
	if c.Compression != "" && !slices.Contains(validCompressions, c.Compression) {
		return errors.WrapInvalid(
			fmt.Errorf("unknown compression %q", c.Compression),
			"Config", "Validate", "check compression")
	}
	for i, f := range c.Filters {
		if err := f.Validate(); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", fmt.Sprintf("check filter %d", i))
		}
	}
	return nil
}

// Clone returns a deep enough copy for callers to read without holding the
// registry lock. Schema and pipeline steps are immutable after creation so
// the slices are copied shallowly.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Transformations = slices.Clone(c.Transformations)
	out.Filters = slices.Clone(c.Filters)
	return &out
}
