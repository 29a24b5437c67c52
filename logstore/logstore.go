// Package logstore defines the boundary to the durable, ordered log that
// physically persists records, plus an in-memory implementation used for
// embedding and tests. Per partition, offsets are strictly increasing and
// reads are offset-ordered; the engine assumes at-least-once delivery from
// any implementation.
package logstore

import (
	"context"
	"time"
)

// Record is one entry of a partition log as returned by Read.
type Record struct {
	ID        string
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// AppendRequest carries the payload for one append.
type AppendRequest struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// TopicOptions is creation-time metadata passed through to the store.
// Implementations map what they can and ignore the rest.
type TopicOptions struct {
	ReplicationFactor int
	RetentionHours    int
	Compression       string
}

// Store is the external ordered log service the engine appends to and reads
// from. A message is visible to consumers only after Append has returned.
type Store interface {
	// CreateTopic creates the topic with the given partition count.
	// Creation is idempotent: an existing topic is not an error.
	CreateTopic(ctx context.Context, topic string, partitions int, opts TopicOptions) error

	// DeleteTopic removes the topic and all its partitions. Deleting an
	// unknown topic is not an error.
	DeleteTopic(ctx context.Context, topic string) error

	// Append durably appends one record and returns the record id assigned
	// by the store and the record's offset within the partition.
	Append(ctx context.Context, topic string, partition int, req AppendRequest) (string, int64, error)

	// Read returns up to maxCount records starting at fromOffset, blocking
	// up to blockTimeout for new data when the partition has none. An empty
	// result after the timeout is not an error.
	Read(ctx context.Context, topic string, partition int, fromOffset int64,
		maxCount int, blockTimeout time.Duration) ([]Record, error)

	// Length returns the number of records appended to the partition, which
	// is also the offset the next append will receive.
	Length(ctx context.Context, topic string, partition int) (int64, error)
}
