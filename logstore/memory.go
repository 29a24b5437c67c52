package logstore

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c360/streambus/errors"
)

// MemoryStore is a Store kept entirely in process memory. It honors the
// same visibility and ordering contract as the durable backends, which
// makes it suitable for embedding the engine without infrastructure and
// for tests. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	topics map[string][]*partitionLog
}

// partitionLog is one ordered sub-log. notify is closed and replaced on
// every append so blocked readers wake without polling.
type partitionLog struct {
	mu      sync.Mutex
	records []Record
	notify  chan struct{}
}

func newPartitionLog() *partitionLog {
	return &partitionLog{notify: make(chan struct{})}
}

// NewMemoryStore creates an empty in-memory log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{topics: make(map[string][]*partitionLog)}
}

// CreateTopic creates the topic if absent. TopicOptions are metadata only
// for this backend.
func (s *MemoryStore) CreateTopic(_ context.Context, topic string, partitions int, _ TopicOptions) error {
	if partitions <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("partitions must be positive, got %d", partitions),
			"MemoryStore", "CreateTopic", "validate partitions")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.topics[topic]; exists {
		return nil
	}

	logs := make([]*partitionLog, partitions)
	for i := range logs {
		logs[i] = newPartitionLog()
	}
	s.topics[topic] = logs
	return nil
}

// DeleteTopic removes the topic. Unknown topics are ignored.
func (s *MemoryStore) DeleteTopic(_ context.Context, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, exists := s.topics[topic]
	if !exists {
		return nil
	}

	// Wake any blocked readers so they observe the deletion as an empty
	// result rather than hanging.
	for _, pl := range logs {
		pl.mu.Lock()
		close(pl.notify)
		pl.notify = make(chan struct{})
		pl.mu.Unlock()
	}

	delete(s.topics, topic)
	return nil
}

// Append appends one record and returns its store-assigned id and offset.
func (s *MemoryStore) Append(_ context.Context, topic string, partition int, req AppendRequest) (string, int64, error) {
	pl, err := s.partition(topic, partition, "Append")
	if err != nil {
		return "", 0, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	rec := Record{
		ID:        ulid.Make().String(),
		Offset:    int64(len(pl.records)),
		Key:       req.Key,
		Value:     append([]byte(nil), req.Value...),
		Headers:   maps.Clone(req.Headers),
		Timestamp: ts,
	}
	pl.records = append(pl.records, rec)

	// Wake blocked readers.
	close(pl.notify)
	pl.notify = make(chan struct{})

	return rec.ID, rec.Offset, nil
}

// Read returns up to maxCount records from fromOffset, blocking up to
// blockTimeout when the partition has no new data.
func (s *MemoryStore) Read(ctx context.Context, topic string, partition int, fromOffset int64,
	maxCount int, blockTimeout time.Duration) ([]Record, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	if fromOffset < 0 {
		fromOffset = 0
	}

	deadline := time.Now().Add(blockTimeout)

	for {
		pl, err := s.partition(topic, partition, "Read")
		if err != nil {
			return nil, err
		}

		pl.mu.Lock()
		available := int64(len(pl.records)) - fromOffset
		if available > 0 {
			n := min(int(available), maxCount)
			out := make([]Record, n)
			copy(out, pl.records[fromOffset:fromOffset+int64(n)])
			pl.mu.Unlock()
			return out, nil
		}
		notify := pl.notify
		pl.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.WrapTransient(ctx.Err(), "MemoryStore", "Read", "wait for data")
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
			// New data or topic deletion; loop re-checks.
		}
	}
}

// Length returns the number of records in the partition.
func (s *MemoryStore) Length(_ context.Context, topic string, partition int) (int64, error) {
	pl, err := s.partition(topic, partition, "Length")
	if err != nil {
		return 0, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	return int64(len(pl.records)), nil
}

func (s *MemoryStore) partition(topic string, partition int, op string) (*partitionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs, exists := s.topics[topic]
	if !exists {
		return nil, errors.WrapNotFound(errors.ErrTopicNotFound, "MemoryStore", op, fmt.Sprintf("topic %q", topic))
	}
	if partition < 0 || partition >= len(logs) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("partition %d out of range [0,%d)", partition, len(logs)),
			"MemoryStore", op, "resolve partition")
	}
	return logs[partition], nil
}
