// Package kafkalog implements the log store on a Kafka-compatible broker
// (Kafka, Redpanda). Topics map one-to-one, offsets are the broker's own,
// and partition selection is fully manual since the engine has already
// chosen the partition.
package kafkalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
)

const (
	headerID = "streambus-id"

	errTopicAlreadyExists = 36
	errUnknownTopic       = 3
)

// Store is a logstore.Store backed by Kafka.
type Store struct {
	producer *kgo.Client
	brokers  []string
	clientID string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Store before it connects.
type Option func(*Store) error

// WithClientID sets the Kafka client id.
func WithClientID(id string) Option {
	return func(s *Store) error {
		if id == "" {
			return fmt.Errorf("client id must not be empty")
		}
		s.clientID = id
		return nil
	}
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// New connects a producer client to the brokers.
func New(brokers []string, opts ...Option) (*Store, error) {
	if len(brokers) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("at least one broker is required"), "kafkalog", "New", "validate brokers")
	}

	s := &Store{
		brokers:  brokers,
		clientID: "streambus",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapInvalid(err, "kafkalog", "New", "apply option")
		}
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(s.clientID),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RetryTimeout(20*time.Second),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "kafkalog", "New", "create producer client")
	}

	s.producer = producer
	s.logger.Info("kafka log store connected", "brokers", brokers)
	return s, nil
}

// Close shuts the producer client down.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.producer.Close()
	return nil
}

// CreateTopic creates the Kafka topic; an already-existing topic is fine.
func (s *Store) CreateTopic(ctx context.Context, topic string, partitions int, opts logstore.TopicOptions) error {
	if partitions <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("partitions must be positive, got %d", partitions),
			"kafkalog", "CreateTopic", "validate partitions")
	}

	replication := int16(1)
	if opts.ReplicationFactor > 0 {
		replication = int16(opts.ReplicationFactor)
	}

	reqTopic := kmsg.NewCreateTopicsRequestTopic()
	reqTopic.Topic = topic
	reqTopic.NumPartitions = int32(partitions)
	reqTopic.ReplicationFactor = replication
	if opts.RetentionHours > 0 {
		cfg := kmsg.NewCreateTopicsRequestTopicConfig()
		cfg.Name = "retention.ms"
		ms := fmt.Sprintf("%d", time.Duration(opts.RetentionHours)*time.Hour/time.Millisecond)
		cfg.Value = &ms
		reqTopic.Configs = append(reqTopic.Configs, cfg)
	}

	req := kmsg.NewCreateTopicsRequest()
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, s.producer)
	if err != nil {
		return errors.WrapTransient(err, "kafkalog", "CreateTopic", fmt.Sprintf("request create %q", topic))
	}
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorCode != errTopicAlreadyExists {
			return errors.WrapTransient(
				fmt.Errorf("broker rejected create of %q: error code %d", t.Topic, t.ErrorCode),
				"kafkalog", "CreateTopic", "check response")
		}
	}
	return nil
}

// DeleteTopic removes the topic; unknown topics are not an error.
func (s *Store) DeleteTopic(ctx context.Context, topic string) error {
	req := kmsg.NewDeleteTopicsRequest()
	req.TopicNames = []string{topic}
	reqTopic := kmsg.NewDeleteTopicsRequestTopic()
	reqTopic.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, s.producer)
	if err != nil {
		return errors.WrapTransient(err, "kafkalog", "DeleteTopic", fmt.Sprintf("request delete %q", topic))
	}
	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorCode != errUnknownTopic {
			return errors.WrapTransient(
				fmt.Errorf("broker rejected delete: error code %d", t.ErrorCode),
				"kafkalog", "DeleteTopic", "check response")
		}
	}
	return nil
}

// Append produces one record synchronously to the exact partition and
// returns the broker-assigned offset.
func (s *Store) Append(ctx context.Context, topic string, partition int, req logstore.AppendRequest) (string, int64, error) {
	id := ulid.Make().String()

	record := &kgo.Record{
		Topic:     topic,
		Partition: int32(partition),
		Key:       []byte(req.Key),
		Value:     req.Value,
		Headers:   []kgo.RecordHeader{{Key: headerID, Value: []byte(id)}},
	}
	for k, v := range req.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	result := s.producer.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return "", 0, errors.WrapTransient(err, "kafkalog", "Append",
			fmt.Sprintf("produce to %s[%d]", topic, partition))
	}

	produced, err := result.First()
	if err != nil {
		return "", 0, errors.WrapTransient(err, "kafkalog", "Append", "read produce result")
	}
	return id, produced.Offset, nil
}

// Read polls a short-lived consumer client pinned to the partition and
// offset. A fresh client per read keeps the store stateless at the cost
// of connection setup, which the engine's batch sizes amortize.
func (s *Store) Read(ctx context.Context, topic string, partition int, fromOffset int64,
	maxCount int, blockTimeout time.Duration) ([]logstore.Record, error) {

	if maxCount <= 0 {
		return nil, nil
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.brokers...),
		kgo.ClientID(s.clientID),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			topic: {int32(partition): kgo.NewOffset().At(fromOffset)},
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "kafkalog", "Read", "create consumer client")
	}
	defer consumer.Close()

	pollCtx := ctx
	if blockTimeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, blockTimeout)
		defer cancel()
	} else {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, time.Second)
		defer cancel()
	}

	var records []logstore.Record
	for len(records) < maxCount {
		fetches := consumer.PollRecords(pollCtx, maxCount-len(records))
		if fetches.IsClientClosed() {
			break
		}
		if err := firstFetchError(fetches); err != nil {
			if pollCtx.Err() != nil {
				break
			}
			return nil, errors.WrapTransient(err, "kafkalog", "Read",
				fmt.Sprintf("poll %s[%d]", topic, partition))
		}

		empty := true
		fetches.EachRecord(func(r *kgo.Record) {
			empty = false
			records = append(records, kafkaRecord(r))
		})
		if empty || pollCtx.Err() != nil {
			break
		}
	}
	return records, nil
}

// Length asks the broker for the partition's end offset.
func (s *Store) Length(ctx context.Context, topic string, partition int) (int64, error) {
	reqPartition := kmsg.NewListOffsetsRequestTopicPartition()
	reqPartition.Partition = int32(partition)
	reqPartition.Timestamp = -1 // end offset

	reqTopic := kmsg.NewListOffsetsRequestTopic()
	reqTopic.Topic = topic
	reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)

	req := kmsg.NewListOffsetsRequest()
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, s.producer)
	if err != nil {
		return 0, errors.WrapTransient(err, "kafkalog", "Length",
			fmt.Sprintf("list offsets for %s[%d]", topic, partition))
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode == errUnknownTopic {
				return 0, errors.WrapNotFound(errors.ErrTopicNotFound, "kafkalog", "Length",
					fmt.Sprintf("%s[%d]", topic, partition))
			}
			if p.ErrorCode != 0 {
				return 0, errors.WrapTransient(
					fmt.Errorf("broker error code %d", p.ErrorCode),
					"kafkalog", "Length", "check response")
			}
			return p.Offset, nil
		}
	}
	return 0, errors.WrapNotFound(errors.ErrTopicNotFound, "kafkalog", "Length",
		fmt.Sprintf("%s[%d]", topic, partition))
}

func kafkaRecord(r *kgo.Record) logstore.Record {
	rec := logstore.Record{
		Offset:    r.Offset,
		Key:       string(r.Key),
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		if h.Key == headerID {
			rec.ID = string(h.Value)
			continue
		}
		rec.Headers[h.Key] = string(h.Value)
	}
	return rec
}

func firstFetchError(fetches kgo.Fetches) error {
	for _, fe := range fetches.Errors() {
		if fe.Err != nil {
			return fmt.Errorf("fetch %s[%d]: %w", fe.Topic, fe.Partition, fe.Err)
		}
	}
	return nil
}
