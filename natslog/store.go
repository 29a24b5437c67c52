// Package natslog implements the log store on NATS JetStream. Each topic
// partition maps to one JetStream stream; a record's offset is its
// JetStream sequence minus one, so offsets start at zero like every other
// backend.
package natslog

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/oklog/ulid/v2"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
)

const (
	headerID  = "Streambus-Id"
	headerKey = "Streambus-Key"

	// pollInterval paces blocking reads while waiting for new records.
	pollInterval = 50 * time.Millisecond
)

// Store is a logstore.Store backed by JetStream.
type Store struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	url            string
	connectTimeout time.Duration
	reconnectWait  time.Duration
	maxReconnects  int
	clientName     string
	replicas       int

	mu         sync.RWMutex
	partitions map[string]int // topic -> partition count
	closed     bool
}

// Option configures a Store before it connects.
type Option func(*Store) error

// WithConnectTimeout bounds the initial connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Store) error {
		if d <= 0 {
			return fmt.Errorf("connect timeout must be positive")
		}
		s.connectTimeout = d
		return nil
	}
}

// WithReconnect tunes the reconnect behavior (-1 attempts means forever).
func WithReconnect(wait time.Duration, maxAttempts int) Option {
	return func(s *Store) error {
		s.reconnectWait = wait
		s.maxReconnects = maxAttempts
		return nil
	}
}

// WithClientName sets the connection name visible in NATS monitoring.
func WithClientName(name string) Option {
	return func(s *Store) error {
		s.clientName = name
		return nil
	}
}

// WithReplicas sets the JetStream replica count for new topic streams.
func WithReplicas(n int) Option {
	return func(s *Store) error {
		if n < 1 || n > 5 {
			return fmt.Errorf("replicas must be in [1,5], got %d", n)
		}
		s.replicas = n
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

// New connects to NATS and verifies JetStream is available.
func New(url string, opts ...Option) (*Store, error) {
	s := &Store{
		url:            url,
		connectTimeout: 5 * time.Second,
		reconnectWait:  2 * time.Second,
		maxReconnects:  -1,
		clientName:     "streambus",
		replicas:       1,
		logger:         slog.Default(),
		partitions:     make(map[string]int),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, errors.WrapInvalid(err, "natslog", "New", "apply option")
		}
	}

	conn, err := nats.Connect(url,
		nats.Name(s.clientName),
		nats.Timeout(s.connectTimeout),
		nats.ReconnectWait(s.reconnectWait),
		nats.MaxReconnects(s.maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.WrapTransient(err, "natslog", "New", fmt.Sprintf("connect %q", url))
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "natslog", "New", "initialize jetstream")
	}

	s.conn = conn
	s.js = js
	s.logger.Info("nats log store connected", "url", url)
	return s, nil
}

// Close drains the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return errors.WrapTransient(err, "natslog", "Close", "drain connection")
	}
	return nil
}

// CreateTopic provisions one JetStream stream per partition. Existing
// streams are updated in place, keeping creation idempotent.
func (s *Store) CreateTopic(ctx context.Context, topic string, partitions int, opts logstore.TopicOptions) error {
	if partitions <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("partitions must be positive, got %d", partitions),
			"natslog", "CreateTopic", "validate partitions")
	}

	replicas := s.replicas
	if opts.ReplicationFactor > 0 {
		replicas = opts.ReplicationFactor
	}
	var maxAge time.Duration
	if opts.RetentionHours > 0 {
		maxAge = time.Duration(opts.RetentionHours) * time.Hour
	}

	for p := 0; p < partitions; p++ {
		cfg := jetstream.StreamConfig{
			Name:      streamName(topic, p),
			Subjects:  []string{subjectName(topic, p)},
			Retention: jetstream.LimitsPolicy,
			Storage:   jetstream.FileStorage,
			Replicas:  replicas,
			MaxAge:    maxAge,
		}
		if _, err := s.js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return errors.WrapTransient(err, "natslog", "CreateTopic",
				fmt.Sprintf("create stream for %s[%d]", topic, p))
		}
	}

	s.mu.Lock()
	s.partitions[topic] = partitions
	s.mu.Unlock()
	return nil
}

// DeleteTopic removes every partition stream. Unknown topics are not an
// error.
func (s *Store) DeleteTopic(ctx context.Context, topic string) error {
	s.mu.Lock()
	partitions := s.partitions[topic]
	delete(s.partitions, topic)
	s.mu.Unlock()

	for p := 0; p < partitions; p++ {
		err := s.js.DeleteStream(ctx, streamName(topic, p))
		if err != nil && !stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return errors.WrapTransient(err, "natslog", "DeleteTopic",
				fmt.Sprintf("delete stream for %s[%d]", topic, p))
		}
	}
	return nil
}

// Append publishes one record and derives its offset from the JetStream
// acknowledgment.
func (s *Store) Append(ctx context.Context, topic string, partition int, req logstore.AppendRequest) (string, int64, error) {
	if err := s.checkPartition(topic, partition, "Append"); err != nil {
		return "", 0, err
	}

	id := ulid.Make().String()
	header := nats.Header{}
	header.Set(headerID, id)
	if req.Key != "" {
		header.Set(headerKey, req.Key)
	}
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	ack, err := s.js.PublishMsg(ctx, &nats.Msg{
		Subject: subjectName(topic, partition),
		Data:    req.Value,
		Header:  header,
	})
	if err != nil {
		return "", 0, errors.WrapTransient(err, "natslog", "Append",
			fmt.Sprintf("publish to %s[%d]", topic, partition))
	}

	return id, int64(ack.Sequence) - 1, nil
}

// Read fetches records by direct sequence lookup, polling up to
// blockTimeout when the partition has nothing past fromOffset.
func (s *Store) Read(ctx context.Context, topic string, partition int, fromOffset int64,
	maxCount int, blockTimeout time.Duration) ([]logstore.Record, error) {

	if err := s.checkPartition(topic, partition, "Read"); err != nil {
		return nil, err
	}
	if maxCount <= 0 {
		return nil, nil
	}

	stream, err := s.js.Stream(ctx, streamName(topic, partition))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, errors.WrapNotFound(errors.ErrTopicNotFound, "natslog", "Read",
				fmt.Sprintf("%s[%d]", topic, partition))
		}
		return nil, errors.WrapTransient(err, "natslog", "Read", "resolve stream")
	}

	deadline := time.Now().Add(blockTimeout)
	for {
		records, err := s.readAvailable(ctx, stream, fromOffset, maxCount)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 || time.Now().After(deadline) {
			return records, nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.WrapTransient(ctx.Err(), "natslog", "Read", "wait for records")
		case <-timer.C:
		}
	}
}

func (s *Store) readAvailable(ctx context.Context, stream jetstream.Stream, fromOffset int64, maxCount int) ([]logstore.Record, error) {
	var records []logstore.Record
	for seq := uint64(fromOffset + 1); len(records) < maxCount; seq++ {
		raw, err := stream.GetMsg(ctx, seq)
		if err != nil {
			if stderrors.Is(err, jetstream.ErrMsgNotFound) {
				break
			}
			return nil, errors.WrapTransient(err, "natslog", "Read",
				fmt.Sprintf("get message at sequence %d", seq))
		}

		headers := make(map[string]string)
		for k := range raw.Header {
			if k == headerID || k == headerKey {
				continue
			}
			headers[k] = raw.Header.Get(k)
		}
		records = append(records, logstore.Record{
			ID:        raw.Header.Get(headerID),
			Offset:    int64(raw.Sequence) - 1,
			Key:       raw.Header.Get(headerKey),
			Value:     raw.Data,
			Headers:   headers,
			Timestamp: raw.Time,
		})
	}
	return records, nil
}

// Length reports the next offset to be assigned, from the stream's last
// sequence.
func (s *Store) Length(ctx context.Context, topic string, partition int) (int64, error) {
	if err := s.checkPartition(topic, partition, "Length"); err != nil {
		return 0, err
	}

	stream, err := s.js.Stream(ctx, streamName(topic, partition))
	if err != nil {
		if stderrors.Is(err, jetstream.ErrStreamNotFound) {
			return 0, errors.WrapNotFound(errors.ErrTopicNotFound, "natslog", "Length",
				fmt.Sprintf("%s[%d]", topic, partition))
		}
		return 0, errors.WrapTransient(err, "natslog", "Length", "resolve stream")
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return 0, errors.WrapTransient(err, "natslog", "Length", "read stream info")
	}
	return int64(info.State.LastSeq), nil
}

func (s *Store) checkPartition(topic string, partition int, op string) error {
	s.mu.RLock()
	partitions, known := s.partitions[topic]
	s.mu.RUnlock()

	if known && (partition < 0 || partition >= partitions) {
		return errors.WrapInvalid(
			fmt.Errorf("partition %d out of range [0,%d)", partition, partitions),
			"natslog", op, "check partition")
	}
	return nil
}

// streamName builds the JetStream stream name for one topic partition.
// JetStream forbids dots and wildcards in stream names.
func streamName(topic string, partition int) string {
	return fmt.Sprintf("STREAMBUS_%s_P%d", sanitize(topic), partition)
}

func subjectName(topic string, partition int) string {
	return fmt.Sprintf("streambus.%s.%d", sanitize(topic), partition)
}

func sanitize(topic string) string {
	replacer := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "/", "_")
	return replacer.Replace(topic)
}
