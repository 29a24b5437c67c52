package producer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/registry"
	"github.com/c360/streambus/stream"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []string
}

func (c *captureEmitter) Emit(name string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, name)
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestProducer(t *testing.T, cfg *stream.Config) (*Producer, *registry.Registry, *captureEmitter) {
	t.Helper()

	store := logstore.NewMemoryStore()
	reg := registry.New(store, nil)
	if cfg != nil {
		_, err := reg.CreateStream(context.Background(), cfg)
		require.NoError(t, err)
	}

	emitter := &captureEmitter{}
	return New(reg, store, emitter, nil, nil), reg, emitter
}

func TestProduceAppendsWithMonotonicOffsets(t *testing.T) {
	p, _, emitter := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "events", Partitions: 1, Enabled: true,
	})

	res, err := p.Produce(context.Background(), "events", []Input{
		{Key: "a", Value: map[string]any{"n": 1}},
		{Key: "a", Value: map[string]any{"n": 2}},
		{Key: "a", Value: map[string]any{"n": 3}},
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 3)

	for i, msg := range res.Accepted {
		assert.Equal(t, int64(i), msg.Offset)
		assert.Equal(t, 0, msg.Partition)
		assert.NotEmpty(t, msg.ID)
	}
	assert.Equal(t, 3, emitter.count())
}

func TestProduceRoutesByKey(t *testing.T) {
	p, _, _ := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "keyed", Partitions: 4, Enabled: true,
	})

	res, err := p.Produce(context.Background(), "keyed", []Input{
		{Key: "customer-1", Value: map[string]any{"n": 1}},
		{Key: "customer-1", Value: map[string]any{"n": 2}},
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)

	// Same key, same partition.
	assert.Equal(t, res.Accepted[0].Partition, res.Accepted[1].Partition)
	assert.Equal(t, stream.PartitionFor("customer-1", 4), res.Accepted[0].Partition)

	// Empty key goes to partition 0.
	res, err = p.Produce(context.Background(), "keyed", []Input{
		{Value: map[string]any{"n": 3}},
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, 0, res.Accepted[0].Partition)
}

func TestProduceValidatesSchema(t *testing.T) {
	p, _, _ := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "orders", Partitions: 1, Enabled: true,
		Schema: &stream.Schema{
			Strict: true,
			Fields: []stream.Field{
				{Name: "id", Type: stream.FieldString, Required: true},
				{Name: "amount", Type: stream.FieldNumber, Required: true},
				{Name: "status", Type: stream.FieldString, DefaultValue: "pending"},
			},
		},
	})

	res, err := p.Produce(context.Background(), "orders", []Input{
		{Key: "k", Value: map[string]any{"id": "o1", "amount": "42.5"}}, // coerced
		{Key: "k", Value: map[string]any{"id": "o2"}},                   // missing amount
	})
	require.NoError(t, err)

	require.Len(t, res.Accepted, 1)
	assert.Equal(t, 42.5, res.Accepted[0].Value["amount"])
	assert.Equal(t, "pending", res.Accepted[0].Value["status"])

	require.Len(t, res.Errors, 1)
	assert.True(t, errors.IsValidation(res.Errors[0]))
}

func TestProduceFiltersSilently(t *testing.T) {
	p, _, emitter := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "gated", Partitions: 1, Enabled: true,
		Filters: []stream.Filter{
			{Field: "amount", Operator: stream.OpGt, Value: 0, Enabled: true},
		},
	})

	res, err := p.Produce(context.Background(), "gated", []Input{
		{Key: "k", Value: map[string]any{"amount": 10}},
		{Key: "k", Value: map[string]any{"amount": -5}},
		{Key: "k", Value: map[string]any{"other": true}}, // missing field drops
	})
	require.NoError(t, err)

	assert.Len(t, res.Accepted, 1)
	assert.Equal(t, 2, res.Filtered)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 1, emitter.count())
}

func TestProduceAppliesTransforms(t *testing.T) {
	p, _, _ := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "cents", Partitions: 1, Enabled: true,
		Transformations: []stream.Transformation{
			{Type: stream.TransformNormalize, Field: "amount", Expression: "100", Enabled: true},
		},
	})

	res, err := p.Produce(context.Background(), "cents", []Input{
		{Key: "k", Value: map[string]any{"amount": 2500}},
	})
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, float64(25), res.Accepted[0].Value["amount"])
}

func TestProduceTransformFailureIsNonFatal(t *testing.T) {
	p, _, _ := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "lossy", Partitions: 1, Enabled: true,
		Transformations: []stream.Transformation{
			{Type: stream.TransformNormalize, Field: "amount", Expression: "not-a-number", Enabled: true},
		},
	})

	res, err := p.Produce(context.Background(), "lossy", []Input{
		{Key: "k", Value: map[string]any{"amount": 100}},
	})
	require.NoError(t, err)

	// Message survives with the failing step skipped.
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, 100, res.Accepted[0].Value["amount"])
}

func TestProduceRejectsDisabledStream(t *testing.T) {
	p, reg, _ := newTestProducer(t, &stream.Config{
		ID: "s1", Type: stream.TypeProducer, Topic: "off", Partitions: 1, Enabled: true,
	})
	require.NoError(t, reg.SetEnabled("s1", false))

	_, err := p.Produce(context.Background(), "off", []Input{{Key: "k", Value: map[string]any{}}})
	assert.True(t, errors.Is(err, errors.ErrStreamDisabled))
}

func TestProduceUnknownTopic(t *testing.T) {
	p, _, _ := newTestProducer(t, nil)

	_, err := p.Produce(context.Background(), "ghost", []Input{{Key: "k"}})
	assert.True(t, errors.IsNotFound(err))
}

func TestRecentKeepsNewestFirstInOrder(t *testing.T) {
	p, _, _ := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "tail", Partitions: 1, Enabled: true,
	})
	p.recentSize = 3

	for i := 0; i < 5; i++ {
		_, err := p.Produce(context.Background(), "tail", []Input{
			{Key: "k", Value: map[string]any{"n": i}},
		})
		require.NoError(t, err)
	}

	recent := p.Recent("tail", 10)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(2), recent[0].Offset)
	assert.Equal(t, int64(4), recent[2].Offset)

	assert.Nil(t, p.Recent("unknown", 5))

	p.Forget("tail")
	assert.Nil(t, p.Recent("tail", 5))
}

func TestRecentDefaultCapacity(t *testing.T) {
	p, _, _ := newTestProducer(t, &stream.Config{
		Type: stream.TypeProducer, Topic: "deep", Partitions: 1, Enabled: true,
	})
	assert.Equal(t, DefaultRecentSize, p.recentSize)

	inputs := make([]Input, DefaultRecentSize+10)
	for i := range inputs {
		inputs[i] = Input{Key: "k", Value: map[string]any{"n": i}}
	}
	_, err := p.Produce(context.Background(), "deep", inputs)
	require.NoError(t, err)

	recent := p.Recent("deep", DefaultRecentSize+10)
	require.Len(t, recent, DefaultRecentSize)
	// The oldest 10 fell off the ring.
	assert.Equal(t, int64(10), recent[0].Offset)
	assert.Equal(t, int64(DefaultRecentSize+9), recent[len(recent)-1].Offset)
}

func TestBatchHookRunsAfterEveryBatch(t *testing.T) {
	store := logstore.NewMemoryStore()
	reg := registry.New(store, nil)
	_, err := reg.CreateStream(context.Background(), &stream.Config{
		Type: stream.TypeProducer, Topic: "hooked", Partitions: 1, Enabled: true,
		Schema: &stream.Schema{
			Version: 1,
			Strict:  true,
			Fields:  []stream.Field{{Name: "n", Type: stream.FieldNumber, Required: true}},
		},
	})
	require.NoError(t, err)

	var topics []string
	p := New(reg, store, nil, nil, nil, WithBatchHook(func(_ context.Context, topic string) {
		topics = append(topics, topic)
	}))

	_, err = p.Produce(context.Background(), "hooked", []Input{
		{Key: "k", Value: map[string]any{"n": 1}},
	})
	require.NoError(t, err)

	// The hook fires even when every input fails validation.
	res, err := p.Produce(context.Background(), "hooked", []Input{
		{Key: "k", Value: map[string]any{"wrong": true}},
	})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)

	assert.Equal(t, []string{"hooked", "hooked"}, topics)
}
