package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
	"github.com/c360/streambus/producer"
	"github.com/c360/streambus/registry"
	"github.com/c360/streambus/stream"
)

type fixture struct {
	manager  *Manager
	producer *producer.Producer
	registry *registry.Registry
}

func newFixture(t *testing.T, topic string, partitions int) *fixture {
	t.Helper()

	store := logstore.NewMemoryStore()
	reg := registry.New(store, nil)
	_, err := reg.CreateStream(context.Background(), &stream.Config{
		ID: "s-" + topic, Type: stream.TypeProducer, Topic: topic,
		Partitions: partitions, Enabled: true,
	})
	require.NoError(t, err)

	return &fixture{
		manager:  NewManager(reg, store, nil, nil),
		producer: producer.New(reg, store, nil, nil, nil),
		registry: reg,
	}
}

func (f *fixture) produce(t *testing.T, topic, key string, n int) {
	t.Helper()
	inputs := make([]producer.Input, n)
	for i := range inputs {
		inputs[i] = producer.Input{Key: key, Value: map[string]any{"n": i}}
	}
	res, err := f.producer.Produce(context.Background(), topic, inputs)
	require.NoError(t, err)
	require.Len(t, res.Accepted, n)
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t, "orders", 3)

	require.NoError(t, f.manager.CreateGroup("g1", "orders"))

	g, err := f.manager.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, "orders", g.Topic)
	assert.Len(t, g.Committed, 3)
	for _, off := range g.Committed {
		assert.Equal(t, int64(0), off)
	}

	// Same topic is a no-op, different topic is rejected.
	assert.NoError(t, f.manager.CreateGroup("g1", "orders"))
	_, err = f.registry.CreateStream(context.Background(), &stream.Config{
		Type: stream.TypeProducer, Topic: "other", Partitions: 1, Enabled: true,
	})
	require.NoError(t, err)
	assert.True(t, errors.IsInvalid(f.manager.CreateGroup("g1", "other")))

	// Unknown topic is rejected.
	assert.True(t, errors.IsNotFound(f.manager.CreateGroup("g2", "ghost")))
}

func TestRoundRobinAssignment(t *testing.T) {
	f := newFixture(t, "orders", 4)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))

	first, err := f.manager.JoinGroup("g1", "m1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, first)

	_, err = f.manager.JoinGroup("g1", "m2")
	require.NoError(t, err)

	g, err := f.manager.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, g.Assignments["m1"])
	assert.Equal(t, []int{1, 3}, g.Assignments["m2"])

	// Leaving hands everything back to the survivor.
	require.NoError(t, f.manager.LeaveGroup("g1", "m1"))
	g, err = f.manager.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, g.Assignments["m2"])
	assert.Empty(t, g.Assignments["m1"])
}

func TestConsumeDeliversInOrderAndCommits(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	f.produce(t, "orders", "k", 5)

	msgs, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{Wait: NoWait})
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i, msg := range msgs {
		assert.Equal(t, int64(i), msg.Offset)
	}

	g, err := f.manager.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), g.Committed[0])

	// Nothing new, nothing delivered.
	msgs, err = f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{Wait: NoWait})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConsumeResumesAfterCommit(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	f.produce(t, "orders", "k", 3)

	first, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{BatchSize: 2, Wait: NoWait})
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{Wait: NoWait})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(2), second[0].Offset)
}

func TestConsumeManualCommitRedelivers(t *testing.T) {
	f := newFixture(t, "raw", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "raw"))
	f.produce(t, "raw", "k", 1)

	manual := ConsumeOptions{Wait: NoWait, ManualCommit: true}
	msgs, err := f.manager.Consume(context.Background(), "g1", "m1", manual)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// Uncommitted, so the same record comes back.
	again, err := f.manager.Consume(context.Background(), "g1", "m1", manual)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].Offset, again[0].Offset)

	require.NoError(t, f.manager.CommitOffsets(context.Background(), "g1", NextOffsets(again)))
	empty, err := f.manager.Consume(context.Background(), "g1", "m1", manual)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestConsumeDefaultBatchSize(t *testing.T) {
	f := newFixture(t, "bulk", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "bulk"))
	f.produce(t, "bulk", "k", 15)

	msgs, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{})
	require.NoError(t, err)
	assert.Len(t, msgs, DefaultBatchSize)
}

func TestCommitNeverMovesBackwards(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	f.produce(t, "orders", "k", 6)
	ctx := context.Background()

	require.NoError(t, f.manager.CommitOffsets(ctx, "g1", map[int]int64{0: 5}))
	require.NoError(t, f.manager.CommitOffsets(ctx, "g1", map[int]int64{0: 3}))

	g, err := f.manager.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), g.Committed[0])

	err = f.manager.CommitOffsets(ctx, "g1", map[int]int64{7: 1})
	assert.True(t, errors.IsInvalid(err))
}

func TestCommitCappedAtLogLength(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	f.produce(t, "orders", "k", 2)

	// Committing past the end of the log sticks at the log length, so the
	// group can never claim to have read data that does not exist.
	require.NoError(t, f.manager.CommitOffsets(context.Background(), "g1", map[int]int64{0: 99}))

	g, err := f.manager.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.Committed[0])

	lag, err := f.manager.Lag(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), lag[0])
}

func TestLag(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	f.produce(t, "orders", "k", 4)

	lag, err := f.manager.Lag(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), lag[0])

	msgs, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{BatchSize: 3, Wait: NoWait})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	lag, err = f.manager.Lag(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lag[0])
}

func TestConsumeBlocksUntilProduce(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))

	done := make(chan []int64, 1)
	go func() {
		msgs, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{Wait: 2 * time.Second})
		if err != nil {
			done <- nil
			return
		}
		offsets := make([]int64, len(msgs))
		for i, m := range msgs {
			offsets[i] = m.Offset
		}
		done <- offsets
	}()

	time.Sleep(50 * time.Millisecond)
	f.produce(t, "orders", "k", 1)

	select {
	case offsets := <-done:
		require.NotNil(t, offsets)
		assert.Equal(t, []int64{0}, offsets)
	case <-time.After(3 * time.Second):
		t.Fatal("consume did not observe the produce")
	}
}

func TestConsumeRejectsDisabledStream(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	require.NoError(t, f.registry.SetEnabled("s-orders", false))

	_, err := f.manager.Consume(context.Background(), "g1", "m1", ConsumeOptions{Wait: NoWait})
	assert.True(t, errors.Is(err, errors.ErrStreamDisabled))
}

func TestDeleteGroupAndForTopic(t *testing.T) {
	f := newFixture(t, "orders", 1)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	require.NoError(t, f.manager.CreateGroup("g2", "orders"))

	assert.True(t, f.manager.DeleteGroup("g1"))
	assert.False(t, f.manager.DeleteGroup("g1"))

	assert.Equal(t, 1, f.manager.DeleteForTopic("orders"))
	assert.Empty(t, f.manager.ListGroups())
}

func TestGroupsForTopic(t *testing.T) {
	f := newFixture(t, "orders", 2)
	require.NoError(t, f.manager.CreateGroup("g1", "orders"))
	require.NoError(t, f.manager.CreateGroup("g2", "orders"))

	groups := f.manager.GroupsForTopic("orders")
	assert.Len(t, groups, 2)
	assert.Empty(t, f.manager.GroupsForTopic("other"))
}
