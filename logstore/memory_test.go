package logstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambus/errors"
)

func newTopic(t *testing.T, s *MemoryStore, topic string, partitions int) {
	t.Helper()
	require.NoError(t, s.CreateTopic(context.Background(), topic, partitions, TopicOptions{}))
}

func TestMemoryStore_AppendAssignsMonotonicOffsets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 1)

	for i := 0; i < 5; i++ {
		id, offset, err := s.Append(ctx, "orders", 0, AppendRequest{Value: []byte(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, int64(i), offset)
	}

	length, err := s.Length(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), length)
}

func TestMemoryStore_CreateTopicIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateTopic(ctx, "orders", 3, TopicOptions{}))
	_, _, err := s.Append(ctx, "orders", 2, AppendRequest{Value: []byte("x")})
	require.NoError(t, err)

	// Second creation must not reset existing data.
	require.NoError(t, s.CreateTopic(ctx, "orders", 3, TopicOptions{}))
	length, err := s.Length(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestMemoryStore_ReadFromOffset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 1)

	for i := 0; i < 10; i++ {
		_, _, err := s.Append(ctx, "orders", 0, AppendRequest{Value: []byte(fmt.Sprintf("m%d", i))})
		require.NoError(t, err)
	}

	records, err := s.Read(ctx, "orders", 0, 4, 3, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(4), records[0].Offset)
	assert.Equal(t, int64(6), records[2].Offset)
	assert.Equal(t, []byte("m4"), records[0].Value)
}

func TestMemoryStore_ReadTimesOutEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 1)

	start := time.Now()
	records, err := s.Read(ctx, "orders", 0, 0, 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryStore_BlockingReadWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 1)

	done := make(chan []Record, 1)
	go func() {
		records, err := s.Read(ctx, "orders", 0, 0, 10, 2*time.Second)
		require.NoError(t, err)
		done <- records
	}()

	time.Sleep(20 * time.Millisecond)
	_, _, err := s.Append(ctx, "orders", 0, AppendRequest{Key: "k", Value: []byte("late")})
	require.NoError(t, err)

	select {
	case records := <-done:
		require.Len(t, records, 1)
		assert.Equal(t, "k", records[0].Key)
	case <-time.After(time.Second):
		t.Fatal("blocked read did not wake on append")
	}
}

func TestMemoryStore_UnknownTopic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, _, err := s.Append(ctx, "nope", 0, AppendRequest{Value: []byte("x")})
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Read(ctx, "nope", 0, 0, 1, 0)
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Length(ctx, "nope", 0)
	assert.True(t, errors.IsNotFound(err))

	// Deleting an unknown topic is fine.
	assert.NoError(t, s.DeleteTopic(ctx, "nope"))
}

func TestMemoryStore_PartitionOutOfRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 2)

	_, _, err := s.Append(ctx, "orders", 2, AppendRequest{Value: []byte("x")})
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStore_DeleteWakesBlockedReaders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(ctx, "orders", 0, 0, 1, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.DeleteTopic(ctx, "orders"))

	select {
	case err := <-done:
		// The reader observes the deletion as not-found, not a hang.
		assert.True(t, errors.IsNotFound(err))
	case <-time.After(time.Second):
		t.Fatal("blocked read did not observe topic deletion")
	}
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newTopic(t, s, "orders", 4)

	const perPartition = 50
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		for i := 0; i < perPartition; i++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				_, _, err := s.Append(ctx, "orders", p, AppendRequest{Value: []byte("x")})
				assert.NoError(t, err)
			}(p)
		}
	}
	wg.Wait()

	for p := 0; p < 4; p++ {
		length, err := s.Length(ctx, "orders", p)
		require.NoError(t, err)
		assert.Equal(t, int64(perPartition), length)

		records, err := s.Read(ctx, "orders", p, 0, perPartition, 0)
		require.NoError(t, err)
		for i, rec := range records {
			assert.Equal(t, int64(i), rec.Offset)
		}
	}
}
