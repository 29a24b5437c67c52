package natslog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/logstore"
)

func startNATSContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor:   wait.ForListeningPort("4222/tcp"),
		Cmd:          []string{"-js"},
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	// Give JetStream a moment to finish initializing.
	time.Sleep(200 * time.Millisecond)

	return container, fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, url := startNATSContainer(ctx, t)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	store, err := New(url, WithConnectTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestIntegration_AppendRead(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTopic(ctx, "orders", 2, logstore.TopicOptions{RetentionHours: 1}))

	// Offsets start at zero and increase per partition.
	for i := 0; i < 3; i++ {
		id, offset, err := store.Append(ctx, "orders", 0, logstore.AppendRequest{
			Key:       "k",
			Value:     []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Headers:   map[string]string{"Trace": "t1"},
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, int64(i), offset)
	}

	_, offset, err := store.Append(ctx, "orders", 1, logstore.AppendRequest{Value: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)

	records, err := store.Read(ctx, "orders", 0, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].Offset)
	assert.Equal(t, "k", records[0].Key)
	assert.Equal(t, "t1", records[0].Headers["Trace"])
	assert.JSONEq(t, `{"n":1}`, string(records[0].Value))

	n, err := store.Length(ctx, "orders", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestIntegration_CreateTopicIdempotent(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTopic(ctx, "dup", 1, logstore.TopicOptions{}))
	require.NoError(t, store.CreateTopic(ctx, "dup", 1, logstore.TopicOptions{}))

	_, _, err := store.Append(ctx, "dup", 0, logstore.AppendRequest{Value: []byte(`{}`)})
	require.NoError(t, err)
}

func TestIntegration_BlockingRead(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTopic(ctx, "blocked", 1, logstore.TopicOptions{}))

	done := make(chan []logstore.Record, 1)
	go func() {
		records, err := store.Read(ctx, "blocked", 0, 0, 10, 3*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- records
	}()

	time.Sleep(200 * time.Millisecond)
	_, _, err := store.Append(ctx, "blocked", 0, logstore.AppendRequest{Value: []byte(`{"n":1}`)})
	require.NoError(t, err)

	select {
	case records := <-done:
		require.Len(t, records, 1)
		assert.Equal(t, int64(0), records[0].Offset)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking read did not observe the append")
	}
}

func TestIntegration_DeleteTopic(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTopic(ctx, "gone", 1, logstore.TopicOptions{}))
	require.NoError(t, store.DeleteTopic(ctx, "gone"))
	require.NoError(t, store.DeleteTopic(ctx, "gone")) // unknown is fine

	_, err := store.Length(ctx, "gone", 0)
	assert.True(t, errors.IsNotFound(err))
}

func TestIntegration_PartitionBounds(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTopic(ctx, "bounded", 2, logstore.TopicOptions{}))

	_, _, err := store.Append(ctx, "bounded", 5, logstore.AppendRequest{Value: []byte(`{}`)})
	assert.True(t, errors.IsInvalid(err))
}

func TestOptionValidation(t *testing.T) {
	_, err := New("nats://localhost:1", WithConnectTimeout(-time.Second))
	assert.True(t, errors.IsInvalid(err))

	_, err = New("nats://localhost:1", WithReplicas(9))
	assert.True(t, errors.IsInvalid(err))
}
