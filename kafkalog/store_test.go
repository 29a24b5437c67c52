package kafkalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/c360/streambus/errors"
)

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New([]string{"localhost:9092"}, WithClientID(""))
	assert.True(t, errors.IsInvalid(err))
}

func TestKafkaRecordMapping(t *testing.T) {
	ts := time.Now()
	rec := kafkaRecord(&kgo.Record{
		Key:       []byte("customer-1"),
		Value:     []byte(`{"n":1}`),
		Offset:    42,
		Timestamp: ts,
		Headers: []kgo.RecordHeader{
			{Key: headerID, Value: []byte("01ARZ3NDEKTSV4RRFFQ69G5FAV")},
			{Key: "trace", Value: []byte("t1")},
		},
	})

	assert.Equal(t, "01ARZ3NDEKTSV4RRFFQ69G5FAV", rec.ID)
	assert.Equal(t, int64(42), rec.Offset)
	assert.Equal(t, "customer-1", rec.Key)
	assert.Equal(t, ts, rec.Timestamp)

	// The id header is internal and must not leak to consumers.
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "t1", rec.Headers["trace"])
}
