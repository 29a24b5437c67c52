package stream

import (
	"maps"
	"time"
)

// Metrics is a per-topic snapshot recomputed by the collector on a fixed
// interval and after every publish. MessagesPerSecond resets each
// collection cycle; Lag is the max over all consumer groups bound to the
// topic of partition length minus committed offset.
type Metrics struct {
	Topic             string        `json:"topic"`
	MessagesPerSecond float64       `json:"messagesPerSecond"`
	TotalMessages     int64         `json:"totalMessages"`
	TotalBytes        int64         `json:"totalBytes"`
	ActiveProducers   int           `json:"activeProducers"`
	ActiveConsumers   int           `json:"activeConsumers"`
	Partitions        int           `json:"partitions"`
	Lag               map[int]int64 `json:"lag"`
	Throughput        float64       `json:"throughput"`
	ErrorRate         float64       `json:"errorRate"`
	CollectedAt       time.Time     `json:"collectedAt"`
}

// Clone returns an independent snapshot copy.
func (m *Metrics) Clone() *Metrics {
	if m == nil {
		return nil
	}
	out := *m
	out.Lag = maps.Clone(m.Lag)
	return &out
}
