package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/streambus/errors"
	"github.com/c360/streambus/metric"
	"github.com/c360/streambus/stream"
)

// collector recomputes per-topic metrics snapshots on a fixed interval.
// Rate figures (messages per second, throughput bytes, error rate) come
// from the producer's window counters and reset every cycle; totals and
// lag are read fresh from the log store.
type collector struct {
	engine   *Engine
	core     *metric.Metrics
	interval time.Duration
	logger   *slog.Logger

	mu         sync.RWMutex
	snapshots  map[string]*stream.Metrics
	totalBytes map[string]int64
}

func newCollector(e *Engine, core *metric.Metrics, interval time.Duration, logger *slog.Logger) *collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &collector{
		engine:     e,
		core:       core,
		interval:   interval,
		logger:     logger,
		snapshots:  make(map[string]*stream.Metrics),
		totalBytes: make(map[string]int64),
	}
}

func (c *collector) run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *collector) collect(ctx context.Context) {
	for _, cfg := range c.engine.registry.ListStreams() {
		snap, err := c.compute(ctx, cfg, c.interval)
		if err != nil {
			c.logger.Warn("metrics collection failed", "topic", cfg.Topic, "error", err)
			continue
		}
		c.mu.Lock()
		c.snapshots[cfg.Topic] = snap
		c.mu.Unlock()
		c.mirror(snap)
	}
}

// compute builds one snapshot. window is the elapsed time the producer
// counters cover; zero means skip rate figures and keep the previous ones
// intact (used for on-demand reads between cycles).
func (c *collector) compute(ctx context.Context, cfg *stream.Config, window time.Duration) (*stream.Metrics, error) {
	snap := &stream.Metrics{
		Topic:       cfg.Topic,
		Partitions:  cfg.Partitions,
		Lag:         make(map[int]int64, cfg.Partitions),
		CollectedAt: time.Now().UTC(),
	}

	lengths := make([]int64, cfg.Partitions)
	for p := 0; p < cfg.Partitions; p++ {
		n, err := c.engine.store.Length(ctx, cfg.Topic, p)
		if err != nil {
			return nil, errors.Wrap(err, "collector", "compute", "read partition length")
		}
		lengths[p] = n
		snap.TotalMessages += n
		snap.Lag[p] = 0
	}

	groups := c.engine.consumers.GroupsForTopic(cfg.Topic)
	members := map[string]bool{}
	for _, g := range groups {
		for _, m := range g.Members {
			members[m] = true
		}
		for p, committed := range g.Committed {
			if p >= len(lengths) {
				continue
			}
			lag := lengths[p] - committed
			if lag < 0 {
				lag = 0
			}
			if lag > snap.Lag[p] {
				snap.Lag[p] = lag
			}
		}
	}
	snap.ActiveConsumers = len(members)

	c.mu.Lock()
	prev := c.snapshots[cfg.Topic]
	if window > 0 {
		accepted, bytes, failed := c.engine.producers.TakeWindow(cfg.Topic)
		c.totalBytes[cfg.Topic] += bytes

		secs := window.Seconds()
		snap.MessagesPerSecond = float64(accepted) / secs
		snap.Throughput = float64(bytes) / secs
		if total := accepted + failed; total > 0 {
			snap.ErrorRate = float64(failed) / float64(total)
		}
		if accepted > 0 {
			snap.ActiveProducers = 1
		}
	} else if prev != nil {
		snap.MessagesPerSecond = prev.MessagesPerSecond
		snap.Throughput = prev.Throughput
		snap.ErrorRate = prev.ErrorRate
		snap.ActiveProducers = prev.ActiveProducers
	}
	snap.TotalBytes = c.totalBytes[cfg.Topic]
	c.mu.Unlock()

	return snap, nil
}

// mirror pushes the snapshot's gauges into prometheus.
func (c *collector) mirror(snap *stream.Metrics) {
	c.core.SetTopicMessages(snap.Topic, snap.TotalMessages)
	for p, lag := range snap.Lag {
		c.core.SetLag(snap.Topic, p, lag)
	}
}

// topicMetrics returns the latest snapshot for a topic, computing one on
// demand so callers never see stale totals right after a produce.
func (c *collector) topicMetrics(ctx context.Context, topic string) (*stream.Metrics, error) {
	cfg, err := c.engine.registry.GetByTopic(topic)
	if err != nil {
		return nil, err
	}

	snap, err := c.compute(ctx, cfg, 0)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.snapshots[topic] = snap
	c.mu.Unlock()
	return snap.Clone(), nil
}

// allMetrics returns on-demand snapshots for every registered stream,
// ordered by topic for stable output.
func (c *collector) allMetrics(ctx context.Context) ([]*stream.Metrics, error) {
	configs := c.engine.registry.ListStreams()
	sort.Slice(configs, func(i, j int) bool { return configs[i].Topic < configs[j].Topic })

	out := make([]*stream.Metrics, 0, len(configs))
	for _, cfg := range configs {
		snap, err := c.topicMetrics(ctx, cfg.Topic)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// refresh recomputes a topic's snapshot after a produce batch so totals,
// lag and the prometheus mirrors track the log without waiting for the
// next collect cycle. Rate figures are carried from the last cycle.
func (c *collector) refresh(ctx context.Context, topic string) {
	cfg, err := c.engine.registry.GetByTopic(topic)
	if err != nil {
		return
	}
	snap, err := c.compute(ctx, cfg, 0)
	if err != nil {
		c.logger.Debug("metrics refresh failed", "topic", topic, "error", err)
		return
	}
	c.mu.Lock()
	c.snapshots[topic] = snap
	c.mu.Unlock()
	c.mirror(snap)
}

// forget drops the cached state of a deleted topic.
func (c *collector) forget(topic string) {
	c.mu.Lock()
	delete(c.snapshots, topic)
	delete(c.totalBytes, topic)
	c.mu.Unlock()
}
