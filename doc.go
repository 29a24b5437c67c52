// Package streambus provides an embeddable, in-process message streaming
// engine: partitioned topics, producers with a per-topic schema/transform/
// filter pipeline, consumer groups with committed offsets, named stream
// processors, and per-topic lag and throughput metrics.
//
// # Architecture
//
// The engine is a composition of small packages, wired together by the
// engine package:
//
//	┌─────────────────────────────────────┐
//	│            Engine                   │  composition root,
//	│  (registry, collector, cascade)     │  metrics collector loop
//	└──────────────┬──────────────────────┘
//	               │ owns
//	┌──────────────┴──────────────────────┐
//	│  Producer / ConsumerGroups /        │  validate → transform →
//	│  Processor runtime                  │  filter → partition → append
//	└──────────────┬──────────────────────┘
//	               │ append / read / length
//	┌──────────────┴──────────────────────┐
//	│          logstore.Store             │  durable ordered log:
//	│   (memory, NATS JetStream, Kafka)   │  offsets per partition
//	└─────────────────────────────────────┘
//
// Produced messages flow through the stream's pipeline before they are
// appended: strict schemas validate and coerce fields, transformations are
// best-effort (a failing step is logged and skipped), and any enabled filter
// evaluating false drops the message silently. Records sharing a key always
// land in the same partition, which is what gives per-key ordering.
//
// Consumer groups own every partition of their topic exactly once; the
// assignment is recomputed round-robin whenever membership changes, and
// uncommitted reads may be redelivered to the new owner (at-least-once).
//
// Stream processors are periodic pull-process-produce-commit loops over an
// implicit consumer group. Built-in logics cover order aggregation,
// low-inventory alerting and high-value order detection; unknown logic names
// pass batches through unchanged.
//
// # Quick start
//
//	store := logstore.NewMemoryStore()
//	eng, err := engine.New(engine.Dependencies{
//		Store:   store,
//		Emitter: event.NewBus(),
//		Logger:  slog.Default(),
//	}, config.Default())
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(5 * time.Second)
//
//	res, err := eng.Produce(ctx, "orders", []producer.Input{
//		{Key: "c1", Value: map[string]any{"id": "o1", "customerId": "c1", "amount": 150}},
//	})
//
// The engine holds no ambient state: every instance is constructed with
// explicit dependencies (log store, event emitter, logger, metrics registry)
// and can be embedded several times in one process.
package streambus
