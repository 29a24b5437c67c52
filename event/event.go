// Package event defines the engine's outbound event boundary. The engine
// emits an event after every successful publish; what consumes those events
// is outside the engine. Bus is an in-process implementation that fans
// events out to subscribers off the producer hot path.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/streambus/message"
	"github.com/c360/streambus/pkg/worker"
)

// MessageProduced is the event name emitted after each successful publish.
const MessageProduced = "stream.message.produced"

// ProducedPayload carries the full message of a publish event.
type ProducedPayload struct {
	Topic   string           `json:"topic"`
	Message *message.Message `json:"message"`
}

// Emitter is the sink for engine events.
type Emitter interface {
	Emit(name string, payload any)
}

// Nop is an Emitter that discards everything.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(string, any) {}

// Handler receives dispatched events.
type Handler func(name string, payload any)

type envelope struct {
	name    string
	payload any
}

// Bus is an asynchronous in-process Emitter. Dispatch happens on a bounded
// worker pool; events are dropped (and counted) when subscribers cannot
// keep up, so a slow subscriber never blocks produce.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	pool     *worker.Pool[envelope]
	logger   *slog.Logger
	started  bool
}

// BusOption configures a Bus.
type BusOption func(*busOptions)

type busOptions struct {
	workers   int
	queueSize int
	logger    *slog.Logger
}

// WithWorkers sets the dispatch worker count.
func WithWorkers(n int) BusOption {
	return func(o *busOptions) { o.workers = n }
}

// WithQueueSize sets the dispatch queue capacity.
func WithQueueSize(n int) BusOption {
	return func(o *busOptions) { o.queueSize = n }
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) { o.logger = l }
}

// NewBus creates a bus. It must be started before events are dispatched;
// events emitted before Start are dropped.
func NewBus(opts ...BusOption) *Bus {
	o := &busOptions{workers: 2, queueSize: 1024, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bus{
		handlers: make(map[string][]Handler),
		logger:   o.logger,
	}
	b.pool = worker.NewPool(o.workers, o.queueSize, b.dispatch)
	return b
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Start launches the dispatch workers.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.pool.Start(ctx); err != nil {
		return err
	}
	b.started = true
	return nil
}

// Stop drains the dispatch queue within the timeout.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	b.started = false
	b.mu.Unlock()

	return b.pool.Stop(timeout)
}

// Emit implements Emitter. Never blocks.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		return
	}

	if err := b.pool.Submit(envelope{name: name, payload: payload}); err != nil {
		b.logger.Warn("event dropped", "event", name, "error", err)
	}
}

func (b *Bus) dispatch(_ context.Context, e envelope) error {
	b.mu.RLock()
	handlers := b.handlers[e.name]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e.name, e.payload)
	}
	return nil
}
