// Package worker provides a generic bounded worker pool. The engine uses it
// to dispatch produced-message events off the producer hot path.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Pool errors.
var (
	ErrNilProcessor       = errors.New("worker: processor must not be nil")
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrQueueFull          = errors.New("worker: queue full")
	ErrStopTimeout        = errors.New("worker: stop timeout")
)

// Pool processes work items of type T on a fixed set of goroutines over a
// bounded queue. Submit never blocks: work is dropped when the queue is
// full.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	// Statistics (atomic)
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool with the given worker count and queue size.
// Non-positive values fall back to defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	return &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
}

// Start launches the workers. The context bounds every worker's lifetime.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit enqueues work. Returns ErrQueueFull when the queue has no room.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for in-flight work.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats reports pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			if err := p.processor(ctx, work); err != nil {
				p.failed.Add(1)
			}
			p.processed.Add(1)
		}
	}
}
