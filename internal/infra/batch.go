// Package infra provides shared concurrency primitives: bounded batch queues,
// partitioned worker pools, striped locks, and shutdown coordination.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueStopped is returned when enqueueing to a stopped queue.
var ErrQueueStopped = errors.New("batch queue stopped")

// BatchQueueConfig configures a BatchQueue.
type BatchQueueConfig struct {
	// BatchSize triggers a flush when this many items accumulate.
	BatchSize int

	// FlushInterval triggers a flush when this much time passes with items
	// pending.
	FlushInterval time.Duration

	// MaxQueueSize bounds in-flight items. Enqueue blocks (backpressure)
	// when the bound is reached.
	MaxQueueSize int
}

// BatchQueue collects items and hands them to a flush function in batches.
// A flush happens when BatchSize is reached, FlushInterval elapses, or Stop
// is called with items pending. Flushes run on a single background goroutine,
// so the flush function sees batches in enqueue order.
type BatchQueue[T any] struct {
	cfg     BatchQueueConfig
	flushFn func(context.Context, []T)

	slots chan struct{} // capacity = MaxQueueSize; holds one token per queued item

	mu      sync.Mutex
	items   []T
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// NewBatchQueue creates and starts a batch queue. flushFn is called with each
// drained batch; it owns retry/dead-letter handling.
func NewBatchQueue[T any](cfg BatchQueueConfig, flushFn func(context.Context, []T)) *BatchQueue[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxQueueSize < cfg.BatchSize {
		cfg.MaxQueueSize = cfg.BatchSize * 10
	}

	q := &BatchQueue[T]{
		cfg:     cfg,
		flushFn: flushFn,
		slots:   make(chan struct{}, cfg.MaxQueueSize),
		items:   make([]T, 0, cfg.BatchSize),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue adds an item, blocking while the queue is at MaxQueueSize. Returns
// ErrQueueStopped after Stop, or the context error if ctx ends while waiting.
func (q *BatchQueue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case q.slots <- struct{}{}:
	case <-q.done:
		return ErrQueueStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.slots
		return ErrQueueStopped
	}
	q.items = append(q.items, item)
	full := len(q.items) >= q.cfg.BatchSize
	q.mu.Unlock()

	if full {
		q.signal()
	}
	return nil
}

// Len returns the number of pending items.
func (q *BatchQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop flushes pending items and stops the queue. Blocks until the final
// flush completes.
func (q *BatchQueue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.signal()
	<-q.done
}

func (q *BatchQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *BatchQueue[T]) run() {
	defer close(q.done)
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.wake:
		case <-ticker.C:
		}

		for {
			batch := q.drain()
			if len(batch) == 0 {
				break
			}
			q.flushFn(context.Background(), batch)
		}

		q.mu.Lock()
		stopped := q.stopped && len(q.items) == 0
		q.mu.Unlock()
		if stopped {
			return
		}
	}
}

// drain takes up to BatchSize items off the queue and releases their slots.
func (q *BatchQueue[T]) drain() []T {
	q.mu.Lock()
	n := len(q.items)
	if n == 0 {
		q.mu.Unlock()
		return nil
	}
	if n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	batch := make([]T, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	q.mu.Unlock()

	for i := 0; i < n; i++ {
		<-q.slots
	}
	return batch
}
