package infra

import (
	"context"
	"hash/fnv"
	"sync"
)

// PartitionedPool fans work out across N workers while preserving order for
// items that share a partition key. Each worker owns a bounded channel; a key
// always hashes to the same worker, so items with the same key are processed
// strictly in submission order.
type PartitionedPool[T any] struct {
	workers []chan T
	process func(context.Context, T)
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewPartitionedPool starts a pool of n workers with per-worker queues of the
// given depth. Submit blocks when the target worker's queue is full, which
// backpressures the producer rather than reordering or dropping.
func NewPartitionedPool[T any](n, depth int, process func(context.Context, T)) *PartitionedPool[T] {
	if n <= 0 {
		n = 1
	}
	if depth <= 0 {
		depth = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PartitionedPool[T]{
		workers: make([]chan T, n),
		process: process,
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := range p.workers {
		ch := make(chan T, depth)
		p.workers[i] = ch
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for item := range ch {
				p.process(ctx, item)
			}
		}()
	}
	return p
}

// Submit routes the item to the worker owning the key's partition. Returns
// the context error if ctx ends while waiting for queue space.
func (p *PartitionedPool[T]) Submit(ctx context.Context, key string, item T) error {
	h := fnv.New32a()
	h.Write([]byte(key))
	ch := p.workers[int(h.Sum32())%len(p.workers)]

	select {
	case ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Close drains all worker queues and waits for in-flight work to finish.
func (p *PartitionedPool[T]) Close() {
	p.once.Do(func() {
		for _, ch := range p.workers {
			close(ch)
		}
		p.wg.Wait()
		p.cancel()
	})
}
