package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fzft/go-mini-httpd/log"
	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("request queue full")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Processor is a unit of work handed to the pool.
type Processor interface {
	Process()
}

// WorkerPool runs queued items on a fixed set of goroutines. The queue is a
// bounded FIFO; Submit never blocks and fails once the bound is reached.
type WorkerPool[T Processor] struct {
	workers int

	mu    sync.Mutex
	ring  []T
	head  int
	count int

	// one token per queued item
	sem chan struct{}

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	stopped atomic.Bool

	stats struct {
		submitted atomic.Uint64
		completed atomic.Uint64
		rejected  atomic.Uint64
	}
}

// WorkerPoolStats is a snapshot of pool counters.
type WorkerPoolStats struct {
	Workers   int
	Queued    int
	Submitted uint64
	Completed uint64
	Rejected  uint64
}

func NewWorkerPool[T Processor](workers, maxRequests int) (*WorkerPool[T], error) {
	if workers <= 0 || maxRequests <= 0 {
		return nil, fmt.Errorf("worker pool: workers=%d max_requests=%d: must be positive", workers, maxRequests)
	}
	return &WorkerPool[T]{
		workers: workers,
		ring:    make([]T, maxRequests),
		sem:     make(chan struct{}, maxRequests),
	}, nil
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *WorkerPool[T]) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Logger.Info("worker pool started", zap.Int("workers", p.workers), zap.Int("max_requests", len(p.ring)))
}

// Submit appends item to the queue and wakes one worker.
func (p *WorkerPool[T]) Submit(item T) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}

	p.mu.Lock()
	if p.count == len(p.ring) {
		p.mu.Unlock()
		p.stats.rejected.Add(1)
		return ErrQueueFull
	}
	p.ring[(p.head+p.count)%len(p.ring)] = item
	p.count++
	p.mu.Unlock()

	p.stats.submitted.Add(1)
	// never blocks: tokens never outnumber queued items
	p.sem <- struct{}{}
	return nil
}

func (p *WorkerPool[T]) take() T {
	var zero T
	p.mu.Lock()
	item := p.ring[p.head]
	p.ring[p.head] = zero
	p.head = (p.head + 1) % len(p.ring)
	p.count--
	p.mu.Unlock()
	return item
}

func (p *WorkerPool[T]) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Logger.Debug("worker exiting", zap.Int("worker", id))
			return
		case <-p.sem:
			p.take().Process()
			p.stats.completed.Add(1)
		}
	}
}

// Stop cancels the workers and waits for them to exit. Queued items that were
// not started are discarded.
func (p *WorkerPool[T]) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Len is the number of queued items.
func (p *WorkerPool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *WorkerPool[T]) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Workers:   p.workers,
		Queued:    p.Len(),
		Submitted: p.stats.submitted.Load(),
		Completed: p.stats.completed.Load(),
		Rejected:  p.stats.rejected.Load(),
	}
}
