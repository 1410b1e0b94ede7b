package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a point-in-time snapshot of pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds the goroutines spent on parallel step fan-out. Every
// parallel node in every execution draws from the same pool, so one wide
// node cannot monopolize the process.
type WorkerPool struct {
	slots chan struct{}
	quit  chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool sizes the pool; anything below one collapses to a single slot.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// Submit blocks until a slot frees up, the context ends, or the pool shuts
// down, then runs fn on its own goroutine. The slot is held until fn returns;
// a panic inside fn is contained and counted, never propagated.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	p.active.Add(1)
	go func() {
		defer p.release()
		if err := fn(ctx); err != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()
	return nil
}

// acquire claims a slot and registers the worker. Registration happens under
// the mutex so Shutdown's wg.Wait cannot race a concurrent wg.Add.
func (p *WorkerPool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	return nil
}

func (p *WorkerPool) release() {
	if r := recover(); r != nil {
		p.panics.Add(1)
		p.failed.Add(1)
	}
	p.active.Add(-1)
	<-p.slots
	p.wg.Done()
}

// Wait blocks until every submitted unit of work has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown turns away new submissions and drains what is already running.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics reports the pool counters as of the call.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
