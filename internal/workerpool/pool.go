// Package workerpool provides a fixed size worker pool with a bounded, drop-on-full queue.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Pool runs handler on a fixed number of workers fed from a bounded queue.
type Pool[T any] struct {
	workers   int
	handler   func(context.Context, T) error
	jobs      chan T
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closed    bool
	started   atomic.Bool
	onError   func(T, error)
	submitted int64
	dropped   int64
	completed int64
	failed    int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithErrorHandler is called for every failed or panicking job.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// New creates a pool with workers goroutines and a queue of queueSize jobs.
func New[T any](workers, queueSize int, handler func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		workers: workers,
		handler: handler,
		jobs:    make(chan T, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start starts the workers. Calling it twice is a no-op.
func (p *Pool[T]) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// TrySubmit enqueues job without blocking. It reports false when the queue
// is full or the pool is shut down; the job is dropped in that case.
func (p *Pool[T]) TrySubmit(job T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		atomic.AddInt64(&p.dropped, 1)
		return false
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

// Shutdown stops accepting jobs and waits up to timeout for queued jobs to finish.
// It reports whether the queue drained in time.
func (p *Pool[T]) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return true
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	drained := true
	select {
	case <-done:
	case <-time.After(timeout):
		drained = false
	}

	p.cancel()
	return drained
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Submitted: atomic.LoadInt64(&p.submitted),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
		Pending:   len(p.jobs),
	}
}

// Stats holds pool statistics.
type Stats struct {
	Workers   int
	Submitted int64
	Dropped   int64
	Completed int64
	Failed    int64
	Pending   int
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool[T]) run(job T) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
			if p.onError != nil {
				p.onError(job, err)
			}
			return
		}
		atomic.AddInt64(&p.completed, 1)
	}()

	err = p.handler(p.ctx, job)
}

// PanicError represents a panic that occurred during job processing.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}
