// Package pool provides fixed-size worker pools with bounded queues.
// When the queue is full, work runs on the submitting goroutine.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool is a fixed set of workers draining a bounded queue.
type Pool struct {
	name    string
	workers int
	queue   chan func()
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	callerRuns atomic.Int64
	completed  atomic.Int64
	logger     *slog.Logger
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queueSize"`
	Queued     int    `json:"queued"`
	CallerRuns int64  `json:"callerRuns"`
	Completed  int64  `json:"completed"`
}

// New starts a pool. workers and queueSize below 1 are raised to 1.
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		name:    name,
		workers: workers,
		queue:   make(chan func(), queueSize),
		logger:  slog.Default().With("pool", name),
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for fn := range p.queue {
		p.run(fn)
	}
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "error", fmt.Sprint(r))
		}
		p.completed.Add(1)
	}()
	fn()
}

// Submit queues fn. If the queue is full or the pool is closed, fn runs on
// the caller before Submit returns.
func (p *Pool) Submit(fn func()) {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.queue <- fn:
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	p.run(fn)
}

// Do submits fn and waits for it. If ctx ends first, Do returns ctx.Err();
// fn still runs to completion in the background.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	p.Submit(func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		Queued:     len(p.queue),
		CallerRuns: p.callerRuns.Load(),
		Completed:  p.completed.Load(),
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
