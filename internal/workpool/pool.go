// Package workpool bounds how many handlers run at once.
package workpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent work using a weighted semaphore. Consumers share
// one Pool per subscription so a burst of deliveries cannot spawn an
// unbounded number of handlers.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New creates a Pool that allows at most limit concurrent tasks.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}

// Go waits for a slot and runs fn in a new goroutine. It returns
// ctx.Err() without running fn if ctx is cancelled first.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

// Wait blocks until every task started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
