// Package pool bounds the number of workflow runs executing at once.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent work using a weighted semaphore.
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
// Returns ctx.Err() if the context is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if p == nil || p.sem == nil {
		return fn(ctx)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// Go runs fn in the background once a slot is free. If ctx is cancelled
// before a slot is acquired, onSkip (when non-nil) receives the context error
// and fn never runs.
func (p *Pool) Go(ctx context.Context, fn func(context.Context), onSkip func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.Run(ctx, func(ctx context.Context) error {
			fn(ctx)
			return nil
		})
		if err != nil && onSkip != nil {
			onSkip(err)
		}
	}()
}

// Wait blocks until every task started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}
