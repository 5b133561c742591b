package scheduler

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// pool runs tasks on their own goroutines with at most n running at once.  Waiting
// tasks get slots in submission order.
type pool struct {
	name string
	sem  *semaphore.Weighted
}

func newPool(name string, n int) *pool {
	return &pool{name: name, sem: semaphore.NewWeighted(int64(n))}
}

// Go runs fn once a slot is free.  If ctx is done first, fn is dropped.
func (p *pool) Go(ctx context.Context, fn func()) {
	go func() {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}
