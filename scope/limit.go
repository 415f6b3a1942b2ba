package scope

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of children a Scope admits concurrently. It is
// consulted from inside the admission protocol's mask (§4.1 step 1), before
// starting is incremented, so a fork blocked on a full Limiter has not yet
// been counted as admitted — it has not happened yet, as far as the Scope's
// bookkeeping is concerned.
type Limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// weightedLimiter adapts golang.org/x/sync/semaphore.Weighted, the
// ecosystem's bounded-concurrency primitive, to Limiter, in place of a
// hand-rolled buffered-channel semaphore.
type weightedLimiter struct {
	sem *semaphore.Weighted
}

func newSemaphoreLimiter(n int) Limiter {
	if n <= 0 {
		return nil
	}
	return &weightedLimiter{sem: semaphore.NewWeighted(int64(n))}
}

func (l *weightedLimiter) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

func (l *weightedLimiter) Release() {
	l.sem.Release(1)
}
