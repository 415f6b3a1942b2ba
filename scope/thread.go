package scope

import (
	"context"
	"sync/atomic"
	"time"
)

// Outcome is what a child produces, tagged by Err: a nil Err means a value,
// a non-nil Err a raised error. Value holds whatever the action returned,
// so it may be non-zero alongside a non-nil Err.
type Outcome[T any] struct {
	Value T
	Err   error
}

// IsValue reports whether the outcome is a successful value rather than a
// raised error.
func (o Outcome[T]) IsValue() bool { return o.Err == nil }

// cell is the single-assignment outcome cell shared by both handle kinds.
// Publication happens exactly once (P3); every reader sees the same value
// regardless of how many times, or how many goroutines, call wait.
type cell[T any] struct {
	id       int64
	done     chan struct{}
	assigned atomic.Bool
	val      Outcome[T]
}

func newCell[T any](id int64) *cell[T] {
	return &cell[T]{id: id, done: make(chan struct{})}
}

// publish assigns the cell's outcome. A second call is a no-op: the cell
// is write-once.
func (c *cell[T]) publish(o Outcome[T]) {
	if !c.assigned.CompareAndSwap(false, true) {
		return
	}
	c.val = o
	close(c.done)
}

// wait blocks until the cell is assigned or ctx is done, returning ok=false
// on timeout. Go's channel select has no spurious wakeups, but select
// between two simultaneously-ready cases resolves uniformly at random; if
// ctx.Done() wins that race at the same instant the cell was actually
// published, a bare "timed out" result would be wrong. One bounded recheck
// of c.done, never an unbounded retry, closes that window.
func (c *cell[T]) wait(ctx context.Context) (Outcome[T], bool) {
	select {
	case <-c.done:
		return c.val, true
	case <-ctx.Done():
		select {
		case <-c.done:
			return c.val, true
		default:
			return Outcome[T]{}, false
		}
	}
}

// ForkHandle is the propagating fork handle: awaiting it re-raises the
// child's error instead of returning it in a tagged union.
type ForkHandle[T any] struct{ c *cell[T] }

// ID returns the handle's underlying child-id; ids are distinct among the
// handles of one scope, but scopes number their children independently.
func (h ForkHandle[T]) ID() int64 { return h.c.id }

// Await blocks until the child's outcome is published, then returns its
// value or re-raises its error. If ctx is done first, it returns the zero
// value and ctx's error.
func (h ForkHandle[T]) Await(ctx context.Context) (T, error) {
	o, ok := h.c.wait(ctx)
	if !ok {
		var zero T
		return zero, ctx.Err()
	}
	return o.Value, o.Err
}

// AwaitFor is Await bounded by a duration; ok is false if the deadline
// elapsed before the outcome was published.
func (h ForkHandle[T]) AwaitFor(d time.Duration) (value T, err error, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	o, ok := h.c.wait(ctx)
	return o.Value, o.Err, ok
}

// AsyncHandle is the capturing fork handle: awaiting it always returns the
// tagged union verbatim, never re-raising.
type AsyncHandle[T any] struct{ c *cell[T] }

// ID returns the handle's underlying child-id.
func (h AsyncHandle[T]) ID() int64 { return h.c.id }

// Await blocks until the child's outcome is published and returns it. If
// ctx is done first, it returns the zero Outcome.
func (h AsyncHandle[T]) Await(ctx context.Context) Outcome[T] {
	o, _ := h.c.wait(ctx)
	return o
}

// AwaitFor is Await bounded by a duration.
func (h AsyncHandle[T]) AwaitFor(d time.Duration) (Outcome[T], bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return h.c.wait(ctx)
}
