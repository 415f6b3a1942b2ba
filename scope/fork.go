package scope

import (
	"context"
	"time"
)

// Unmask is handed to a *WithUnmask action's body so it can run a nested
// call with interrupts re-enabled. The action itself receives a context
// that never becomes Done on its own (context.WithoutCancel of the real
// child context) — masked by default, regardless of the scope's own mask
// state at fork time, per §5. Calling unmask runs f with the real,
// cancellable child context for the duration of that one call.
type Unmask func(f func(context.Context) error) error

// Fork spawns a child that propagates its failure to the parent: if the
// action raises, the failure reaches scoped's caller (modulo the
// swallow-on-closed-scope rule) in addition to being published to the
// returned handle. Awaiting the handle re-raises the error.
func Fork[T any](s *Scope, action func(context.Context) (T, error)) (ForkHandle[T], error) {
	c, err := spawn(s, func(ctx context.Context, _ Unmask) (T, error) {
		return action(ctx)
	}, propagateFork, false)
	return ForkHandle[T]{c: c}, err
}

// Fork_ is Fork without a returned handle.
func Fork_[T any](s *Scope, action func(context.Context) (T, error)) error {
	_, err := Fork(s, action)
	return err
}

// ForkWithUnmask is Fork, except the action receives an Unmask function so
// it can selectively open an interruptible window.
func ForkWithUnmask[T any](s *Scope, action func(context.Context, Unmask) (T, error)) (ForkHandle[T], error) {
	c, err := spawn(s, action, propagateFork, true)
	return ForkHandle[T]{c: c}, err
}

// ForkWithUnmask_ is ForkWithUnmask without a returned handle.
func ForkWithUnmask_[T any](s *Scope, action func(context.Context, Unmask) (T, error)) error {
	_, err := ForkWithUnmask(s, action)
	return err
}

// Async spawns a child whose outcome is always captured in the returned
// handle as a tagged union. It propagates to the parent only if the
// failure is classified as asynchronous (kind 2) — a synchronous failure
// or the scope's own closure interrupt is captured only.
func Async[T any](s *Scope, action func(context.Context) (T, error)) (AsyncHandle[T], error) {
	c, err := spawn(s, func(ctx context.Context, _ Unmask) (T, error) {
		return action(ctx)
	}, propagateAsync, false)
	return AsyncHandle[T]{c: c}, err
}

// AsyncWithUnmask is Async, except the action receives an Unmask function.
func AsyncWithUnmask[T any](s *Scope, action func(context.Context, Unmask) (T, error)) (AsyncHandle[T], error) {
	c, err := spawn(s, action, propagateAsync, true)
	return AsyncHandle[T]{c: c}, err
}

// failurePolicy maps a completed child's classified outcome to a decision
// about whether to propagate it to the parent (§4.3's table). It never
// affects publication: every outcome, raised or not, is always published.
type failurePolicy func(s *Scope, kind outcomeKind, err error) (propagate bool)

func propagateFork(s *Scope, kind outcomeKind, _ error) bool {
	// Propagate kinds 1 and 2 unconditionally. Kind 3 propagates too
	// unless the scope is actually closed, in which case it is this
	// scope's own shutdown talking to itself and must be swallowed.
	if kind != outClosure {
		return true
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed
}

func propagateAsync(_ *Scope, kind outcomeKind, _ error) bool {
	return kind == outAsync
}

// spawn implements §4.1's admission protocol and §4.2's child entry point
// for every fork variant; policy supplies the §4.3 table's failure
// handling. T is the action's result type; the action additionally
// receives an Unmask so with_unmask variants can be built on the same
// path as their unmasked counterparts. masked selects which context the
// action itself runs with: false (Fork/Async) gives it the real,
// cancellable child context per §4.2/§5's unmasked-by-default rule; true
// (the *WithUnmask variants) gives it a context.WithoutCancel derivative
// and an Unmask closure to selectively re-enable interruption.
func spawn[T any](s *Scope, action func(context.Context, Unmask) (T, error), policy failurePolicy, masked bool) (*cell[T], error) {
	id, childCtx, childCancel, err := s.admit(context.Background())
	if err != nil {
		return nil, err
	}
	if action == nil {
		// Step 2 never happens: there is nothing to spawn. Roll the
		// admission back exactly as the protocol requires when spawning
		// fails before the child starts.
		childCancel(nil)
		s.rollback(id)
		c := newCell[T](id)
		var zero T
		c.publish(Outcome[T]{Value: zero})
		return c, nil
	}

	c := newCell[T](id)
	actionCtx := childCtx
	if masked {
		actionCtx = context.WithoutCancel(childCtx)
	}
	unmask := func(f func(context.Context) error) error { return f(childCtx) }

	go func() {
		s.commit(id, childCancel)
		// childCtx is a *cancelCtx registered on s.ctx's own children set;
		// without this, a scope that completes normally (no shutdown pass,
		// no rollback) never removes the entry and leaks one per child for
		// the scope's whole lifetime.
		defer childCancel(nil)

		var start time.Time
		if s.obs != nil {
			start = time.Now()
			s.obs.TaskStarted(s.ctx)
		}

		v, actionErr, panicked := runChild(s, actionCtx, unmask, action)

		kind := classifyChild(s, childCtx, actionErr)
		c.publish(Outcome[T]{Value: v, Err: actionErr})

		if actionErr != nil && policy(s, kind, actionErr) {
			s.fail(wrapKind(kind, actionErr))
		}

		if s.obs != nil {
			s.obs.TaskFinished(s.ctx, time.Since(start), actionErr, panicked)
		}

		s.deregister(id)
	}()

	return c, nil
}

// runChild executes action with panic recovery, honoring the scope's
// PanicAsError option: converted to an error by default (published like any
// other failure, then deregistered normally), or re-raised uncaught when
// the option is false — matching Go's own panic semantics, the child's
// outcome is never published in that case and the panic crashes the
// process unless something above this goroutine recovers it.
func runChild[T any](s *Scope, ctx context.Context, unmask Unmask, action func(context.Context, Unmask) (T, error)) (v T, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = &childPanic{value: r}
			if !s.opts.PanicAsError {
				panic(r)
			}
		}
	}()
	v, err = action(ctx, unmask)
	return v, err, false
}

type childPanic struct{ value any }

func (p *childPanic) Error() string { return "scope: child panicked" }
