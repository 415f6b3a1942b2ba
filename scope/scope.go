package scope

import (
	"context"
	"sync"
	"time"
)

// Observer receives lifecycle events for a Scope and the tasks forked
// through it. Implementations must be safe for concurrent use; methods are
// called from arbitrary child goroutines as well as the scope's opener.
type Observer interface {
	ScopeCreated(ctx context.Context)
	ScopeCancelled(ctx context.Context, cause error)
	ScopeJoined(ctx context.Context, wait time.Duration)
	TaskStarted(ctx context.Context)
	TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool)
}

// Option configures a Scope at construction time.
type Option func(*Options)

// Options holds the configurable knobs of a Scope.
type Options struct {
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int
}

func defaultOptions() Options { return Options{PanicAsError: true} }

// WithPanicAsError controls whether a panicking child's recovered value is
// converted into an error (true, the default) or re-raised uncaught, with
// no outcome published (false).
func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

// WithObserver attaches an Observer to the scope.
func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

// WithMaxConcurrency bounds the number of children admitted concurrently.
// A fork call blocks inside the admission protocol's mask until a slot is
// free; see Limiter.
func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

// liveChild is the Scope's weak reference to an admitted child: enough to
// interrupt it at shutdown, never enough to own it.
type liveChild struct {
	id     int64
	cancel context.CancelCauseFunc
}

// Scope tracks live and about-to-start children, admits or rejects new
// forks, and orchestrates shutdown. It is created by New/Run/RunE and is
// owned exclusively by the task that opened it; children observe it only
// indirectly, through the bookkeeping guarded by mu.
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	parent context.Context

	mu           sync.Mutex
	nextID       int64
	starting     int64
	closed       bool
	children     map[int64]*liveChild
	startingZero chan struct{} // closed while starting == 0
	quiescent    chan struct{} // closed while starting == 0 && len(children) == 0

	firstErr   error
	parentIntr error

	closeOnce sync.Once
	closeErr  error

	lim  Limiter
	obs  Observer
	opts Options
}

// New opens a Scope as a child of parent. Forking through the returned
// Scope is legal until Close (invoked by Run/RunE, or directly) shuts it
// down.
func New(parent context.Context, opts ...Option) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return newWithOptions(parent, o)
}

func newWithOptions(parent context.Context, o Options) *Scope {
	ctx, cancel := context.WithCancelCause(parent)
	closedCh := make(chan struct{})
	close(closedCh)
	s := &Scope{
		ctx:          ctx,
		cancel:       cancel,
		parent:       parent,
		children:     make(map[int64]*liveChild),
		startingZero: closedCh,
		quiescent:    closedCh,
		opts:         o,
		obs:          o.Observer,
	}
	if o.MaxConcurrency > 0 {
		s.lim = newSemaphoreLimiter(o.MaxConcurrency)
	}
	if s.obs != nil {
		s.obs.ScopeCreated(ctx)
	}
	return s
}

// Context returns the Scope's context. It is cancelled the instant any
// child propagates a failure to the scope, and otherwise once shutdown has
// joined every child. Shutdown's scope-closure cause is delivered to each
// child's own context, not to this one.
func (s *Scope) Context() context.Context { return s.ctx }

// Run opens a Scope, runs body, and shuts the scope down unconditionally —
// the `scoped` combinator. It returns body's result if body returned and no
// unrecovered child failure occurred; otherwise the surfaced failure.
func Run[T any](parent context.Context, body func(*Scope) (T, error), opts ...Option) (T, error) {
	s := New(parent, opts...)
	v, bodyErr := runBody(s, body)
	if closeErr := s.Close(bodyErr); closeErr != nil {
		var zero T
		return zero, closeErr
	}
	return v, nil
}

// RunE is Run for bodies that produce no value.
func RunE(parent context.Context, body func(*Scope) error, opts ...Option) error {
	_, err := Run(parent, func(s *Scope) (struct{}, error) {
		return struct{}{}, body(s)
	}, opts...)
	return err
}

func runBody[T any](s *Scope, body func(*Scope) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &bodyPanic{value: r}
		}
	}()
	return body(s)
}

type bodyPanic struct{ value any }

func (p *bodyPanic) Error() string { return "scope: body panicked" }

// Child opens a nested Scope whose context derives from s's, so it is
// cancelled whenever s's context is. Closing s neither closes nor joins
// the nested Scope; it needs its own Close.
func (s *Scope) Child(opts ...Option) *Scope {
	merged := s.opts
	for _, fn := range opts {
		fn(&merged)
	}
	return newWithOptions(s.ctx, merged)
}

// refreshGates recomputes the startingZero/quiescent gate channels after a
// mutation to starting or children. Must be called with mu held.
func (s *Scope) refreshGates() {
	if s.starting == 0 {
		if !isClosedChan(s.startingZero) {
			close(s.startingZero)
		}
	} else if isClosedChan(s.startingZero) {
		s.startingZero = make(chan struct{})
	}

	quiet := s.starting == 0 && len(s.children) == 0
	if quiet {
		if !isClosedChan(s.quiescent) {
			close(s.quiescent)
		}
	} else if isClosedChan(s.quiescent) {
		s.quiescent = make(chan struct{})
	}
}

func isClosedChan(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// admit is step 1 of the admission protocol: reserve a child-id and bump
// starting, or fail with ErrScopeClosed. The bookkeeping runs under mu,
// i.e. under a non-interruptible mask — it never selects on a child's
// Done(), so no interrupt delivered to anyone else can land mid-transaction.
// With a Limiter, admit first blocks in Acquire before taking mu.
func (s *Scope) admit(ctx context.Context) (id int64, childCtx context.Context, childCancel context.CancelCauseFunc, err error) {
	if s.lim != nil {
		if aerr := s.lim.Acquire(ctx); aerr != nil {
			return 0, nil, nil, aerr
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if s.lim != nil {
			s.lim.Release()
		}
		return 0, nil, nil, ErrScopeClosed
	}
	id = s.nextID
	s.nextID++
	s.starting++
	s.refreshGates()
	s.mu.Unlock()

	childCtx, childCancel = context.WithCancelCause(s.ctx)
	return id, childCtx, childCancel, nil
}

// rollback undoes admit's step 1 when step 2 (spawning the child) does not
// happen. go statements cannot fail synchronously in Go; spawn calls this
// when the action is nil, so there is no task to start.
func (s *Scope) rollback(id int64) {
	s.mu.Lock()
	s.starting--
	s.refreshGates()
	s.mu.Unlock()
	if s.lim != nil {
		s.lim.Release()
	}
}

// commit is step 3: move the child from "starting" to "live". Called by
// the child itself as the very first thing it does, before running the
// user action.
func (s *Scope) commit(id int64, cancel context.CancelCauseFunc) {
	s.mu.Lock()
	s.starting--
	s.children[id] = &liveChild{id: id, cancel: cancel}
	s.refreshGates()
	s.mu.Unlock()
}

// deregister is step 5 of the child entry point. It does not retry: commit
// always happens-before deregister because both run sequentially on the
// child's own goroutine, so the entry is always present when it is removed.
// It also releases the child's Limiter slot.
func (s *Scope) deregister(id int64) {
	if s.lim != nil {
		s.lim.Release()
	}
	s.mu.Lock()
	delete(s.children, id)
	s.refreshGates()
	s.mu.Unlock()
}

// fail records a child failure as the scope's first unrecovered error (if
// none is recorded yet) and cancels the scope's context so that siblings
// derived from it observe the failure immediately rather than waiting for
// shutdown's own interrupt pass.
func (s *Scope) fail(wrapped error) {
	if wrapped == nil {
		return
	}
	s.mu.Lock()
	first := s.firstErr == nil
	if first {
		s.firstErr = wrapped
	}
	s.mu.Unlock()
	cause := wrapped
	if underlying, _ := unwrapChildFailure(wrapped); underlying != nil {
		cause = underlying
	}
	wasCancelled := s.ctx.Err() != nil
	s.cancel(wrapped)
	if first && !wasCancelled && s.obs != nil {
		s.obs.ScopeCancelled(s.ctx, cause)
	}
}

// Wait blocks until the scope has zero live children and zero
// admitted-but-not-live children, or until ctx is done. Safe to call
// repeatedly (P6): once quiescent, it returns immediately forever after.
func (s *Scope) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		empty := s.starting == 0 && len(s.children) == 0
		gate := s.quiescent
		s.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-gate:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitFor is Wait bounded by a duration; it reports whether the scope
// quiesced before the deadline.
func (s *Scope) WaitFor(d time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Wait(ctx) == nil
}

// joinFence blocks until the scope is quiescent, recording (but never
// acting on) the first signal that the parent's own ambient context was
// cancelled while we waited — kind 5. It is the same loop as Wait, plus
// that one observation, specialised to avoid re-selecting on an
// already-fired parent.Done() forever.
func (s *Scope) joinFence() {
	sawParentIntr := false
	for {
		s.mu.Lock()
		empty := s.starting == 0 && len(s.children) == 0
		gate := s.quiescent
		s.mu.Unlock()
		if empty {
			return
		}
		if sawParentIntr {
			<-gate
			continue
		}
		select {
		case <-gate:
		case <-s.parent.Done():
			if s.parentIntr == nil {
				s.parentIntr = s.parent.Err()
			}
			sawParentIntr = true
		}
	}
}

// Close runs the shutdown protocol: block until admission is quiescent,
// mark the scope closed, interrupt every live child, wait for the join
// fence, then resolve the surfaced outcome per §7's precedence (bodyErr >
// first unrecovered child failure > first parent-interrupted-during-
// shutdown > nil). Safe to call more than once; only the first call runs
// the protocol.
func (s *Scope) Close(bodyErr error) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.shutdown(bodyErr)
	})
	return s.closeErr
}

func (s *Scope) shutdown(bodyErr error) error {
	// Step 1: wait for starting == 0 (I2) and, in the very same critical
	// section that confirms it, close admission and snapshot the live set.
	// Observing starting == 0 and setting closed must not be two separate
	// lock acquisitions: a fork that reaches admit between them would pass
	// the !s.closed check, commit after the snapshot is taken, and then
	// never be interrupted by step 2 below.
	var snapshot []*liveChild
	for {
		s.mu.Lock()
		if s.starting == 0 {
			s.closed = true
			snapshot = make([]*liveChild, 0, len(s.children))
			for _, c := range s.children {
				snapshot = append(snapshot, c)
			}
			s.mu.Unlock()
			break
		}
		gate := s.startingZero
		s.mu.Unlock()
		<-gate
	}

	// Step 2: interrupt every live child with the scope-closure cause.
	// context.CancelCauseFunc cannot itself block or raise into the
	// shutter, so there is nothing here to retry the way the source's
	// shutdown loop retries a child whose interrupt delivery failed; see
	// DESIGN.md for that simplification.
	cause := &closureCause{owner: s}
	for _, c := range snapshot {
		c.cancel(cause)
	}

	// Step 3: the join fence. Kind 5 (parent interrupted during shutdown)
	// is recorded but never short-circuits the wait — every child is
	// joined regardless (P1).
	joinStart := time.Now()
	s.joinFence()

	if s.obs != nil {
		s.obs.ScopeJoined(s.ctx, time.Since(joinStart))
	}

	// s.ctx derives from parent via context.WithCancelCause and is
	// registered in parent's cancellation tree for as long as it stays
	// uncancelled. fail already cancels it on a propagated failure; a scope
	// that joins cleanly must still release it here, or a long-lived parent
	// (the common case for a Child scope or any real request context)
	// retains one entry per completed scope for its own lifetime.
	s.cancel(nil)

	// Step 4: resolve the surfaced outcome.
	s.mu.Lock()
	firstErr := s.firstErr
	parentIntr := s.parentIntr
	s.mu.Unlock()

	switch {
	case bodyErr != nil:
		return bodyErr
	case firstErr != nil:
		if unwrapped, ok := unwrapChildFailure(firstErr); ok {
			return unwrapped
		}
		return firstErr
	case parentIntr != nil:
		return &parentInterruptError{err: parentIntr}
	default:
		return nil
	}
}
