package scope

import (
	"context"
	"errors"
	"fmt"
)

// ErrScopeClosed is returned synchronously by a fork operation invoked on a
// Scope whose body has already returned or panicked. No task is spawned.
var ErrScopeClosed = errors.New("scope: fork on closed scope")

// closureCause is the distinguished value a Scope's shutdown uses as the
// context.CancelCause for every live child. It is scope-specific (not a
// shared sentinel) so that a child can tell "my own scope is closing" apart
// from "some unrelated scope happens to use the same cause value" — the
// provenance check §7 of the design requires.
type closureCause struct {
	owner *Scope
}

func (c *closureCause) Error() string { return "scope: closed" }

// isClosureOf reports whether err is the closure cause of s, i.e. whether it
// was this scope's own shutdown that produced it.
func isClosureOf(s *Scope, err error) bool {
	var c *closureCause
	if !errors.As(err, &c) {
		return false
	}
	return c.owner == s
}

// asyncKind distinguishes a synchronous child failure from one attributable
// to an interrupt the child did not raise itself.
type asyncKind int

const (
	kindSync asyncKind = iota
	kindAsync
)

// childFailure is the propagation wrapper: it survives exactly one hop from
// a child's completion path to the parent's Close/Run, where it is unwrapped
// before the original error is surfaced to the caller. User code never sees
// a *childFailure.
type childFailure struct {
	kind asyncKind
	err  error
}

func (f *childFailure) Error() string { return f.err.Error() }
func (f *childFailure) Unwrap() error { return f.err }

func wrapSync(err error) error  { return &childFailure{kind: kindSync, err: err} }
func wrapAsync(err error) error { return &childFailure{kind: kindAsync, err: err} }

// unwrapChildFailure peels a single propagation wrapper, returning the
// original error and whether a wrapper was present.
func unwrapChildFailure(err error) (error, bool) {
	var f *childFailure
	if errors.As(err, &f) {
		return f.err, true
	}
	return err, false
}

// outcomeKind is which of §7's kinds 1-3 a completed child's failure is.
// Kinds 4 (scope-closed admission) and 5 (parent interrupted during
// shutdown) never reach here — they are resolved at their own call sites
// (admission, Close).
type outcomeKind int

const (
	outSync    outcomeKind = iota // kind 1: the action raised on its own
	outAsync                      // kind 2: some other party interrupted it
	outClosure                    // kind 3: this scope's own shutdown interrupted it
)

// classifyChild determines which kind a completed child's failure is. err
// is the value the action returned; childCtx is the cancellable context
// the action ran with. The provenance check from §7: a cause that looks
// like s's own closureCause only really is one if s is actually closed —
// otherwise something else produced an identical-looking value before s
// ever began shutting down, and it must be treated as foreign (kind 2).
// Even on a closed scope, only the interrupt itself (context.Canceled or
// the closure cause) is kind 3; any other error the action returns after
// the interrupt is its own failure (kind 1).
func classifyChild(s *Scope, childCtx context.Context, err error) outcomeKind {
	if err == nil {
		return outSync
	}
	cause := context.Cause(childCtx)
	if cause == nil {
		return outSync
	}
	if isClosureOf(s, cause) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return outAsync
		}
		if errors.Is(err, context.Canceled) || isClosureOf(s, err) {
			return outClosure
		}
		return outSync
	}
	return outAsync
}

func wrapKind(k outcomeKind, err error) error {
	if k == outAsync {
		return wrapAsync(err)
	}
	return wrapSync(err)
}

// parentInterruptError reports that the task which opened a scope was
// itself interrupted while that scope's shutdown was blocked at the join
// fence (kind 5). It is informational: Close always finishes joining
// children before this can affect the surfaced outcome.
type parentInterruptError struct {
	err error
}

func (p *parentInterruptError) Error() string {
	return fmt.Sprintf("scope: parent interrupted during shutdown: %v", p.err)
}
func (p *parentInterruptError) Unwrap() error { return p.err }
