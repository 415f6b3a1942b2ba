package scope

import (
	"context"
	"errors"
	"testing"
)

func TestClassifyChildNilErrIsSync(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Close(nil) }()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if k := classifyChild(s, ctx, nil); k != outSync {
		t.Fatalf("expected outSync for a nil error, got %d", k)
	}
}

func TestClassifyChildUncancelledContextIsSync(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Close(nil) }()
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if k := classifyChild(s, ctx, errors.New("boom")); k != outSync {
		t.Fatalf("expected outSync when the child's own context was never cancelled, got %d", k)
	}
}

func TestClassifyChildForeignCauseIsAsync(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	defer func() { _ = s.Close(nil) }()
	other := New(context.Background())
	defer func() { _ = other.Close(nil) }()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(&closureCause{owner: other})
	if k := classifyChild(s, ctx, errors.New("boom")); k != outAsync {
		t.Fatalf("expected outAsync for a cause owned by a different scope, got %d", k)
	}
}

func TestClassifyChildProvenanceRequiresActualClosure(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	ctx, cancel := context.WithCancelCause(context.Background())
	// s's own closure cause, but s has not actually entered shutdown yet:
	// per the provenance check, this must not be misattributed as kind 3.
	cancel(&closureCause{owner: s})
	if k := classifyChild(s, ctx, errors.New("boom")); k != outAsync {
		t.Fatalf("expected outAsync when the scope is not yet closed, got %d", k)
	}
	_ = s.Close(nil)
}

func TestClassifyChildClosureRequiresClosed(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	ctx, cancel := context.WithCancelCause(context.Background())
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	cancel(&closureCause{owner: s})
	if k := classifyChild(s, ctx, context.Canceled); k != outClosure {
		t.Fatalf("expected outClosure once the scope is closed, got %d", k)
	}
}

func TestIsClosureOfDistinguishesOwners(t *testing.T) {
	t.Parallel()
	a := New(context.Background())
	defer func() { _ = a.Close(nil) }()
	b := New(context.Background())
	defer func() { _ = b.Close(nil) }()

	causeA := &closureCause{owner: a}
	if !isClosureOf(a, causeA) {
		t.Fatal("expected causeA to be recognised as a's own closure cause")
	}
	if isClosureOf(b, causeA) {
		t.Fatal("a's closure cause must not be mistaken for b's")
	}
	if isClosureOf(a, errors.New("unrelated")) {
		t.Fatal("an unrelated error must never be classified as a closure cause")
	}
}

func TestUnwrapChildFailureRoundTrips(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	wrapped := wrapAsync(boom)
	unwrapped, ok := unwrapChildFailure(wrapped)
	if !ok {
		t.Fatal("expected a wrapped failure to be recognised")
	}
	if !errors.Is(unwrapped, boom) {
		t.Fatalf("expected to recover the original error, got %v", unwrapped)
	}
	if _, ok := unwrapChildFailure(boom); ok {
		t.Fatal("a bare error must not be reported as wrapped")
	}
}

func TestParentInterruptErrorUnwraps(t *testing.T) {
	t.Parallel()
	cause := context.Canceled
	err := &parentInterruptError{err: cause}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected parentInterruptError to unwrap to its cause, got %v", err)
	}
}
