// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics using this module's Scope. It enables incremental migration
// without pulling errgroup into the core structured-concurrency package —
// Group itself is built on scope.Fork_, so callers get the scope's
// admission/shutdown guarantees for free.
package errgroup

import (
	"context"

	"github.com/cohortio/structconc/scope"
)

// Group is an errgroup-like wrapper over a *scope.Scope.
type Group struct {
	s   *scope.Scope
	ctx context.Context
}

// WithContext creates a Group bound to ctx. The returned context is
// cancelled as soon as any function passed to Go returns a non-nil error,
// exactly like golang.org/x/sync/errgroup.
func WithContext(ctx context.Context) (*Group, context.Context) {
	s := scope.New(ctx)
	g := &Group{s: s, ctx: s.Context()}
	return g, g.ctx
}

// Go starts a function. It should return a non-nil error to signal failure;
// the first such error is what Wait returns.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	_ = scope.Fork_(g.s, func(context.Context) (struct{}, error) {
		return struct{}{}, f()
	})
}

// Wait shuts the group's scope down: later calls to Go start nothing, and
// Wait blocks until every function already started has returned, then
// returns the first non-nil error, if any.
func (g *Group) Wait() error {
	return g.s.Close(nil)
}
