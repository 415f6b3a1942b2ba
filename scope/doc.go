// Package scope provides structured-concurrency primitives for Go.
//
// A Scope bounds the lifetime of every task forked through it: when the
// scope closes, for any reason, every live child is interrupted and joined
// before control returns to the scope's opener. Two families of fork
// operations are offered — Fork/Fork_ propagate a child's failure to the
// parent; Async captures it in a handle instead. Both kinds of handle share
// a single-assignment outcome cell and differ only in what awaiting yields.
package scope
