// Package vorder implements the OrderOracle: the sole visibility test used
// while traversing nodes, edges, and properties at a consistent viewer clock.
package vorder

import "github.com/weaver-graph/weaver/internal/vclock"

// Oracle decides whether a (creat, del) pair is visible to a viewer clock.
// Oracle is pure and holds no mutable state, so a single Oracle value is
// safe to share across every shard worker goroutine without synchronization.
type Oracle struct{}

// New returns an Oracle. There is no configuration: visibility is defined
// entirely by the componentwise vector-clock order.
func New() Oracle { return Oracle{} }

// Visible reports whether a record created at creat and deleted at del (or
// never, see vclock.Never) is visible to viewer: creat <= viewer AND NOT
// (del <= viewer).
func (Oracle) Visible(viewer, creat, del vclock.Clock) bool {
	return creat.LessEq(viewer) && !del.LessEq(viewer)
}

// VisibleIter lazily filters candidates by Visible, stopping as soon as the
// underlying sequence is exhausted. It is a single, non-restartable pass over
// a node's edge or property list rather than a reusable collection.
type VisibleIter[T any] struct {
	oracle  Oracle
	viewer  vclock.Clock
	items   []T
	creatOf func(T) vclock.Clock
	delOf   func(T) vclock.Clock
	pos     int
}

// NewVisibleIter builds an iterator over items, yielding only those visible
// to viewer under the given creat/del accessors.
func NewVisibleIter[T any](viewer vclock.Clock, items []T, creatOf, delOf func(T) vclock.Clock) *VisibleIter[T] {
	return &VisibleIter[T]{
		oracle:  New(),
		viewer:  viewer,
		items:   items,
		creatOf: creatOf,
		delOf:   delOf,
	}
}

// Next returns the next visible item and true, or the zero value and false
// once the underlying sequence is exhausted.
func (it *VisibleIter[T]) Next() (T, bool) {
	for it.pos < len(it.items) {
		cand := it.items[it.pos]
		it.pos++
		if it.oracle.Visible(it.viewer, it.creatOf(cand), it.delOf(cand)) {
			return cand, true
		}
	}
	var zero T
	return zero, false
}

// Collect drains the iterator into a slice. Convenience for call sites that
// don't need to interleave traversal with other work.
func (it *VisibleIter[T]) Collect() []T {
	var out []T
	for {
		v, ok := it.Next()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}
