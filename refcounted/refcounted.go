// Package refcounted implements the shared-count + weak-count ownership
// contract described in spec §5 and Design Notes §9: job and run-loop
// state objects use shared ownership because worker goroutines may
// outlive the handle that created them, but the contract is implemented
// with plain atomic counters, not an intrusive reference-counted pointer
// type, per the explicit guidance to prefer a value type where one
// suffices.
package refcounted

import "sync/atomic"

// Box gives a *T shared+weak reference counting, matching the "shared
// count + weak count" contract: Release decrementing shared to zero
// invokes onZero (the "Harakiri" point); the weak count only tracks
// outstanding WeakRefs, and a WeakRef can only be promoted back to a
// live Box while shared > 0.
type Box[T any] struct {
	value  *T
	shared atomic.Int64
	weak   atomic.Int64
	onZero func(*T)
}

// NewBox wraps v with an initial shared count of 1 and no weak refs yet.
// onZero, if non-nil, runs exactly once, when the shared count first
// reaches zero.
func NewBox[T any](v *T, onZero func(*T)) *Box[T] {
	b := &Box[T]{value: v, onZero: onZero}
	b.shared.Store(1)
	return b
}

// Value returns the wrapped pointer. Valid as long as the caller holds a
// Retain()'d reference.
func (b *Box[T]) Value() *T { return b.value }

// Retain increments the shared count and returns b, for chaining, e.g.
// worker := job.Retain().
func (b *Box[T]) Retain() *Box[T] {
	b.shared.Add(1)
	return b
}

// Release decrements the shared count. At zero, onZero fires once; the
// weak count is not changed. Any outstanding WeakRef can still observe
// the zero count and will fail to promote.
func (b *Box[T]) Release() {
	if b.shared.Add(-1) == 0 && b.onZero != nil {
		b.onZero(b.value)
	}
}

// SharedCount returns the current shared reference count (diagnostic use).
func (b *Box[T]) SharedCount() int64 { return b.shared.Load() }

// Weak returns a new WeakRef to b.
func (b *Box[T]) Weak() *WeakRef[T] {
	b.weak.Add(1)
	return &WeakRef[T]{box: b}
}

// WeakRef is a non-owning reference that can be promoted back to a
// strong Box as long as the shared count has not reached zero.
type WeakRef[T any] struct {
	box *Box[T]
}

// Get attempts to promote the weak reference. ok is false if the box's
// shared count has already reached zero (the value is gone or going).
func (w *WeakRef[T]) Get() (*Box[T], bool) {
	for {
		cur := w.box.shared.Load()
		if cur <= 0 {
			return nil, false
		}
		if w.box.shared.CompareAndSwap(cur, cur+1) {
			return w.box, true
		}
	}
}

// Release drops this weak reference.
func (w *WeakRef[T]) Release() {
	w.box.weak.Add(-1)
}
