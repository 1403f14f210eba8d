// Package pool implements a generic borrow/return object pool over any
// io.Closer-shaped resource, per spec §4.4: a bounded `min`/`max` pool of
// lazily created values, checked out via Handle and returned via
// Handle.Release. workerpool.Pool is built directly on it, over an
// io.Closer adapter around *jobqueue.Queue; there is no dedicated pool
// type for pipelines.
package pool

import (
	"context"
	"io"
	"runtime"
	"sync"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/list"
	"github.com/arvonlabs/sysutil/refcounted"
)

type entry[T io.Closer] struct {
	box  *refcounted.Box[T]
	node *list.Node[*entry[T]]
}

// Pool is a bounded pool of lazily constructed T values. min is the
// floor below which a Released, otherwise-idle value is kept around
// rather than Closed; max (0 = unbounded) is the ceiling on values
// live at once (available + borrowed).
type Pool[T io.Closer] struct {
	factory  func() (T, error)
	min, max int

	mu        sync.Mutex
	available list.List[*entry[T]]
	borrowed  list.List[*entry[T]]
	idle      *sync.Cond
	notFull   *sync.Cond
	count     int
	closed    bool
}

// New constructs a Pool that lazily creates values via factory, never
// discarding more than down to min idle values, and never holding more
// than max live values at once (0 meaning unbounded).
func New[T io.Closer](factory func() (T, error), min, max int) *Pool[T] {
	p := &Pool[T]{factory: factory, min: min, max: max}
	p.idle = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)
	return p
}

// Handle is a checked-out pool value. The zero value is not usable;
// obtain one from Pool.Get. It is a thin refcounted.Box wrapper: the
// normal path is an explicit Release, but a runtime finalizer is
// registered as a safety net mirroring the originating library's
// destructor-driven return, in case a caller drops a Handle without
// releasing it.
type Handle[T io.Closer] struct {
	pool     *Pool[T]
	e        *entry[T]
	released sync.Once
}

// Value returns the checked-out value.
func (h *Handle[T]) Value() T { return *h.e.box.Value() }

// Release returns the value to its pool, Closing it instead if doing so
// would keep more than min idle values around. Safe to call more than
// once; only the first call has an effect.
func (h *Handle[T]) Release() {
	h.released.Do(func() {
		runtime.SetFinalizer(h, nil)
		h.pool.release(h.e)
	})
}

func (p *Pool[T]) release(e *entry[T]) {
	p.mu.Lock()
	p.borrowed.Remove(e.node)
	discard := p.closed || p.available.Len() >= p.min
	if !discard {
		p.available.PushBack(e.node)
	} else {
		p.count--
	}
	p.notFull.Signal()
	if p.borrowed.Len() == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()
	if discard {
		e.box.Release()
	}
}

// Get checks out a value, creating one via factory if none are
// available and the pool is below max. If the pool is at capacity, Get
// blocks until one is released or ctx is done.
func (p *Pool[T]) Get(ctx context.Context) (*Handle[T], error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, errs.New(errs.CodeArgument, "pool: Get called after Close")
		}
		if n := p.available.PopFront(); n != nil {
			e := n.Value
			p.borrowed.PushBack(n)
			p.mu.Unlock()
			return p.wrap(e), nil
		}
		if p.max == 0 || p.count < p.max {
			p.count++
			p.mu.Unlock()
			v, err := p.factory()
			if err != nil {
				p.mu.Lock()
				p.count--
				p.mu.Unlock()
				return nil, errs.Wrap(errs.CodeInternal, err, "pool: factory failed")
			}
			e := &entry[T]{box: refcounted.NewBox(&v, func(v *T) { _ = (*v).Close() })}
			e.node = list.NewNode[*entry[T]](e)
			p.mu.Lock()
			p.borrowed.PushBack(e.node)
			p.mu.Unlock()
			return p.wrap(e), nil
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if waitErr := condWaitCtx(ctx, p.notFull); waitErr != nil {
			p.mu.Unlock()
			return nil, waitErr
		}
	}
}

// wrap builds the Handle and arms its finalizer safety net.
func (p *Pool[T]) wrap(e *entry[T]) *Handle[T] {
	h := &Handle[T]{pool: p, e: e}
	runtime.SetFinalizer(h, func(h *Handle[T]) { h.Release() })
	return h
}

// condWaitCtx blocks on cond.Wait (caller holds cond.L), but also wakes
// on ctx's cancellation by racing a goroutine that Broadcasts once ctx
// is done. cond.L is held on both entry and exit, matching Wait's own
// contract.
func condWaitCtx(ctx context.Context, cond *sync.Cond) error {
	if ctx.Done() == nil {
		cond.Wait()
		return nil
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-stop:
		}
	}()
	cond.Wait()
	return ctx.Err()
}

// WaitForIdle blocks until no values are checked out, or ctx is done.
func (p *Pool[T]) WaitForIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.borrowed.Len() != 0 {
			p.idle.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current available and borrowed values.
func (p *Pool[T]) Snapshot() (available, borrowed []T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.available.ToSlice() {
		available = append(available, *e.box.Value())
	}
	for _, e := range p.borrowed.ToSlice() {
		borrowed = append(borrowed, *e.box.Value())
	}
	return available, borrowed
}

// Close marks the pool closed, rejecting future Get calls, and closes
// every currently available value immediately; still-borrowed values
// are closed when their Handle is Released.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	p.closed = true
	var toRelease []*entry[T]
	for n := p.available.PopFront(); n != nil; n = p.available.PopFront() {
		toRelease = append(toRelease, n.Value)
		p.count--
	}
	p.mu.Unlock()
	for _, e := range toRelease {
		e.box.Release()
	}
}
