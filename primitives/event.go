// Package primitives implements the small set of OS-primitive contracts
// the core relies on: a manual/auto reset blocking event matching Windows
// Event semantics, and a spin-lock for O(1) critical sections. Mutexes and
// condition variables proper are used directly from sync, per spec §5 —
// there is no value in wrapping them further.
package primitives

import (
	"context"
	"sync"
)

// Event is a blocking event, manual-reset or auto-reset.
//
// Manual-reset: Set() latches signalled until Reset(); every Wait call
// made while signalled (or concurrent with Set) returns immediately.
// Auto-reset: Set() releases exactly one waiter, then reverts to
// unsignalled; this is implemented with a buffered channel of capacity 1,
// the same mechanism the teacher's eventloop uses for its fastWakeupCh
// ("buffer size 1 prevents blocking on send when channel is full" is
// precisely auto-reset semantics).
type Event struct {
	manualReset bool

	mu   sync.Mutex
	ch   chan struct{} // manual-reset: closed when signalled
	auto chan struct{} // auto-reset: buffered(1), a token is "signalled"
}

// NewEvent constructs an Event. If initialState is true the event starts
// signalled.
func NewEvent(manualReset bool, initialState bool) *Event {
	e := &Event{manualReset: manualReset}
	if manualReset {
		e.ch = make(chan struct{})
		if initialState {
			close(e.ch)
		}
	} else {
		e.auto = make(chan struct{}, 1)
		if initialState {
			e.auto <- struct{}{}
		}
	}
	return e
}

// Set signals the event.
func (e *Event) Set() {
	if e.manualReset {
		e.mu.Lock()
		defer e.mu.Unlock()
		select {
		case <-e.ch:
			// already signalled
		default:
			close(e.ch)
		}
		return
	}
	select {
	case e.auto <- struct{}{}:
	default:
		// already has a pending token
	}
}

// Reset clears the event. No-op for an auto-reset event that has no
// pending token (Wait already clears it as a side effect); clears a
// pending token if one is outstanding.
func (e *Event) Reset() {
	if e.manualReset {
		e.mu.Lock()
		defer e.mu.Unlock()
		select {
		case <-e.ch:
			e.ch = make(chan struct{})
		default:
		}
		return
	}
	select {
	case <-e.auto:
	default:
	}
}

// Wait blocks until the event is signalled, ctx is done, or (for
// auto-reset) this call consumes the single pending token.
func (e *Event) Wait(ctx context.Context) error {
	if e.manualReset {
		e.mu.Lock()
		ch := e.ch
		e.mu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-e.auto:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSignalled reports the current signalled state without blocking.
// For an auto-reset event this has observational side effects only in
// the sense that it does not consume the token.
func (e *Event) IsSignalled() bool {
	if e.manualReset {
		e.mu.Lock()
		ch := e.ch
		e.mu.Unlock()
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	select {
	case v := <-e.auto:
		// put it back; this is a peek
		select {
		case e.auto <- v:
		default:
		}
		return true
	default:
		return false
	}
}
