package primitives

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a minimal CAS-based lock for critical sections so short
// that a full sync.Mutex's syscall-capable slow path is overkill —
// bufferedfile's single-entry MRU buffer-cache slot is the only user.
type SpinLock struct {
	locked atomic.Bool
}

// Lock spins until the lock is acquired.
func (s *SpinLock) Lock() {
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Unlock releases the lock.
func (s *SpinLock) Unlock() {
	s.locked.Store(false)
}

// TryLock attempts to acquire without spinning.
func (s *SpinLock) TryLock() bool {
	return s.locked.CompareAndSwap(false, true)
}
