// Package timer implements a token-identity timer: a handle whose fired
// callback looks itself up in a package-level registry before firing,
// per spec §4.7. This avoids the callback-fires-after-owner-gone race
// without requiring the owner to carry a strong reference back to the
// timer once it no longer cares about it — Stop retires the token and
// any in-flight fire becomes a silent no-op.
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvonlabs/sysutil/errs"
)

// Test seam, in the style of catrate/limiter.go's timeNow/timeNewTicker
// vars, so periodic-timer tests don't block on real wall-clock periods.
var (
	timerAfterFunc = time.AfterFunc
	timerNewTicker = time.NewTicker
)

var (
	registry  sync.Map // uint64 -> *Timer
	nextToken atomic.Uint64
)

// Timer is a registered alarm, identified by a stable Token.
type Timer struct {
	Token   uint64
	onAlarm func(token uint64)

	mu       sync.Mutex
	periodic bool
	timer    *time.Timer
	ticker   *time.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// NewTimer registers a new, unstarted Timer and returns its handle.
// onAlarm is invoked (from a private goroutine) each time the timer
// fires, with the timer's own Token, and only if the token has not since
// been retired by Stop.
func NewTimer(onAlarm func(token uint64)) *Timer {
	t := &Timer{Token: nextToken.Add(1), onAlarm: onAlarm}
	registry.Store(t.Token, t)
	return t
}

// Start arms the timer. A one-shot timer (periodic == false) fires once
// after interval and retires itself; a periodic timer fires every
// interval until Stop is called.
func (t *Timer) Start(interval time.Duration, periodic bool) error {
	if interval <= 0 {
		return errs.New(errs.CodeArgument, "timer %d: interval must be positive, got %s", t.Token, interval)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil || t.ticker != nil {
		return errs.New(errs.CodeArgument, "timer %d: already started", t.Token)
	}

	t.periodic = periodic
	if periodic {
		t.ticker = timerNewTicker(interval)
		t.done = make(chan struct{})
		go t.tickLoop(t.ticker, t.done)
	} else {
		t.timer = timerAfterFunc(interval, func() {
			t.fire()
			t.Stop()
		})
	}
	return nil
}

func (t *Timer) tickLoop(ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ticker.C:
			t.fire()
		case <-done:
			return
		}
	}
}

// fire looks the timer's own token up in the registry before invoking
// onAlarm — a token already retired by Stop is a silent no-op, which is
// what lets Stop race safely against an alarm already in flight.
func (t *Timer) fire() {
	if _, ok := registry.Load(t.Token); !ok {
		return
	}
	t.onAlarm(t.Token)
}

// Stop retires the timer's token and releases its underlying OS timer.
// Idempotent.
func (t *Timer) Stop() {
	registry.Delete(t.Token)
	t.stopOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.ticker != nil {
			t.ticker.Stop()
			close(t.done)
		}
	})
}

// IsActive reports whether the timer's token is still live (i.e. Stop
// has not yet been called).
func (t *Timer) IsActive() bool {
	_, ok := registry.Load(t.Token)
	return ok
}
