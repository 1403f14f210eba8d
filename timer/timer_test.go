package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTicker lets periodic-timer tests fire ticks on demand instead of
// blocking on a real wall-clock period.
type fakeTicker struct {
	C chan time.Time
}

func (f *fakeTicker) tick() { f.C <- time.Now() }

func withFakeTicker(t *testing.T) *fakeTicker {
	t.Helper()
	ft := &fakeTicker{C: make(chan time.Time, 1)}
	prev := timerNewTicker
	timerNewTicker = func(d time.Duration) *time.Ticker {
		ticker := time.NewTicker(d)
		ticker.C = ft.C
		return ticker
	}
	t.Cleanup(func() { timerNewTicker = prev })
	return ft
}

func TestOneShotFiresOnceAndRetires(t *testing.T) {
	prev := timerAfterFunc
	fired := make(chan uint64, 1)
	var captured func()
	timerAfterFunc = func(d time.Duration, f func()) *time.Timer {
		captured = f
		return time.NewTimer(time.Hour)
	}
	defer func() { timerAfterFunc = prev }()

	tm := NewTimer(func(token uint64) { fired <- token })
	require.NoError(t, tm.Start(time.Millisecond, false))
	captured()

	select {
	case got := <-fired:
		assert.Equal(t, tm.Token, got)
	case <-time.After(time.Second):
		t.Fatal("onAlarm did not fire")
	}
	assert.False(t, tm.IsActive())
}

func TestStopBeforeFireSuppressesAlarm(t *testing.T) {
	ft := withFakeTicker(t)
	var calls atomic.Int32
	tm := NewTimer(func(token uint64) { calls.Add(1) })
	require.NoError(t, tm.Start(time.Millisecond, true))
	tm.Stop()
	ft.tick()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestPeriodicFiresEachTick(t *testing.T) {
	ft := withFakeTicker(t)
	fired := make(chan uint64, 4)
	tm := NewTimer(func(token uint64) { fired <- token })
	require.NoError(t, tm.Start(time.Millisecond, true))
	defer tm.Stop()

	ft.tick()
	ft.tick()
	for i := 0; i < 2; i++ {
		select {
		case got := <-fired:
			assert.Equal(t, tm.Token, got)
		case <-time.After(time.Second):
			t.Fatal("tick did not fire")
		}
	}
}

func TestStartRejectsNonPositiveInterval(t *testing.T) {
	tm := NewTimer(func(uint64) {})
	assert.Error(t, tm.Start(0, false))
}

func TestStartRejectsDoubleStart(t *testing.T) {
	ft := withFakeTicker(t)
	_ = ft
	tm := NewTimer(func(uint64) {})
	require.NoError(t, tm.Start(time.Millisecond, true))
	defer tm.Stop()
	assert.Error(t, tm.Start(time.Millisecond, true))
}
