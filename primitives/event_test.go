package primitives

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualResetLatches(t *testing.T) {
	e := NewEvent(true, false)
	assert.False(t, e.IsSignalled())
	e.Set()
	assert.True(t, e.IsSignalled())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	// manual reset: still signalled after a Wait
	assert.True(t, e.IsSignalled())

	e.Reset()
	assert.False(t, e.IsSignalled())
}

func TestAutoResetReleasesOneWaiter(t *testing.T) {
	e := NewEvent(false, false)
	e.Set()
	ctx := context.Background()
	require.NoError(t, e.Wait(ctx))
	assert.False(t, e.IsSignalled())
}

func TestWaitTimesOut(t *testing.T) {
	e := NewEvent(true, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSpinLockMutualExclusion(t *testing.T) {
	var s SpinLock
	var counter int
	done := make(chan struct{})
	const n = 1000
	go func() {
		for i := 0; i < n; i++ {
			s.Lock()
			counter++
			s.Unlock()
		}
		done <- struct{}{}
	}()
	for i := 0; i < n; i++ {
		s.Lock()
		counter++
		s.Unlock()
	}
	<-done
	assert.Equal(t, 2*n, counter)
}
