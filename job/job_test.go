package job

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvonlabs/sysutil/errs"
)

func TestNewJobDefaults(t *testing.T) {
	j := New("j1", Func(func(stop func() bool) {}))
	assert.Equal(t, Pending, j.State())
	assert.Equal(t, Unknown, j.Disposition())
}

func TestRunOnceSucceeds(t *testing.T) {
	ran := false
	j := New("j1", Func(func(stop func() bool) { ran = true }))
	j.RunOnce(func() bool { return false })
	assert.True(t, ran)
	assert.Equal(t, Completed, j.State())
	assert.Equal(t, Succeeded, j.Disposition())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, j.Completed.Wait(ctx))
}

func TestFailSetsDisposition(t *testing.T) {
	j := New("j1", Func(func(stop func() bool) {
		panic("boom")
	}))
	j.RunOnce(func() bool { return false })
	assert.Equal(t, Failed, j.Disposition())
	require.NotNil(t, j.Err())
	assert.Equal(t, errs.CodeInternal, j.Err().Code)
}

func TestCancelWakesSleep(t *testing.T) {
	j := New("j1", Func(func(stop func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = j.Sleep.Wait(ctx)
	}))
	done := make(chan struct{})
	go func() {
		j.RunOnce(func() bool { return false })
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	j.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not wake from cancellation")
	}
	assert.Equal(t, Cancelled, j.Disposition())
}

func TestResetClearsState(t *testing.T) {
	j := New("j1", Func(func(stop func() bool) {}))
	j.RunOnce(func() bool { return false })
	j.Reset("rl-1")
	assert.Equal(t, Pending, j.State())
	assert.Equal(t, Unknown, j.Disposition())
	assert.Equal(t, "rl-1", j.RunLoopID())
}

func TestStatsMinMax(t *testing.T) {
	var s Stats
	s.Record(Stat{ID: "a", Elapsed: 10 * time.Millisecond})
	s.Record(Stat{ID: "b", Elapsed: 5 * time.Millisecond})
	s.Record(Stat{ID: "c", Elapsed: 20 * time.Millisecond})
	assert.Equal(t, uint64(3), s.TotalJobs)
	assert.Equal(t, "b", s.Min.ID)
	assert.Equal(t, "c", s.Max.ID)
	assert.Equal(t, "c", s.Last.ID)

	prev := s.Reset()
	assert.Equal(t, uint64(3), prev.TotalJobs)
	assert.Equal(t, uint64(0), s.TotalJobs)
}
