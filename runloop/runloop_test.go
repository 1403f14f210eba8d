package runloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/policy"
)

func TestEnqRunsJobFIFO(t *testing.T) {
	rl := New("rl-1", "test", policy.FIFO{})
	rl.Start()
	defer rl.Stop(true, true)

	var order []int32
	var n atomic.Int32
	for i := 0; i < 3; i++ {
		i := i
		j := job.New("j", job.Func(func(stop func() bool) {
			order = append(order, n.Add(1))
			_ = i
		}))
		require.NoError(t, rl.Enq(j))
	}
	require.NoError(t, rl.WaitForIdle(time.Second))
	assert.Equal(t, []int32{1, 2, 3}, order)
}

func TestMaxJobsRejectsOverCapacity(t *testing.T) {
	rl := New("rl-1", "test", policy.FIFO{Max: 1})
	j1 := job.New("j1", job.Func(func(stop func() bool) { time.Sleep(50 * time.Millisecond) }))
	j2 := job.New("j2", job.Func(func(stop func() bool) {}))
	j3 := job.New("j3", job.Func(func(stop func() bool) {}))
	rl.Start()
	defer rl.Stop(true, true)

	require.NoError(t, rl.Enq(j1))
	time.Sleep(5 * time.Millisecond) // let worker pick j1 up, emptying Pending
	require.NoError(t, rl.Enq(j2))
	err := rl.Enq(j3)
	assert.Error(t, err)
}

func TestCancelPendingJob(t *testing.T) {
	rl := New("rl-1", "test", policy.FIFO{})
	j1 := job.New("j1", job.Func(func(stop func() bool) { time.Sleep(30 * time.Millisecond) }))
	j2 := job.New("j2", job.Func(func(stop func() bool) {}))
	rl.Start()
	defer rl.Stop(true, true)

	require.NoError(t, rl.Enq(j1))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, rl.Enq(j2))
	n := rl.CancelPendingJobs()
	assert.Equal(t, 1, n)

	require.NoError(t, rl.WaitForJob(j2, time.Second))
	assert.Equal(t, job.Cancelled, j2.Disposition())
}

func TestPauseResume(t *testing.T) {
	rl := New("rl-1", "test", policy.FIFO{})
	rl.Start()
	defer rl.Stop(true, true)

	rl.Pause(false)
	assert.True(t, rl.IsPaused())

	ran := make(chan struct{})
	j := job.New("j1", job.Func(func(stop func() bool) { close(ran) }))
	require.NoError(t, rl.Enq(j))

	select {
	case <-ran:
		t.Fatal("job ran while paused")
	case <-time.After(20 * time.Millisecond):
	}

	rl.Resume()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run after resume")
	}
}

func TestStopCancelsRunning(t *testing.T) {
	rl := New("rl-1", "test", policy.FIFO{})
	started := make(chan struct{})
	j := job.New("j1", job.Func(func(stop func() bool) {
		close(started)
		for !stop() {
			time.Sleep(time.Millisecond)
		}
	}))
	rl.Start()
	require.NoError(t, rl.Enq(j))
	<-started
	rl.Stop(true, true)
	assert.Equal(t, job.Cancelled, j.Disposition())
}

func TestGetStatsAndReset(t *testing.T) {
	rl := New("rl-1", "test", policy.FIFO{})
	rl.Start()
	defer rl.Stop(true, true)

	j := job.New("j1", job.Func(func(stop func() bool) {}))
	require.NoError(t, rl.Enq(j))
	require.NoError(t, rl.WaitForIdle(time.Second))

	stats := rl.GetStats()
	assert.Equal(t, uint64(1), stats.TotalJobs)

	prev := rl.ResetStats()
	assert.Equal(t, uint64(1), prev.TotalJobs)
	assert.Equal(t, uint64(0), rl.GetStats().TotalJobs)
}
