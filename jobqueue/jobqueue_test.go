package jobqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/policy"
)

func TestMultipleWorkersDrainConcurrently(t *testing.T) {
	q := New("q-1", "workers", policy.FIFO{}, WithWorkers(4))
	q.Start()
	defer q.Stop(true, true)

	var wg sync.WaitGroup
	var completed atomic.Int32
	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		j := job.New("j", job.Func(func(stop func() bool) {
			time.Sleep(time.Millisecond)
			completed.Add(1)
			wg.Done()
		}))
		require.NoError(t, q.Enq(j))
	}
	wg.Wait()
	assert.Equal(t, int32(n), completed.Load())
}

func TestWorkerLifecycleHooks(t *testing.T) {
	var initialized, uninitialized []string
	var mu sync.Mutex
	q := New("q-1", "lifecycle", policy.FIFO{}, WithWorkers(2), WithWorkerLifecycle(
		func(name string) error {
			mu.Lock()
			initialized = append(initialized, name)
			mu.Unlock()
			return nil
		},
		func(name string) {
			mu.Lock()
			uninitialized = append(uninitialized, name)
			mu.Unlock()
		},
	))
	q.Start()
	q.Stop(true, true)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, initialized, 2)
	assert.Len(t, uninitialized, 2)
}

func TestEnqueueRateLimit(t *testing.T) {
	q := New("q-1", "limited", policy.FIFO{}, WithEnqueueRateLimit(map[time.Duration]int{
		time.Minute: 1,
	}))
	j1 := job.New("j1", job.Func(func(stop func() bool) {}))
	j2 := job.New("j2", job.Func(func(stop func() bool) {}))
	require.NoError(t, q.Enq(j1))
	err := q.Enq(j2)
	assert.Error(t, err)
}

func TestQueueCancelAllJobs(t *testing.T) {
	q := New("q-1", "cancel", policy.FIFO{}, WithWorkers(1))
	q.Start()
	defer q.Stop(true, true)

	j1 := job.New("j1", job.Func(func(stop func() bool) { time.Sleep(50 * time.Millisecond) }))
	j2 := job.New("j2", job.Func(func(stop func() bool) {}))
	require.NoError(t, q.Enq(j1))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, q.Enq(j2))

	n := q.CancelAllJobs()
	assert.Equal(t, 2, n)
}
