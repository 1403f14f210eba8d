package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/jobqueue"
	"github.com/arvonlabs/sysutil/policy"
)

func newStages(n int) []*jobqueue.Queue {
	stages := make([]*jobqueue.Queue, n)
	for i := range stages {
		stages[i] = jobqueue.New("stage", "stage", policy.FIFO{}, jobqueue.WithWorkers(2))
	}
	return stages
}

func TestJobTravelsThroughAllStages(t *testing.T) {
	stages := newStages(3)
	p := New("p-1", "pipe", stages)
	p.Start()
	defer p.Stop(true, true)

	var visited []int
	var mu sync.Mutex
	pj := NewJob("j-1", Func(func(stop func() bool) {
		mu.Lock()
		visited = append(visited, 0)
		mu.Unlock()
	}))
	require.NoError(t, p.Enq(pj))
	require.NoError(t, p.WaitForJob(pj, time.Second))

	assert.Equal(t, job.Succeeded, pj.Disposition())
	assert.Equal(t, len(stages)-1, pj.Stage())
}

func TestBeginAndEndFireExactlyOnce(t *testing.T) {
	stages := newStages(3)
	p := New("p-1", "pipe", stages)
	p.Start()
	defer p.Stop(true, true)

	var begins, ends, execs atomic.Int32
	exec := &countingExecutor{begins: &begins, ends: &ends, execs: &execs}
	pj := NewJob("j-1", exec)
	require.NoError(t, p.Enq(pj))
	require.NoError(t, p.WaitForJob(pj, time.Second))

	assert.Equal(t, int32(1), begins.Load())
	assert.Equal(t, int32(1), ends.Load())
	assert.Equal(t, int32(3), execs.Load())
}

type countingExecutor struct {
	begins, ends, execs *atomic.Int32
}

func (c *countingExecutor) Begin(stop func() bool)   { c.begins.Add(1) }
func (c *countingExecutor) Execute(stop func() bool) { c.execs.Add(1) }
func (c *countingExecutor) End(stop func() bool)     { c.ends.Add(1) }

func TestCancelDuringEarlyStageStopsAdvance(t *testing.T) {
	stages := newStages(3)
	p := New("p-1", "pipe", stages)
	p.Start()
	defer p.Stop(true, true)

	release := make(chan struct{})
	pj := NewJob("j-1", Func(func(stop func() bool) {
		<-release
	}))
	require.NoError(t, p.Enq(pj))

	time.Sleep(10 * time.Millisecond)
	pj.Cancel()
	close(release)

	require.NoError(t, p.WaitForJob(pj, time.Second))
	assert.Equal(t, job.Cancelled, pj.Disposition())
	assert.Equal(t, 0, pj.Stage())
}

func TestFailurePropagatesAndStopsAdvance(t *testing.T) {
	stages := newStages(3)
	p := New("p-1", "pipe", stages)
	p.Start()
	defer p.Stop(true, true)

	pjFail := NewJob("j-1", Func(func(stop func() bool) {
		panic("boom")
	}))
	require.NoError(t, p.Enq(pjFail))
	require.NoError(t, p.WaitForJob(pjFail, time.Second))

	assert.Equal(t, job.Failed, pjFail.Disposition())
	assert.Equal(t, 0, pjFail.Stage())
	require.NotNil(t, pjFail.Err())
	assert.Equal(t, errs.CodeInternal, pjFail.Err().Code)
}

func TestWaitForIdleBlocksUntilAllJobsFinish(t *testing.T) {
	stages := newStages(2)
	p := New("p-1", "pipe", stages)
	p.Start()
	defer p.Stop(true, true)

	release := make(chan struct{})
	pj := NewJob("j-1", Func(func(stop func() bool) {
		<-release
	}))
	require.NoError(t, p.Enq(pj))

	errCh := make(chan error, 1)
	go func() { errCh <- p.WaitForIdle(time.Second) }()
	time.Sleep(10 * time.Millisecond)
	close(release)
	require.NoError(t, <-errCh)
}

func TestCancelAllJobs(t *testing.T) {
	stages := newStages(2)
	p := New("p-1", "pipe", stages)
	p.Start()
	defer p.Stop(true, true)

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	jobs := make([]*Job, 2)
	for i := range jobs {
		jobs[i] = NewJob("j", Func(func(stop func() bool) {
			started.Done()
			<-release
		}))
		require.NoError(t, p.Enq(jobs[i]))
	}
	started.Wait()
	n := p.CancelAllJobs()
	assert.Equal(t, 2, n)
	close(release)

	for _, j := range jobs {
		require.NoError(t, p.WaitForJob(j, time.Second))
		assert.Equal(t, job.Cancelled, j.Disposition())
	}
}
