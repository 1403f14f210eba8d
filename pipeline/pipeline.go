// Package pipeline implements an ordered stage pipeline: an assembly
// line of jobqueue.Queue stages that a Job is shepherded through one
// stage at a time, per spec §3.3 and §4.3's second half.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/jobqueue"
	"github.com/arvonlabs/sysutil/list"
	"github.com/arvonlabs/sysutil/primitives"
)

// deadlineCtx converts a relative timeout into a context: negative means
// wait forever, zero or positive is a relative timeout — mirrors
// runloop's own deadlineCtx helper, duplicated here to avoid a
// pipeline -> runloop -> ... import solely for this conversion.
func deadlineCtx(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Executor is the per-pipeline-job work. Execute runs once per stage;
// Begin/End are one-time hooks at the pipeline's global level, distinct
// from the per-stage Prologue/Epilogue a plain job.Job would use — Begin
// fires before stage 0's Execute, End fires after the last stage's
// Execute, or after the Execute of the stage at which the job was
// cancelled or failed. A pipeline-aware Executor typically switches on the calling
// Job's Stage to vary its behavior per station.
type Executor interface {
	Begin(stop func() bool)
	Execute(stop func() bool)
	End(stop func() bool)
}

// Func adapts a plain per-stage function to Executor, with no-op
// Begin/End, mirroring job.Func.
type Func func(stop func() bool)

func (f Func) Begin(stop func() bool)   {}
func (f Func) Execute(stop func() bool) { f(stop) }
func (f Func) End(stop func() bool)     {}

// Job is one item travelling through a Pipeline's stages. Unlike a bare
// job.Job, a pipeline Job is never itself enqueued on a jobqueue.Queue:
// each stage gets a disposable, freshly constructed job.Job (see
// newStageJob) so that job.Job.Finalize's unconditional
// Completed-on-finish semantics never race against this Job being
// simultaneously re-enqueued on the next stage. See DESIGN.md's pipeline
// entry for why this deviates from a literal "Job embeds *job.Job".
type Job struct {
	ID       string
	executor Executor
	pipeline *Pipeline

	stage     atomic.Int32
	startNano atomic.Int64
	cancelled atomic.Bool
	disp      atomic.Int32

	errMu sync.Mutex
	err   *errs.Error

	currentStageJob atomic.Pointer[job.Job]

	// Completed fires (manual-reset) once the job leaves the last stage,
	// either by finishing normally or by being cancelled/failed early.
	Completed *primitives.Event

	node *list.Node[*Job]
}

// NewJob constructs a pipeline Job, ready for Pipeline.Enq.
func NewJob(id string, executor Executor) *Job {
	j := &Job{ID: id, executor: executor, Completed: primitives.NewEvent(true, false)}
	j.disp.Store(int32(job.Unknown))
	j.node = list.NewNode[*Job](j)
	return j
}

// Stage returns the job's current 0-based stage index.
func (j *Job) Stage() int { return int(j.stage.Load()) }

// Disposition returns the job's overall completion verdict.
func (j *Job) Disposition() job.Disposition { return job.Disposition(j.disp.Load()) }

// Err returns the structured error recorded on failure, or nil.
func (j *Job) Err() *errs.Error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

// Cancel marks the job cancelled and wakes its in-flight stage job, if
// any, the same way job.Job.Cancel wakes a sleeping job.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	if sj := j.currentStageJob.Load(); sj != nil {
		sj.Cancel()
	}
}

func (j *Job) combinedStop(stageStop func() bool) func() bool {
	return func() bool { return stageStop() || j.cancelled.Load() }
}

func (j *Job) propagateFailure(d job.Disposition, err *errs.Error) {
	if job.Disposition(j.disp.Load()) != job.Unknown {
		return
	}
	if d == job.Cancelled || d == job.Failed {
		j.disp.CompareAndSwap(int32(job.Unknown), int32(d))
		if err != nil {
			j.errMu.Lock()
			j.err = err
			j.errMu.Unlock()
		}
	}
}

// stageExecutor adapts one Job's Executor into the job.Executor a single
// stage's jobqueue.Queue drives.
type stageExecutor struct {
	pj       *Job
	stage    int
	stageJob *job.Job
}

func (se *stageExecutor) Prologue(stop func() bool) {
	if se.stage == 0 {
		se.pj.startNano.CompareAndSwap(0, time.Now().UnixNano())
		se.pj.executor.Begin(se.pj.combinedStop(stop))
	}
}

func (se *stageExecutor) Execute(stop func() bool) {
	se.pj.executor.Execute(se.pj.combinedStop(stop))
}

func (se *stageExecutor) Epilogue(stop func() bool) {
	pj := se.pj
	d := se.stageJob.Disposition()
	pj.propagateFailure(d, se.stageJob.Err())

	if d == job.Cancelled || d == job.Failed || stop() || se.stage+1 >= len(pj.pipeline.Stages) {
		pj.executor.End(pj.combinedStop(stop))
		pj.pipeline.finish(pj)
		return
	}
	pj.pipeline.advance(pj, se.stage+1)
}

// Pipeline is an ordered sequence of jobqueue.Queue stages.
type Pipeline struct {
	ID     string
	Name   string
	Stages []*jobqueue.Queue

	mu      sync.Mutex
	running list.List[*Job]
	idle    *sync.Cond
	Stats   job.Stats
}

// New constructs a Pipeline over the given, not-yet-started stages.
func New(id, name string, stages []*jobqueue.Queue) *Pipeline {
	p := &Pipeline{ID: id, Name: name, Stages: stages}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Start starts every stage's worker goroutines.
func (p *Pipeline) Start() {
	for _, s := range p.Stages {
		s.Start()
	}
}

// Stop stops every stage, per jobqueue.Queue.Stop's cancellation rules,
// first cancelling every currently in-flight pipeline Job if
// cancelRunning is set.
func (p *Pipeline) Stop(cancelPending, cancelRunning bool) {
	if cancelRunning {
		p.CancelAllJobs()
	}
	for _, s := range p.Stages {
		s.Stop(cancelPending, cancelRunning)
	}
}

func (p *Pipeline) newStageJob(pj *Job, stage int) *job.Job {
	se := &stageExecutor{pj: pj, stage: stage}
	sj := job.New(fmt.Sprintf("%s-stage%d", pj.ID, stage), se)
	se.stageJob = sj
	pj.currentStageJob.Store(sj)
	return sj
}

// Enq resets pj and enqueues it on stage 0.
func (p *Pipeline) Enq(pj *Job) error {
	pj.pipeline = p
	pj.stage.Store(0)
	pj.startNano.Store(0)
	pj.cancelled.Store(false)
	pj.disp.Store(int32(job.Unknown))
	pj.Completed.Reset()

	p.mu.Lock()
	p.running.PushBack(pj.node)
	p.mu.Unlock()

	sj := p.newStageJob(pj, 0)
	if err := p.Stages[0].Enq(sj); err != nil {
		p.finish(pj)
		return err
	}
	return nil
}

func (p *Pipeline) advance(pj *Job, nextStage int) {
	pj.stage.Store(int32(nextStage))
	sj := p.newStageJob(pj, nextStage)
	if err := p.Stages[nextStage].Enq(sj); err != nil {
		pj.propagateFailure(job.Failed, errs.Wrap(errs.CodeInternal, err, "pipeline %s: stage %d enqueue failed", p.ID, nextStage))
		p.finish(pj)
	}
}

func (p *Pipeline) finish(pj *Job) {
	start := pj.startNano.Load()
	end := time.Now()
	p.mu.Lock()
	p.Stats.Record(job.Stat{
		ID:      pj.ID,
		Start:   time.Unix(0, start),
		End:     end,
		Elapsed: end.Sub(time.Unix(0, start)),
	})
	p.running.Remove(pj.node)
	if p.running.Len() == 0 {
		p.idle.Broadcast()
	}
	p.mu.Unlock()

	pj.disp.CompareAndSwap(int32(job.Unknown), int32(job.Succeeded))
	pj.Completed.Set()
}

// GetJob finds a currently running pipeline Job by id.
func (p *Pipeline) GetJob(id string) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var found *Job
	p.running.Each(func(n *list.Node[*Job]) {
		if n.Value.ID == id {
			found = n.Value
		}
	})
	return found, found != nil
}

// GetRunningJobs returns a snapshot of every pipeline Job in flight.
func (p *Pipeline) GetRunningJobs() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running.ToSlice()
}

// CancelJob cancels the running pipeline Job with the given id.
func (p *Pipeline) CancelJob(id string) bool {
	j, ok := p.GetJob(id)
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

// CancelAllJobs cancels every currently running pipeline Job.
func (p *Pipeline) CancelAllJobs() int {
	jobs := p.GetRunningJobs()
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// WaitForJob blocks until pj finishes (all stages done, or
// cancelled/failed early), or timeout elapses.
func (p *Pipeline) WaitForJob(pj *Job, timeout time.Duration) error {
	ctx, cancel := deadlineCtx(timeout)
	defer cancel()
	return pj.Completed.Wait(ctx)
}

// WaitForIdle blocks until no pipeline Job is in flight on any stage.
func (p *Pipeline) WaitForIdle(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for p.running.Len() != 0 {
			p.idle.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()
	if timeout < 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errs.New(errs.CodeResourceExhausted, "pipeline %s: WaitForIdle timed out", p.ID)
	}
}

// GetStats returns a snapshot of the pipeline's overall statistics
// (measured end-to-end, Begin to End, not per stage — use
// Stages[i].GetStats for per-stage figures).
func (p *Pipeline) GetStats() job.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Stats
}

// ResetStats clears the statistics, returning the pre-reset snapshot.
func (p *Pipeline) ResetStats() job.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Stats.Reset()
}
