// Package runloop implements the run-loop core: a single (or, via
// jobqueue, many) worker goroutine(s) draining a policy-ordered pending
// job list, per spec §3.2 and §4.1.
package runloop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/list"
	"github.com/arvonlabs/sysutil/policy"
	"github.com/arvonlabs/sysutil/refcounted"
)

// State is the compound, mutex-protected state a run-loop's worker(s)
// operate on. Exported, and its operations implemented as free functions
// below rather than RunLoop methods, so jobqueue.Queue can drive the
// identical logic over N worker goroutines without duplicating it.
type State struct {
	ID     string
	Name   string
	Policy policy.Policy

	Terminating atomic.Bool
	Paused      atomic.Bool

	mu              sync.Mutex
	pendingNonEmpty *sync.Cond
	notPaused       *sync.Cond
	idle            *sync.Cond

	Pending list.List[*job.Job]
	Running list.List[*job.Job]
	Stats   job.Stats
}

// NewState constructs a State ready to be driven by one or more Worker
// goroutines.
func NewState(id, name string, pol policy.Policy) *State {
	s := &State{ID: id, Name: name, Policy: pol}
	s.pendingNonEmpty = sync.NewCond(&s.mu)
	s.notPaused = sync.NewCond(&s.mu)
	s.idle = sync.NewCond(&s.mu)
	return s
}

// deadlineCtx converts a relative timeout into a context per spec's
// "deadlines are relative intervals, not absolute wall times" rule:
// negative means wait forever, zero or positive is a relative timeout.
func deadlineCtx(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Worker runs the §4.1 pseudocode loop until State.Terminating is set.
// Exported so jobqueue can spawn N of these over one shared State,
// generalizing the base RunLoop's single-worker case.
func Worker(s *State) {
	for {
		s.mu.Lock()
		for s.Pending.Len() == 0 && !s.Terminating.Load() {
			s.pendingNonEmpty.Wait()
		}
		for s.Paused.Load() && !s.Terminating.Load() {
			s.notPaused.Wait()
		}
		if s.Terminating.Load() {
			s.mu.Unlock()
			return
		}
		j := s.Policy.DeqJob(&s.Pending)
		if j == nil {
			s.mu.Unlock()
			continue
		}
		s.Running.PushBack(j.Node())
		s.mu.Unlock()

		terminating := func() bool { return s.Terminating.Load() }
		j.MarkRunning()
		start := time.Now()
		j.ExecuteHooks(func() bool { return j.ShouldStop(terminating()) })
		end := time.Now()
		j.Finalize(terminating())

		s.mu.Lock()
		s.Running.Remove(j.Node())
		s.Stats.Record(job.Stat{ID: j.ID, Start: start, End: end, Elapsed: end.Sub(start)})
		if s.Pending.Len() == 0 && s.Running.Len() == 0 {
			s.idle.Broadcast()
		}
		s.mu.Unlock()
	}
}

// RequestStop marks s as terminating and wakes every worker blocked on
// pendingNonEmpty/notPaused, optionally cancelling pending and/or
// running jobs first. Does not wait for workers to exit — the caller
// (RunLoop.Stop, jobqueue.Queue.Stop) owns the goroutine WaitGroup.
func RequestStop(s *State, cancelPending, cancelRunning bool) {
	s.mu.Lock()
	if cancelPending {
		s.Pending.Each(func(n *list.Node[*job.Job]) { n.Value.Cancel() })
	}
	if cancelRunning {
		s.Running.Each(func(n *list.Node[*job.Job]) { n.Value.Cancel() })
	}
	s.Terminating.Store(true)
	s.pendingNonEmpty.Broadcast()
	s.notPaused.Broadcast()
	s.mu.Unlock()
}

// Pause halts workers before their next dequeue; a job already running is
// unaffected unless cancelRunning is set.
func Pause(s *State, cancelRunning bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Paused.Store(true)
	if cancelRunning {
		s.Running.Each(func(n *list.Node[*job.Job]) { n.Value.Cancel() })
	}
}

// Resume clears Paused and wakes every worker waiting on notPaused.
func Resume(s *State) {
	s.mu.Lock()
	s.Paused.Store(false)
	s.notPaused.Broadcast()
	s.mu.Unlock()
}

// Enq resets j as Pending under s's id and enqueues it per the policy's
// ordering (front or normal), rejecting it if the policy's MaxJobs
// admission limit would be exceeded.
func Enq(s *State, j *job.Job, front bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if max := s.Policy.MaxJobs(); max > 0 && s.Pending.Len() >= max {
		return errs.New(errs.CodeResourceExhausted, "run-loop %s: pending queue at capacity (%d)", s.ID, max)
	}
	j.Reset(s.ID)
	if front {
		s.Policy.EnqJobFront(&s.Pending, j)
	} else {
		s.Policy.EnqJob(&s.Pending, j)
	}
	s.pendingNonEmpty.Broadcast()
	return nil
}

// GetJob finds a job by id among pending and running jobs.
func GetJob(s *State, id string) (*job.Job, bool) {
	jobs := GetJobs(s, func(j *job.Job) bool { return j.ID == id })
	if len(jobs) == 0 {
		return nil, false
	}
	return jobs[0], true
}

// GetJobs returns every pending or running job matching pred.
func GetJobs(s *State, pred func(*job.Job) bool) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	s.Pending.Each(func(n *list.Node[*job.Job]) {
		if pred(n.Value) {
			out = append(out, n.Value)
		}
	})
	s.Running.Each(func(n *list.Node[*job.Job]) {
		if pred(n.Value) {
			out = append(out, n.Value)
		}
	})
	return out
}

// GetPendingJobs returns a snapshot of the pending list.
func GetPendingJobs(s *State) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Pending.ToSlice()
}

// GetRunningJobs returns a snapshot of the running list.
func GetRunningJobs(s *State) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Running.ToSlice()
}

// GetAllJobs returns pending jobs followed by running jobs.
func GetAllJobs(s *State) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Pending.ToSlice()
	return append(out, s.Running.ToSlice()...)
}

// WaitForJob blocks until j reaches Completed, or timeout (relative,
// negative meaning forever) elapses.
func WaitForJob(j *job.Job, timeout time.Duration) error {
	ctx, cancel := deadlineCtx(timeout)
	defer cancel()
	return j.Completed.Wait(ctx)
}

// WaitForJobs blocks until every job currently matching pred has
// completed. Jobs added after the call begins are not considered.
func WaitForJobs(s *State, pred func(*job.Job) bool, timeout time.Duration) error {
	ctx, cancel := deadlineCtx(timeout)
	defer cancel()
	for _, j := range GetJobs(s, pred) {
		if err := j.Completed.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WaitForIdle blocks until both the pending and running lists are
// empty, or timeout elapses.
func WaitForIdle(s *State, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.mu.Lock()
		for s.Pending.Len() != 0 || s.Running.Len() != 0 {
			s.idle.Wait()
		}
		s.mu.Unlock()
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
		return errs.New(errs.CodeResourceExhausted, "run-loop %s: WaitForIdle timed out", s.ID)
	}
}

// CancelJob cancels the job with the given id, if found.
func CancelJob(s *State, id string) bool {
	j, ok := GetJob(s, id)
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

// CancelJobs cancels every pending or running job matching pred,
// returning the count cancelled.
func CancelJobs(s *State, pred func(*job.Job) bool) int {
	jobs := GetJobs(s, pred)
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// CancelPendingJobs cancels every pending job.
func CancelPendingJobs(s *State) int {
	jobs := GetPendingJobs(s)
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// CancelRunningJobs cancels every running job.
func CancelRunningJobs(s *State) int {
	jobs := GetRunningJobs(s)
	for _, j := range jobs {
		j.Cancel()
	}
	return len(jobs)
}

// CancelAllJobs cancels every pending and running job.
func CancelAllJobs(s *State) int {
	return CancelJobs(s, func(*job.Job) bool { return true })
}

// GetStats returns a snapshot of s's execution statistics.
func GetStats(s *State) job.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stats
}

// ResetStats clears the statistics, returning the pre-reset snapshot.
func ResetStats(s *State) job.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Stats.Reset()
}

// RunLoop is the base, single-worker run-loop. jobqueue.Queue drives the
// same State-level functions over N worker goroutines instead.
type RunLoop struct {
	stateBox  *refcounted.Box[State]
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a RunLoop over a fresh State, not yet started.
func New(id, name string, pol policy.Policy) *RunLoop {
	s := NewState(id, name, pol)
	return &RunLoop{stateBox: refcounted.NewBox(s, func(*State) {})}
}

// State returns the underlying state, for callers that need direct
// access (e.g. jobqueue building on the same primitives).
func (rl *RunLoop) State() *State { return rl.stateBox.Value() }

// Start spawns the single worker goroutine. Idempotent: subsequent
// calls are no-ops.
func (rl *RunLoop) Start() {
	rl.startOnce.Do(func() {
		box := rl.stateBox.Retain()
		rl.wg.Add(1)
		go func() {
			defer rl.wg.Done()
			defer box.Release()
			Worker(box.Value())
		}()
	})
}

// Stop signals termination and waits for the worker to exit. If
// cancelPending, all pending (not yet started) jobs are cancelled before
// the worker observes termination. If cancelRunning, in-flight jobs are
// cancelled (cooperatively — ShouldStop must still be observed by the
// job's Execute). Stop is idempotent.
func (rl *RunLoop) Stop(cancelPending, cancelRunning bool) {
	rl.stopOnce.Do(func() {
		RequestStop(rl.State(), cancelPending, cancelRunning)
	})
	rl.wg.Wait()
}

// Pause halts the worker before it dequeues its next job; a job already
// running is unaffected unless cancelRunning is set.
func (rl *RunLoop) Pause(cancelRunning bool) { Pause(rl.State(), cancelRunning) }

// Resume clears Paused and wakes the worker.
func (rl *RunLoop) Resume() { Resume(rl.State()) }

// IsPaused reports the current pause state.
func (rl *RunLoop) IsPaused() bool { return rl.State().Paused.Load() }

// Enq resets j as Pending under this run-loop's id and enqueues it per
// the policy's normal ordering, rejecting it if the policy's MaxJobs
// admission limit would be exceeded.
func (rl *RunLoop) Enq(j *job.Job) error { return Enq(rl.State(), j, false) }

// EnqFront is Enq's front-of-line counterpart.
func (rl *RunLoop) EnqFront(j *job.Job) error { return Enq(rl.State(), j, true) }

// GetJob finds a job by id among pending and running jobs.
func (rl *RunLoop) GetJob(id string) (*job.Job, bool) { return GetJob(rl.State(), id) }

// GetJobs returns every pending or running job matching pred.
func (rl *RunLoop) GetJobs(pred func(*job.Job) bool) []*job.Job { return GetJobs(rl.State(), pred) }

// GetPendingJobs returns a snapshot of the pending list.
func (rl *RunLoop) GetPendingJobs() []*job.Job { return GetPendingJobs(rl.State()) }

// GetRunningJobs returns a snapshot of the running list.
func (rl *RunLoop) GetRunningJobs() []*job.Job { return GetRunningJobs(rl.State()) }

// GetAllJobs returns pending jobs followed by running jobs.
func (rl *RunLoop) GetAllJobs() []*job.Job { return GetAllJobs(rl.State()) }

// WaitForJob blocks until j reaches Completed, or timeout elapses.
func (rl *RunLoop) WaitForJob(j *job.Job, timeout time.Duration) error {
	return WaitForJob(j, timeout)
}

// WaitForJobs blocks until every job currently matching pred has completed.
func (rl *RunLoop) WaitForJobs(pred func(*job.Job) bool, timeout time.Duration) error {
	return WaitForJobs(rl.State(), pred, timeout)
}

// WaitForIdle blocks until both the pending and running lists are empty.
func (rl *RunLoop) WaitForIdle(timeout time.Duration) error { return WaitForIdle(rl.State(), timeout) }

// CancelJob cancels the job with the given id, if found.
func (rl *RunLoop) CancelJob(id string) bool { return CancelJob(rl.State(), id) }

// CancelJobs cancels every pending or running job matching pred.
func (rl *RunLoop) CancelJobs(pred func(*job.Job) bool) int { return CancelJobs(rl.State(), pred) }

// CancelPendingJobs cancels every pending job.
func (rl *RunLoop) CancelPendingJobs() int { return CancelPendingJobs(rl.State()) }

// CancelRunningJobs cancels every running job.
func (rl *RunLoop) CancelRunningJobs() int { return CancelRunningJobs(rl.State()) }

// CancelAllJobs cancels every pending and running job.
func (rl *RunLoop) CancelAllJobs() int { return CancelAllJobs(rl.State()) }

// GetStats returns a snapshot of the run-loop's execution statistics.
func (rl *RunLoop) GetStats() job.Stats { return GetStats(rl.State()) }

// ResetStats clears the statistics, returning the pre-reset snapshot.
func (rl *RunLoop) ResetStats() job.Stats { return ResetStats(rl.State()) }
