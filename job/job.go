// Package job implements the Job type and its lifecycle state machine,
// per spec §3.1 and §3.5.
package job

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/list"
	"github.com/arvonlabs/sysutil/primitives"
)

// State is a job's lifecycle position.
type State int32

const (
	Pending State = iota
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Disposition is a job's completion verdict.
type Disposition int32

const (
	Unknown Disposition = iota
	Cancelled
	Failed
	Succeeded
)

func (d Disposition) String() string {
	switch d {
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	case Succeeded:
		return "Succeeded"
	default:
		return "Unknown"
	}
}

// Executor is the user-supplied work a Job performs. None of these
// methods may panic across the worker boundary in the normal path — a
// recovered panic is treated as a Fail with a CodeInternal error.
// stop reports whether the job should abandon its work early (the
// run-loop is terminating, or the job itself was cancelled or already
// failed).
type Executor interface {
	Prologue(stop func() bool)
	Execute(stop func() bool)
	Epilogue(stop func() bool)
}

// Func adapts a plain function to Executor, with no-op Prologue/Epilogue,
// for simple jobs that don't need the extra hooks.
type Func func(stop func() bool)

func (f Func) Prologue(stop func() bool) {}
func (f Func) Execute(stop func() bool)  { f(stop) }
func (f Func) Epilogue(stop func() bool) {}

// Job is a unit of work submitted to a run-loop.
type Job struct {
	ID       string
	Executor Executor

	runLoopID atomic.Pointer[string]
	state     atomic.Int32
	disp      atomic.Int32
	errMu     sync.Mutex
	err       *errs.Error

	// Sleep is the interruptable-sleep signal: user Execute code may Wait
	// on it to implement a cancellable sleep; Cancel fires it.
	Sleep *primitives.Event
	// Completed fires (manual-reset) when the job reaches State Completed.
	Completed *primitives.Event

	// node is this job's membership in whichever of a run-loop's
	// pending/running lists currently holds it (never both, per
	// spec §3.1's invariant).
	node *list.Node[*Job]
}

// New constructs a fresh job, in state Pending with disposition Unknown.
func New(id string, executor Executor) *Job {
	j := &Job{
		ID:        id,
		Executor:  executor,
		Sleep:     primitives.NewEvent(false, false),
		Completed: primitives.NewEvent(true, false),
	}
	j.state.Store(int32(Pending))
	j.disp.Store(int32(Unknown))
	j.node = list.NewNode[*Job](j)
	return j
}

// Node returns the list node used to link this job into a run-loop's
// pending/running lists. Exposed so runloop/policy can manipulate list
// membership directly without a package-cycle back into job.
func (j *Job) Node() *list.Node[*Job] { return j.node }

// State returns the current lifecycle state.
func (j *Job) State() State { return State(j.state.Load()) }

func (j *Job) setState(s State) { j.state.Store(int32(s)) }

// Disposition returns the current completion verdict.
func (j *Job) Disposition() Disposition { return Disposition(j.disp.Load()) }

// Err returns the structured error recorded on failure, or nil.
func (j *Job) Err() *errs.Error {
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.err
}

// RunLoopID returns the identity of the run-loop currently (or most
// recently) owning this job.
func (j *Job) RunLoopID() string {
	if p := j.runLoopID.Load(); p != nil {
		return *p
	}
	return ""
}

// Reset prepares a job for re-enqueue: called by a run-loop's Enq, never
// by user code directly. Clears disposition/error/signals and sets state
// back to Pending, recording the owning run-loop's id.
func (j *Job) Reset(runLoopID string) {
	j.runLoopID.Store(&runLoopID)
	j.setState(Pending)
	j.disp.Store(int32(Unknown))
	j.errMu.Lock()
	j.err = nil
	j.errMu.Unlock()
	j.Sleep.Reset()
	j.Completed.Reset()
}

// Cancel marks the job Cancelled and wakes any interruptable sleep so a
// sleeping job notices promptly. Cooperative: a Running job must itself
// poll ShouldStop and exit early.
func (j *Job) Cancel() {
	j.disp.CompareAndSwap(int32(Unknown), int32(Cancelled))
	j.Sleep.Set()
}

// Fail records a structured error and sets disposition to Failed, unless
// the job is already Cancelled (cancellation takes precedence).
func (j *Job) Fail(err *errs.Error) {
	if j.disp.CompareAndSwap(int32(Unknown), int32(Failed)) {
		j.errMu.Lock()
		j.err = err
		j.errMu.Unlock()
	}
}

// ShouldStop implements spec §4.1's predicate:
// terminating OR disposition == Cancelled OR disposition == Failed.
func (j *Job) ShouldStop(terminating bool) bool {
	if terminating {
		return true
	}
	d := j.Disposition()
	return d == Cancelled || d == Failed
}

// complete transitions the job to Completed, finalising a still-Unknown
// disposition to Cancelled if ShouldStop(terminating) holds and to
// Succeeded otherwise, and broadcasts Completed. Called
// only by the owning run-loop's worker loop.
func (j *Job) complete(terminating bool) {
	if j.ShouldStop(terminating) {
		if j.Disposition() == Unknown {
			j.disp.CompareAndSwap(int32(Unknown), int32(Cancelled))
		}
	} else {
		j.disp.CompareAndSwap(int32(Unknown), int32(Succeeded))
	}
	j.setState(Completed)
	j.Completed.Set()
}

// Stat is a point-in-time snapshot of one job's execution timing.
type Stat struct {
	ID      string
	Start   time.Time
	End     time.Time
	Elapsed time.Duration
}

// Stats is the per-run-loop statistics block from spec §3.5. All fields
// are guarded by the owning run-loop's mutex, not by Stats itself.
type Stats struct {
	TotalJobs    uint64
	TotalJobTime time.Duration
	Last         Stat
	Min          Stat
	Max          Stat
}

// Record folds one job's completed timing into the statistics. Caller
// must hold the owning run-loop's mutex.
func (s *Stats) Record(stat Stat) {
	s.TotalJobs++
	s.TotalJobTime += stat.Elapsed
	s.Last = stat
	if s.Min.Elapsed == 0 || stat.Elapsed < s.Min.Elapsed {
		s.Min = stat
	}
	if stat.Elapsed > s.Max.Elapsed {
		s.Max = stat
	}
}

// Reset clears the statistics, returning the pre-reset snapshot (spec_full
// §20 supplement: nothing is lost by resetting). Caller must hold the
// owning run-loop's mutex.
func (s *Stats) Reset() Stats {
	prev := *s
	*s = Stats{}
	return prev
}

// MarkRunning transitions the job to State Running. Called by the owning
// run-loop's worker after dequeuing, before ExecuteHooks.
func (j *Job) MarkRunning() { j.setState(Running) }

// ExecuteHooks runs Prologue/Execute/Epilogue in order, recovering any
// panic as a Fail rather than letting it cross the worker boundary.
func (j *Job) ExecuteHooks(stop func() bool) {
	j.safeCall(func() { j.Executor.Prologue(stop) })
	j.safeCall(func() { j.Executor.Execute(stop) })
	j.safeCall(func() { j.Executor.Epilogue(stop) })
}

// Finalize transitions the job to Completed, resolving disposition and
// firing Completed. Called by the owning run-loop's worker after
// ExecuteHooks returns.
func (j *Job) Finalize(terminating bool) { j.complete(terminating) }

// RunOnce is a convenience wrapper combining MarkRunning, ExecuteHooks and
// Finalize for standalone (non-run-loop-driven) use, e.g. tests.
func (j *Job) RunOnce(terminating func() bool) (start, end time.Time) {
	stop := func() bool { return j.ShouldStop(terminating()) }

	j.MarkRunning()
	start = time.Now()
	j.ExecuteHooks(stop)
	end = time.Now()

	j.Finalize(terminating())
	return start, end
}

func (j *Job) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			j.Fail(errs.New(errs.CodeInternal, "job %s panicked: %v", j.ID, r))
		}
	}()
	fn()
}
