// Package jobqueue implements a job queue backed by N worker goroutines
// draining one shared run-loop state, per spec §4.3's first half.
package jobqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/arvonlabs/sysutil/errs"
	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/policy"
	"github.com/arvonlabs/sysutil/refcounted"
	"github.com/arvonlabs/sysutil/runloop"
)

// Option configures a Queue at construction, in the functional-options
// style used throughout this module.
type Option func(*config)

type config struct {
	workers            int
	initializeWorker   func(name string) error
	uninitializeWorker func(name string)
	limiter            *catrate.Limiter
}

// WithWorkers sets the number of worker goroutines. Default 1.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithWorkerLifecycle installs per-worker init/uninit hooks, run once
// around each worker goroutine's loop, named "<queue-name>-<k>".
// initializeWorker returning an error skips that worker's loop entirely
// (uninitializeWorker still runs).
func WithWorkerLifecycle(initialize func(name string) error, uninitialize func(name string)) Option {
	return func(c *config) {
		c.initializeWorker = initialize
		c.uninitializeWorker = uninitialize
	}
}

// WithEnqueueRateLimit caps the rate of Enq/EnqFront admissions using a
// sliding-window limiter keyed by the queue's name, the way
// catrate.Limiter is used directly against a category key in the
// teacher's own rate-limited call sites.
func WithEnqueueRateLimit(rates map[time.Duration]int) Option {
	return func(c *config) {
		c.limiter = catrate.NewLimiter(rates)
	}
}

// Queue is a run-loop-shaped job queue spanning N worker goroutines.
type Queue struct {
	stateBox  *refcounted.Box[runloop.State]
	cfg       config
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Queue, not yet started.
func New(id, name string, pol policy.Policy, opts ...Option) *Queue {
	cfg := config{workers: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := runloop.NewState(id, name, pol)
	return &Queue{stateBox: refcounted.NewBox(s, func(*runloop.State) {}), cfg: cfg}
}

// State returns the underlying run-loop state.
func (q *Queue) State() *runloop.State { return q.stateBox.Value() }

// Start spawns cfg.workers worker goroutines, each named
// "<queue-name>-<k>" and wrapped with the configured lifecycle hooks.
// Idempotent.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		for k := 0; k < q.cfg.workers; k++ {
			workerName := fmt.Sprintf("%s-%d", q.State().Name, k)
			box := q.stateBox.Retain()
			q.wg.Add(1)
			go func(workerName string) {
				defer q.wg.Done()
				defer box.Release()
				if q.cfg.uninitializeWorker != nil {
					defer q.cfg.uninitializeWorker(workerName)
				}
				if q.cfg.initializeWorker != nil {
					if err := q.cfg.initializeWorker(workerName); err != nil {
						return
					}
				}
				runloop.Worker(box.Value())
			}(workerName)
		}
	})
}

// Stop signals termination to every worker and waits for all of them to
// exit. See runloop.RunLoop.Stop for cancelPending/cancelRunning semantics.
func (q *Queue) Stop(cancelPending, cancelRunning bool) {
	q.stopOnce.Do(func() {
		runloop.RequestStop(q.State(), cancelPending, cancelRunning)
	})
	q.wg.Wait()
}

// Pause halts all workers before their next dequeue.
func (q *Queue) Pause(cancelRunning bool) { runloop.Pause(q.State(), cancelRunning) }

// Resume clears Paused and wakes every worker.
func (q *Queue) Resume() { runloop.Resume(q.State()) }

// IsPaused reports the current pause state.
func (q *Queue) IsPaused() bool { return q.State().Paused.Load() }

// Enq resets j as Pending and enqueues it per the policy's ordering,
// subject first to the optional enqueue rate limiter.
func (q *Queue) Enq(j *job.Job) error {
	return q.enq(j, false)
}

// EnqFront is Enq's front-of-line counterpart.
func (q *Queue) EnqFront(j *job.Job) error {
	return q.enq(j, true)
}

func (q *Queue) enq(j *job.Job, front bool) error {
	if q.cfg.limiter != nil {
		if next, ok := q.cfg.limiter.Allow(q.State().Name); !ok {
			return errs.New(errs.CodeResourceExhausted, "queue %s: enqueue rate limited until %s", q.State().Name, next.Format(time.RFC3339Nano))
		}
	}
	return runloop.Enq(q.State(), j, front)
}

func (q *Queue) GetJob(id string) (*job.Job, bool) { return runloop.GetJob(q.State(), id) }

func (q *Queue) GetJobs(pred func(*job.Job) bool) []*job.Job { return runloop.GetJobs(q.State(), pred) }

func (q *Queue) GetPendingJobs() []*job.Job { return runloop.GetPendingJobs(q.State()) }

func (q *Queue) GetRunningJobs() []*job.Job { return runloop.GetRunningJobs(q.State()) }

func (q *Queue) GetAllJobs() []*job.Job { return runloop.GetAllJobs(q.State()) }

func (q *Queue) WaitForJob(j *job.Job, timeout time.Duration) error {
	return runloop.WaitForJob(j, timeout)
}

func (q *Queue) WaitForJobs(pred func(*job.Job) bool, timeout time.Duration) error {
	return runloop.WaitForJobs(q.State(), pred, timeout)
}

func (q *Queue) WaitForIdle(timeout time.Duration) error {
	return runloop.WaitForIdle(q.State(), timeout)
}

func (q *Queue) CancelJob(id string) bool { return runloop.CancelJob(q.State(), id) }

func (q *Queue) CancelJobs(pred func(*job.Job) bool) int { return runloop.CancelJobs(q.State(), pred) }

func (q *Queue) CancelPendingJobs() int { return runloop.CancelPendingJobs(q.State()) }

func (q *Queue) CancelRunningJobs() int { return runloop.CancelRunningJobs(q.State()) }

func (q *Queue) CancelAllJobs() int { return runloop.CancelAllJobs(q.State()) }

func (q *Queue) GetStats() job.Stats { return runloop.GetStats(q.State()) }

func (q *Queue) ResetStats() job.Stats { return runloop.ResetStats(q.State()) }
