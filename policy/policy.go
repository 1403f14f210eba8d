// Package policy implements the pluggable job-execution ordering
// strategies a run-loop's pending queue uses, per spec §4.2.
package policy

import (
	"github.com/arvonlabs/sysutil/job"
	"github.com/arvonlabs/sysutil/list"
)

// Policy operates on a run-loop's pending list, which the run-loop owns
// and passes in directly (kept here, rather than depending on the
// runloop package, to avoid a cycle: policy -> runloop -> policy).
type Policy interface {
	// MaxJobs is the maximum number of pending jobs this policy admits;
	// 0 means unlimited.
	MaxJobs() int
	// EnqJob enqueues j per the policy's normal-priority ordering.
	EnqJob(pending *list.List[*job.Job], j *job.Job)
	// EnqJobFront enqueues j per the policy's front-of-line ordering.
	EnqJobFront(pending *list.List[*job.Job], j *job.Job)
	// DeqJob removes and returns the next job to run, or nil if pending
	// is empty.
	DeqJob(pending *list.List[*job.Job]) *job.Job
}

// FIFO is first-in-first-out: EnqJob appends, EnqJobFront prepends,
// DeqJob pops from the front (so the oldest submitted job runs first).
type FIFO struct {
	Max int
}

func (p FIFO) MaxJobs() int { return p.Max }

func (p FIFO) EnqJob(pending *list.List[*job.Job], j *job.Job) {
	pending.PushBack(j.Node())
}

func (p FIFO) EnqJobFront(pending *list.List[*job.Job], j *job.Job) {
	pending.PushFront(j.Node())
}

func (p FIFO) DeqJob(pending *list.List[*job.Job]) *job.Job {
	n := pending.PopFront()
	if n == nil {
		return nil
	}
	return n.Value
}

// LIFO is last-in-first-out: EnqJob prepends so the most recently added
// job is always at the front; EnqJobFront appends (so a "front-of-line"
// submission under LIFO goes behind the normal stack-top, matching spec
// §4.2's "front in both policies -- but for LIFO the front is the
// most-recently-added"); DeqJob pops from the front in both policies.
type LIFO struct {
	Max int
}

func (p LIFO) MaxJobs() int { return p.Max }

func (p LIFO) EnqJob(pending *list.List[*job.Job], j *job.Job) {
	pending.PushFront(j.Node())
}

func (p LIFO) EnqJobFront(pending *list.List[*job.Job], j *job.Job) {
	pending.PushBack(j.Node())
}

func (p LIFO) DeqJob(pending *list.List[*job.Job]) *job.Job {
	n := pending.PopFront()
	if n == nil {
		return nil
	}
	return n.Value
}
