// Package workerpool implements the table's standalone "Worker pool"
// entity as a pool of jobqueue.Queue values themselves, each queue being
// one "worker" in the outer pool's vocabulary — built directly on
// pool.Pool[queueCloser], an io.Closer adapter around *jobqueue.Queue
// (spec §4.4), rather than duplicating the borrow/return machinery.
package workerpool

import (
	"context"
	"fmt"

	"github.com/arvonlabs/sysutil/jobqueue"
	"github.com/arvonlabs/sysutil/policy"
	"github.com/arvonlabs/sysutil/pool"
)

// queueCloser adapts jobqueue.Queue to io.Closer (required by pool.Pool)
// by draining and stopping it, cancelling anything still pending or
// running — a pooled worker being discarded has no graceful-drain
// contract of its own.
type queueCloser struct {
	*jobqueue.Queue
}

func (q queueCloser) Close() error {
	q.Queue.Stop(true, true)
	return nil
}

// Pool is a pool of started jobqueue.Queue workers.
type Pool struct {
	inner *pool.Pool[queueCloser]
	next  int
}

// New constructs a Pool that lazily creates up to max named workers
// ("<name-prefix>-<k>"), each a FIFO jobqueue.Queue (single-worker unless
// queueOpts say otherwise) started immediately on creation, keeping up to
// min idle workers between uses.
func New(namePrefix string, min, max int, queueOpts ...jobqueue.Option) *Pool {
	p := &Pool{}
	p.inner = pool.New(func() (queueCloser, error) {
		idx := p.next
		p.next++
		name := fmt.Sprintf("%s-%d", namePrefix, idx)
		q := jobqueue.New(name, name, policy.FIFO{}, queueOpts...)
		q.Start()
		return queueCloser{q}, nil
	}, min, max)
	return p
}

// Handle is a checked-out worker queue.
type Handle struct{ h *pool.Handle[queueCloser] }

// Queue returns the checked-out *jobqueue.Queue.
func (h *Handle) Queue() *jobqueue.Queue { return h.h.Value().Queue }

// Release returns the worker to the pool (or stops it, if doing so would
// keep more idle workers than min).
func (h *Handle) Release() { h.h.Release() }

// Get checks out an idle worker, starting a new one if none is
// available and the pool is below max.
func (p *Pool) Get(ctx context.Context) (*Handle, error) {
	h, err := p.inner.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &Handle{h: h}, nil
}

// WaitForIdle blocks until every checked-out worker has been released.
func (p *Pool) WaitForIdle(ctx context.Context) error { return p.inner.WaitForIdle(ctx) }

// Close stops every idle worker immediately; still-checked-out workers
// are stopped when their Handle is Released.
func (p *Pool) Close() { p.inner.Close() }
