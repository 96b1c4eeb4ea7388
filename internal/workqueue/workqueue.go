package workqueue

import (
	"context"
	"fmt"

	"github.com/netops/dispatcherd/internal/events"
)

// WorkQueue is the public facade spec.md §4.4 describes: a JobCollection
// and MainLoop bound together with a WorkerFactory, exposing enqueue
// operations and the five named event buses callers listen on.
type WorkQueue struct {
	name       string
	collection *JobCollection
	loop       *MainLoop
	cancel     context.CancelFunc

	started bool
}

// New creates a WorkQueue named name, bounded to maxWorkers concurrent
// jobs, running jobs via factory. The scheduler goroutine is not started
// until Start is called.
func New(name string, maxWorkers int, factory WorkerFactory) *WorkQueue {
	ctx, cancel := context.WithCancel(context.Background())
	collection := NewJobCollection(maxWorkers)
	loop := NewMainLoop(ctx, collection, factory)
	return &WorkQueue{
		name:       name,
		collection: collection,
		loop:       loop,
		cancel:     cancel,
	}
}

// Name returns the queue's name, used by the dispatcher to route tasks to
// the right queue.
func (q *WorkQueue) Name() string { return q.name }

// Start launches the scheduler goroutine. It is idempotent.
func (q *WorkQueue) Start() {
	if q.started {
		return
	}
	q.started = true
	go q.loop.Run()
}

// Enqueue appends a job to run fn up to times attempts, returning its id.
func (q *WorkQueue) Enqueue(fn func(context.Context) error, name string, times int) int64 {
	job := NewJob(name, fn, times, nil)
	return q.collection.Append(job, name)
}

// EnqueueWithData behaves like Enqueue but attaches data to the Job,
// recoverable by listeners on JobSucceeded/JobError/JobAborted via the
// Job's Data field. Callers that need to correlate a completion event
// back to domain state (e.g. the dispatcher's order/task bookkeeping) use
// this instead of Enqueue.
func (q *WorkQueue) EnqueueWithData(fn func(context.Context) error, name string, times int, data any) int64 {
	job := NewJob(name, fn, times, data)
	return q.collection.Append(job, name)
}

// EnqueueOrIgnore enqueues fn under name unless a job with that name is
// already pending, running, or force-started, in which case it returns the
// existing job's id and does nothing else. The check-then-append is
// performed atomically under the collection's lock.
func (q *WorkQueue) EnqueueOrIgnore(fn func(context.Context) error, name string, times int) int64 {
	return q.collection.WithLock(func(c *JobCollection) int64 {
		if existing := c.getFromNameLocked(name); existing != nil {
			return existing.ID
		}
		job := NewJob(name, fn, times, nil)
		return c.appendLocked(job, name)
	})
}

// PriorityEnqueue inserts fn at the head of the queue. If force is true,
// it bypasses the concurrency cap entirely (spec.md §4.2).
func (q *WorkQueue) PriorityEnqueue(fn func(context.Context) error, name string, times int, force bool) int64 {
	job := NewJob(name, fn, times, nil)
	return q.collection.AppendLeft(job, name, force)
}

// PriorityEnqueueOrRaise behaves like PriorityEnqueue but returns an error
// instead of inserting a duplicate if name is already tracked.
func (q *WorkQueue) PriorityEnqueueOrRaise(fn func(context.Context) error, name string, times int, force bool) (int64, error) {
	var raised error
	id := q.collection.WithLock(func(c *JobCollection) int64 {
		if existing := c.getFromNameLocked(name); existing != nil {
			raised = fmt.Errorf("job named %q is already queued", name)
			return existing.ID
		}
		job := NewJob(name, fn, times, nil)
		return c.appendLeftLocked(job, name, force)
	})
	if raised != nil {
		return 0, raised
	}
	return id, nil
}

// Pause suspends dispatch of new jobs; running jobs continue to completion.
func (q *WorkQueue) Pause() { q.collection.Pause() }

// Unpause resumes dispatch.
func (q *WorkQueue) Unpause() { q.collection.Unpause() }

// Shutdown stops the scheduler goroutine and cancels the context passed to
// any job still running. It does not wait for Run to return; callers that
// need that should select on Done().
func (q *WorkQueue) Shutdown() {
	q.collection.Stop()
	q.cancel()
}

// Done is closed once the scheduler goroutine has exited.
func (q *WorkQueue) Done() <-chan struct{} {
	return q.loop.Done()
}

// WaitFor blocks until the job with the given id has completed or was
// never tracked in the first place.
func (q *WorkQueue) WaitFor(id int64) {
	q.collection.WaitForID(id)
}

// Length reports the number of jobs currently pending, running, or
// force-started.
func (q *WorkQueue) Length() int {
	return q.collection.Len()
}

// JobStarted fires when a job is handed to a worker.
func (q *WorkQueue) JobStarted() *events.Bus[*Job] { return q.loop.JobStarted() }

// JobError fires once per failed attempt.
func (q *WorkQueue) JobError() *events.Bus[JobError] { return q.loop.JobError() }

// JobSucceeded fires when a job's Fn returns nil.
func (q *WorkQueue) JobSucceeded() *events.Bus[*Job] { return q.loop.JobSucceeded() }

// JobAborted fires when a job exhausts its retry budget.
func (q *WorkQueue) JobAborted() *events.Bus[*Job] { return q.loop.JobAborted() }

// QueueEmpty fires whenever the queue transitions to having no outstanding
// jobs left.
func (q *WorkQueue) QueueEmpty() *events.Bus[struct{}] { return q.loop.QueueEmpty() }
