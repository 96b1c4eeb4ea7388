package workqueue

import (
	"container/list"
	"sync"
)

// JobCollection is the thread-safe queue backing a single WorkQueue:
// a FIFO of pending jobs, a set of running jobs bounded by MaxWorkers, and
// an unbounded force-start set admitted past the concurrency cap
// (spec.md §3/§4.2).
type JobCollection struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxWorkers int
	nextID     int64

	pending      *list.List // of *Job, normal FIFO
	forcePending *list.List // of *Job, drained before pending regardless of cap
	running      map[int64]*Job
	forceStart   map[int64]*Job
	byName       map[string]*Job

	tracked map[int64]bool          // ids currently pending+running+forceStart
	waiters map[int64][]chan struct{}

	paused  bool
	stopped bool

	onIdle func()
}

// NewJobCollection creates a collection bounded by maxWorkers concurrent
// running jobs (force-started jobs are exempt from the bound).
func NewJobCollection(maxWorkers int) *JobCollection {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	c := &JobCollection{
		maxWorkers:   maxWorkers,
		pending:      list.New(),
		forcePending: list.New(),
		running:      make(map[int64]*Job),
		forceStart:   make(map[int64]*Job),
		byName:       make(map[string]*Job),
		tracked:      make(map[int64]bool),
		waiters:      make(map[int64][]chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// OnIdle registers a callback fired once, synchronously, whenever TaskDone
// empties the collection (no pending, running, or force-started jobs left).
// Used by MainLoop to implement queue_empty_event without this package
// needing to know about the event bus.
func (c *JobCollection) OnIdle(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIdle = fn
}

// Len returns the total number of jobs currently pending, running, or
// force-started.
func (c *JobCollection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}

func (c *JobCollection) assignID(job *Job, name string) int64 {
	c.nextID++
	job.ID = c.nextID
	job.Name = name
	c.tracked[job.ID] = true
	if name != "" {
		c.byName[name] = job
	}
	return job.ID
}

// Append adds job at the tail of the pending FIFO. If name is present and
// already mapped, the collection does not silently coalesce: the caller is
// expected to have used WithLock/GetFromName to dedupe first.
func (c *JobCollection) Append(job *Job, name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLocked(job, name)
}

func (c *JobCollection) appendLocked(job *Job, name string) int64 {
	id := c.assignID(job, name)
	c.pending.PushBack(job)
	c.cond.Broadcast()
	return id
}

// AppendLeft inserts job at the head. If force is true, the job bypasses
// the concurrency cap entirely: it is handed to the scheduler's next Next()
// call ahead of everything else and counted in the unbounded force-start
// set, rather than the capped running set.
func (c *JobCollection) AppendLeft(job *Job, name string, force bool) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendLeftLocked(job, name, force)
}

func (c *JobCollection) appendLeftLocked(job *Job, name string, force bool) int64 {
	id := c.assignID(job, name)
	if force {
		c.forcePending.PushBack(job)
	} else {
		c.pending.PushFront(job)
	}
	c.cond.Broadcast()
	return id
}

// GetFromName looks up a job by name across pending, running, and
// force-started jobs.
func (c *JobCollection) GetFromName(name string) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getFromNameLocked(name)
}

func (c *JobCollection) getFromNameLocked(name string) *Job {
	return c.byName[name]
}

// Prioritize moves an existing pending job to the head of the queue it is
// dispatched from, applying force the same way AppendLeft does.
func (c *JobCollection) Prioritize(job *Job, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prioritizeLocked(job, force)
}

func (c *JobCollection) prioritizeLocked(job *Job, force bool) {
	for e := c.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*Job) == job {
			c.pending.Remove(e)
			break
		}
	}
	if force {
		c.forcePending.PushBack(job)
	} else {
		c.pending.PushFront(job)
	}
	c.cond.Broadcast()
}

// WithLock runs fn holding the collection's internal lock, so callers can
// compose atomic read-then-write sequences such as enqueue-or-ignore.
func (c *JobCollection) WithLock(fn func(*JobCollection) int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c)
}

// Next blocks until a dispatchable job is available and returns it marked
// as running, or returns (nil, false) once Stop has been called.
func (c *JobCollection) Next() (*Job, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.stopped {
			return nil, false
		}

		if !c.paused {
			if e := c.forcePending.Front(); e != nil {
				job := e.Value.(*Job)
				c.forcePending.Remove(e)
				c.forceStart[job.ID] = job
				return job, true
			}

			if len(c.running) < c.maxWorkers {
				if e := c.pending.Front(); e != nil {
					job := e.Value.(*Job)
					c.pending.Remove(e)
					c.running[job.ID] = job
					return job, true
				}
			}
		}

		c.cond.Wait()
	}
}

// TaskDone removes job from whichever set it occupies, wakes any
// WaitForID callers for its id, and fires the idle callback if the
// collection has become empty.
func (c *JobCollection) TaskDone(job *Job) {
	c.mu.Lock()

	delete(c.running, job.ID)
	delete(c.forceStart, job.ID)
	if job.Name != "" {
		delete(c.byName, job.Name)
	}
	delete(c.tracked, job.ID)

	waiters := c.waiters[job.ID]
	delete(c.waiters, job.ID)

	idle := len(c.tracked) == 0
	onIdle := c.onIdle

	c.cond.Broadcast()
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if idle && onIdle != nil {
		onIdle()
	}
}

// WaitForID blocks until id is either absent (never enqueued, or already
// done) or removed after execution. Multiple concurrent waiters on the same
// id are all released together.
func (c *JobCollection) WaitForID(id int64) {
	c.mu.Lock()
	if !c.tracked[id] {
		c.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	c.waiters[id] = append(c.waiters[id], ch)
	c.mu.Unlock()

	<-ch
}

// Pause suspends dispatch: Next blocks until Unpause is called. Enqueue
// operations remain allowed while paused.
func (c *JobCollection) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Unpause resumes dispatch.
func (c *JobCollection) Unpause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.cond.Broadcast()
}

// Stop causes all current and future Next calls to return (nil, false).
// Running jobs are not interrupted; this is soft cancellation only.
func (c *JobCollection) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.cond.Broadcast()
}
