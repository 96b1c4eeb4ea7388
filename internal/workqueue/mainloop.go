package workqueue

import (
	"context"
	"fmt"

	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/logger"
)

// MainLoop is the single scheduler goroutine owned by a WorkQueue. It pulls
// jobs from a JobCollection's blocking Next(), starts them on a
// WorkerFactory, and on completion fires the queue's events before telling
// the collection the task is done — the same ordering guarantee as
// original_source/Exscript/workqueue/mainloop.py's _on_job_completed, which
// this is grounded on.
type MainLoop struct {
	collection *JobCollection
	factory    WorkerFactory
	ctx        context.Context

	jobStarted   *events.Bus[*Job]
	jobError     *events.Bus[JobError]
	jobSucceeded *events.Bus[*Job]
	jobAborted   *events.Bus[*Job]
	queueEmpty   *events.Bus[struct{}]

	done chan struct{}
}

// JobError bundles a job with the error its most recent attempt produced,
// the value fired on job_error_event.
type JobError struct {
	Job *Job
	Err error
}

// NewMainLoop builds a MainLoop over collection, starting jobs via factory.
// ctx is passed to every job's Fn and is typically tied to the owning
// WorkQueue's lifetime, not to an individual request.
func NewMainLoop(ctx context.Context, collection *JobCollection, factory WorkerFactory) *MainLoop {
	m := &MainLoop{
		collection:   collection,
		factory:      factory,
		ctx:          ctx,
		jobStarted:   events.New[*Job](),
		jobError:     events.New[JobError](),
		jobSucceeded: events.New[*Job](),
		jobAborted:   events.New[*Job](),
		queueEmpty:   events.New[struct{}](),
		done:         make(chan struct{}),
	}
	collection.OnIdle(func() {
		m.queueEmpty.Fire(struct{}{})
	})
	return m
}

// JobStarted fires when a job is handed to a worker.
func (m *MainLoop) JobStarted() *events.Bus[*Job] { return m.jobStarted }

// JobError fires once per failed attempt, whether or not the job still has
// retries left.
func (m *MainLoop) JobError() *events.Bus[JobError] { return m.jobError }

// JobSucceeded fires once a job's Fn returns nil.
func (m *MainLoop) JobSucceeded() *events.Bus[*Job] { return m.jobSucceeded }

// JobAborted fires when a job exhausts its retry budget without succeeding.
func (m *MainLoop) JobAborted() *events.Bus[*Job] { return m.jobAborted }

// QueueEmpty fires whenever the collection transitions to having no
// pending, running, or force-started jobs left.
func (m *MainLoop) QueueEmpty() *events.Bus[struct{}] { return m.queueEmpty }

// Run drives the scheduler loop until the collection is stopped. It is
// meant to be launched in its own goroutine by the owning WorkQueue.
func (m *MainLoop) Run() {
	defer close(m.done)

	for {
		job, ok := m.collection.Next()
		if !ok {
			return
		}

		m.jobStarted.Fire(job)
		job.Start(m.ctx, m.factory, m.onJobCompleted)
	}
}

// Done is closed once Run has returned.
func (m *MainLoop) Done() <-chan struct{} {
	return m.done
}

// onJobCompleted is the completion callback handed to Job.Start. It
// implements the spec's ordering guarantee: success/error/abort events are
// fired before the job is removed from the collection, so a listener that
// reacts to an event by inspecting collection length or re-enqueuing always
// sees a collection state consistent with "this job just finished", not one
// where it has already vanished.
func (m *MainLoop) onJobCompleted(job *Job, err error) {
	if err == nil {
		m.jobSucceeded.Fire(job)
		m.collection.TaskDone(job)
		return
	}

	job.Failures++
	m.jobError.Fire(JobError{Job: job, Err: err})

	if job.CanRetry() {
		logger.Warn().
			Str("job_name", job.Name).
			Int64("job_id", job.ID).
			Int("failures", job.Failures).
			Int("budget", job.Times).
			Err(err).
			Msg("job failed, retrying")
		// Re-start in place: job keeps its id and its slot in the
		// collection's running set. task_done is reserved for a terminal
		// outcome (success or exhausted retries), never an in-progress
		// retry, so WaitForID callers and queue_empty_event stay accurate
		// mid-retry (spec.md §4.3).
		job.Start(m.ctx, m.factory, m.onJobCompleted)
		return
	}

	logger.Error().
		Str("job_name", job.Name).
		Int64("job_id", job.ID).
		Int("failures", job.Failures).
		Err(err).
		Msg("job exhausted retry budget, aborting")
	m.jobAborted.Fire(job)
	m.collection.TaskDone(job)
}

// wrapContextErr translates the stdlib sentinel context errors into a form
// that always carries the job name, the same idiom the teacher's
// worker.Executor uses for deadline/cancellation translation (SPEC_FULL.md
// §4.8).
func wrapContextErr(name string, err error) error {
	if err == nil {
		return nil
	}
	if err == context.DeadlineExceeded {
		return fmt.Errorf("job %q exceeded its deadline: %w", name, err)
	}
	if err == context.Canceled {
		return fmt.Errorf("job %q was canceled: %w", name, err)
	}
	return err
}
