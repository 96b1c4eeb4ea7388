package workqueue

import "context"

// Job is the in-memory scheduling record for a single invocation of a
// callable on a work queue (spec.md §3). The id is assigned by the
// JobCollection on insertion; Name is optional and used only for
// named-dedup/priority lookups.
type Job struct {
	ID       int64
	Name     string
	Fn       func(context.Context) error
	Times    int
	Failures int
	Child    WorkerHandle
	Data     any
}

// NewJob builds a Job with the given retry budget. times must be >= 1; a
// caller passing a smaller value gets it clamped to 1, since a job that can
// never run is a programmer error distinct from "job that always fails".
func NewJob(name string, fn func(context.Context) error, times int, data any) *Job {
	if times < 1 {
		times = 1
	}
	return &Job{Name: name, Fn: fn, Times: times, Data: data}
}

// Start launches Fn in a worker obtained from factory and arranges for
// onDone(job, err) to be invoked exactly once when the worker exits. err is
// nil on success. The job's Child handle is updated before Start returns.
// A context.DeadlineExceeded/Canceled returned by Fn is translated into an
// error carrying the job's name, matching the teacher's worker.Executor
// idiom for blocking-call boundaries (SPEC_FULL.md §4.8).
func (j *Job) Start(ctx context.Context, factory WorkerFactory, onDone func(*Job, error)) {
	j.Child = factory.Spawn(ctx, j.Fn, func(err error) {
		onDone(j, wrapContextErr(j.Name, err))
	})
}

// CanRetry reports whether another attempt is permitted given the retry
// budget and attempts already made.
func (j *Job) CanRetry() bool {
	return j.Failures < j.Times
}
