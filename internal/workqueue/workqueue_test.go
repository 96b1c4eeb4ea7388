package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(name string, maxWorkers int) *WorkQueue {
	q := New(name, maxWorkers, NewGoroutineFactory(nil))
	q.Start()
	return q
}

// Scenario A (spec.md §8): with max_workers=2, five jobs that each block
// until released never have more than two running concurrently, and
// queue_empty_event fires exactly once after the last one completes.
func TestWorkQueue_BoundedConcurrency(t *testing.T) {
	q := newTestQueue("bounded", 2)
	defer q.Shutdown()

	var (
		mu         sync.Mutex
		current    int
		maxSeen    int
		released   = make(chan struct{})
		emptyCount int32
	)

	q.QueueEmpty().Listen(func(struct{}) {
		atomic.AddInt32(&emptyCount, 1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		q.Enqueue(func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			current++
			if current > maxSeen {
				maxSeen = current
			}
			mu.Unlock()

			<-released

			mu.Lock()
			current--
			mu.Unlock()
			return nil
		}, "", 1)
	}

	time.Sleep(50 * time.Millisecond)
	close(released)
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.LessOrEqual(t, maxSeen, 2)
	mu.Unlock()
	assert.Equal(t, int32(1), atomic.LoadInt32(&emptyCount))
}

// Scenario: a job failing with retries left is requeued and eventually
// succeeds; job_error_event fires once per failed attempt and
// job_succeeded_event fires exactly once at the end.
func TestWorkQueue_RetryThenSucceed(t *testing.T) {
	q := newTestQueue("retry", 1)
	defer q.Shutdown()

	var errorCount int32
	var succeeded int32
	var taskDoneCount int32
	var emptyCount int32
	var firstID int64
	var idMismatch int32
	done := make(chan struct{})

	q.JobError().Listen(func(e JobError) {
		atomic.AddInt32(&errorCount, 1)
		id := atomic.LoadInt64(&firstID)
		if id != 0 && e.Job.ID != id {
			atomic.AddInt32(&idMismatch, 1)
		}
	})
	q.JobSucceeded().Listen(func(j *Job) {
		atomic.AddInt32(&succeeded, 1)
		atomic.AddInt32(&taskDoneCount, 1)
		if atomic.LoadInt64(&firstID) != 0 && j.ID != atomic.LoadInt64(&firstID) {
			atomic.AddInt32(&idMismatch, 1)
		}
		close(done)
	})
	// queue_empty_event must not fire until the job's final (successful)
	// attempt completes — a retry must never transiently empty the
	// collection (spec.md §4.3/§5).
	q.QueueEmpty().Listen(func(struct{}) {
		atomic.AddInt32(&emptyCount, 1)
	})

	var attempts int32
	id := q.Enqueue(func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		return nil
	}, "retry-job", 5)
	atomic.StoreInt64(&firstID, id)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to succeed")
	}
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&errorCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&succeeded))
	assert.Equal(t, int32(1), atomic.LoadInt32(&taskDoneCount), "task_done must fire exactly once, on the terminal attempt")
	assert.Equal(t, int32(1), atomic.LoadInt32(&emptyCount), "queue_empty_event must fire exactly once, not mid-retry")
	assert.Equal(t, int32(0), atomic.LoadInt32(&idMismatch), "job id must stay stable across retries")
}

// A job that exhausts its retry budget fires job_aborted_event exactly
// once and never job_succeeded_event.
func TestWorkQueue_RetryExhaustedAborts(t *testing.T) {
	q := newTestQueue("abort", 1)
	defer q.Shutdown()

	var aborted int32
	var succeeded int32
	done := make(chan struct{})

	q.JobAborted().Listen(func(*Job) {
		atomic.AddInt32(&aborted, 1)
		close(done)
	})
	q.JobSucceeded().Listen(func(*Job) {
		atomic.AddInt32(&succeeded, 1)
	})

	q.Enqueue(func(ctx context.Context) error {
		return errors.New("always fails")
	}, "doomed-job", 3)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to abort")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&aborted))
	assert.Equal(t, int32(0), atomic.LoadInt32(&succeeded))
}

// Named jobs dedupe via EnqueueOrIgnore: a second enqueue under the same
// name while the first is still outstanding is a no-op returning the
// existing job's id.
func TestWorkQueue_EnqueueOrIgnoreDedups(t *testing.T) {
	q := newTestQueue("dedup", 1)
	defer q.Shutdown()

	block := make(chan struct{})
	var runs int32

	id1 := q.EnqueueOrIgnore(func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		<-block
		return nil
	}, "only-once", 1)

	time.Sleep(20 * time.Millisecond)

	id2 := q.EnqueueOrIgnore(func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}, "only-once", 1)

	assert.Equal(t, id1, id2)

	close(block)
	q.WaitFor(id1)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

// A force-started priority job runs even while the queue is already at its
// concurrency cap.
func TestWorkQueue_PriorityEnqueueForceBypassesCap(t *testing.T) {
	q := newTestQueue("force", 1)
	defer q.Shutdown()

	blockFirst := make(chan struct{})
	started := make(chan struct{})

	q.Enqueue(func(ctx context.Context) error {
		close(started)
		<-blockFirst
		return nil
	}, "", 1)

	<-started

	forceDone := make(chan struct{})
	q.PriorityEnqueue(func(ctx context.Context) error {
		close(forceDone)
		return nil
	}, "urgent", 1, true)

	select {
	case <-forceDone:
	case <-time.After(time.Second):
		t.Fatal("force-started job never ran despite queue being at capacity")
	}

	close(blockFirst)
}

// PriorityEnqueueOrRaise returns an error rather than duplicating an
// in-flight named job.
func TestWorkQueue_PriorityEnqueueOrRaiseRejectsDuplicate(t *testing.T) {
	q := newTestQueue("raise", 1)
	defer q.Shutdown()

	block := make(chan struct{})
	defer close(block)

	_, err := q.PriorityEnqueueOrRaise(func(ctx context.Context) error {
		<-block
		return nil
	}, "exclusive", 1, false)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = q.PriorityEnqueueOrRaise(func(ctx context.Context) error {
		return nil
	}, "exclusive", 1, false)
	assert.Error(t, err)
}

// WaitFor returns immediately for an id that was never tracked.
func TestJobCollection_WaitForUntrackedIDReturnsImmediately(t *testing.T) {
	c := NewJobCollection(1)

	done := make(chan struct{})
	go func() {
		c.WaitForID(9999)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForID blocked on an id that was never enqueued")
	}
}

// Pause prevents new dispatch without disturbing already-running jobs;
// Unpause resumes it.
func TestJobCollection_PauseUnpause(t *testing.T) {
	c := NewJobCollection(1)
	factory := NewGoroutineFactory(nil)
	ctx := context.Background()

	var ran int32
	done := make(chan struct{})

	go func() {
		for {
			job, ok := c.Next()
			if !ok {
				return
			}
			job.Start(ctx, factory, func(j *Job, err error) {
				atomic.AddInt32(&ran, 1)
				c.TaskDone(j)
				close(done)
			})
		}
	}()

	c.Pause()
	c.Append(NewJob("paused-job", func(context.Context) error { return nil }, 1, nil), "paused-job")

	select {
	case <-done:
		t.Fatal("job ran while queue was paused")
	case <-time.After(50 * time.Millisecond):
	}

	c.Unpause()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran after unpause")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

// Stop makes Next return immediately, even with pending work left.
func TestJobCollection_StopStopsDispatch(t *testing.T) {
	c := NewJobCollection(1)
	c.Append(NewJob("never-runs", func(context.Context) error { return nil }, 1, nil), "never-runs")
	c.Stop()

	job, ok := c.Next()
	assert.False(t, ok)
	assert.Nil(t, job)
}
