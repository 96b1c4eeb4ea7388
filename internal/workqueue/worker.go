package workqueue

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/netops/dispatcherd/internal/logger"
)

// WorkerHandle is the liveness handle a WorkerFactory hands back for a
// spawned job. JobCollection only needs it to exist and be comparable; the
// Daemon/Service layers may type-assert to a concrete handle for richer
// introspection.
type WorkerHandle interface {
	// ID is an opaque, factory-assigned identifier, useful for logging.
	ID() string
}

// WorkerFactory is the capability spec.md §9 calls for: spawn a callable
// and be told exactly once when it exits. Two variants are provided,
// mirroring the Thread/Process split of the source system: GoroutineFactory
// for light, shared-memory workers, and IsolatedFactory for workers that
// each need their own locked OS thread (it gives no memory isolation).
type WorkerFactory interface {
	// Spawn runs fn, then calls onExit exactly once with fn's error (nil on
	// success). It returns a handle the collection can use to track
	// liveness; Spawn itself must not block waiting for fn to finish.
	Spawn(ctx context.Context, fn func(context.Context) error, onExit func(error)) WorkerHandle
}

type handle struct{ id string }

func (h *handle) ID() string { return h.id }

// GoroutineFactory spawns each job as a plain goroutine sharing the
// process's memory. This is the default, low-overhead factory.
type GoroutineFactory struct {
	nextID func() string
}

// NewGoroutineFactory creates a GoroutineFactory. idFn generates handle ids;
// if nil, a simple counter is used.
func NewGoroutineFactory(idFn func() string) *GoroutineFactory {
	if idFn == nil {
		var n int64
		idFn = func() string {
			n++
			return fmt.Sprintf("goroutine-%d", n)
		}
	}
	return &GoroutineFactory{nextID: idFn}
}

func (f *GoroutineFactory) Spawn(ctx context.Context, fn func(context.Context) error, onExit func(error)) WorkerHandle {
	h := &handle{id: f.nextID()}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("worker_id", h.id).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("job panicked")
				onExit(fmt.Errorf("job panicked: %v", r))
				return
			}
		}()
		onExit(fn(ctx))
	}()
	return h
}

// IsolatedFactory pins each job to its own locked OS thread for the
// duration of its run. It gives no memory isolation (Go has no
// copy-on-write fork), but it does mean a job that corrupts per-thread OS
// state (thread-local signal masks, CPU affinity set by a misbehaving
// driver) cannot affect any other job's thread. Used for jobs whose
// callable is known to touch OS-level session state, e.g. protocol
// drivers managing their own file descriptors.
type IsolatedFactory struct {
	nextID func() string
}

// NewIsolatedFactory creates an IsolatedFactory.
func NewIsolatedFactory(idFn func() string) *IsolatedFactory {
	if idFn == nil {
		var n int64
		idFn = func() string {
			n++
			return fmt.Sprintf("isolated-%d", n)
		}
	}
	return &IsolatedFactory{nextID: idFn}
}

func (f *IsolatedFactory) Spawn(ctx context.Context, fn func(context.Context) error, onExit func(error)) WorkerHandle {
	h := &handle{id: f.nextID()}
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("worker_id", h.id).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("job panicked")
				onExit(fmt.Errorf("job panicked: %v", r))
				return
			}
		}()
		onExit(fn(ctx))
	}()
	return h
}
