package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskState_String(t *testing.T) {
	tests := []struct {
		state    TaskState
		expected string
	}{
		{TaskNew, "new"},
		{TaskGo, "go"},
		{TaskLoading, "loading"},
		{TaskQueued, "queued"},
		{TaskInProgress, "in-progress"},
		{TaskCompleted, "completed"},
		{TaskInternalError, "internal-error"},
		{TaskState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

// Invariant: a task transitions to queued only through loading, and to
// in-progress only from queued (spec.md §3).
func TestTaskStateMachine_FullPipeline(t *testing.T) {
	task := NewTask(1, "configure", "routers", "configure_device")
	sm := NewTaskStateMachine(task)

	var goFired, changedCount, closedFired int

	task.Events().Go.Listen(func(*Task) { goFired++ })
	task.Events().Changed.Listen(func(*Task) { changedCount++ })
	task.Events().Closed.Listen(func(*Task) { closedFired++ })

	require.NoError(t, sm.Ready())
	assert.Equal(t, TaskGo, task.Status)
	assert.Equal(t, 1, goFired)

	require.NoError(t, sm.Load())
	assert.Equal(t, TaskLoading, task.Status)

	require.NoError(t, sm.Enqueue())
	assert.Equal(t, TaskQueued, task.Status)

	require.NoError(t, sm.Start())
	assert.Equal(t, TaskInProgress, task.Status)

	require.NoError(t, sm.Complete())
	assert.Equal(t, TaskCompleted, task.Status)
	assert.NotNil(t, task.ClosedAt)

	// Ready + Load + Enqueue + Start + Complete = 5 changed events.
	assert.Equal(t, 5, changedCount)
	assert.Equal(t, 1, closedFired)
}

func TestTaskStateMachine_RunFunctionRaises(t *testing.T) {
	task := NewTask(1, "configure", "routers", "configure_device")
	sm := NewTaskStateMachine(task)

	require.NoError(t, sm.Ready())
	require.NoError(t, sm.Load())
	require.NoError(t, sm.Enqueue())
	require.NoError(t, sm.Start())

	require.NoError(t, sm.Fail())
	assert.Equal(t, TaskInternalError, task.Status)
	assert.NotNil(t, task.ClosedAt)
}

func TestTaskStateMachine_InvalidTransition(t *testing.T) {
	task := NewTask(1, "configure", "routers", "configure_device")
	sm := NewTaskStateMachine(task)

	err := sm.Start()
	assert.Equal(t, ErrInvalidTaskTransition, err)
	assert.Equal(t, TaskNew, task.Status)
}

func TestTaskState_CanTransitionTo(t *testing.T) {
	assert.True(t, TaskNew.CanTransitionTo(TaskGo))
	assert.False(t, TaskNew.CanTransitionTo(TaskQueued))
	assert.True(t, TaskQueued.CanTransitionTo(TaskInProgress))
	assert.False(t, TaskCompleted.CanTransitionTo(TaskInProgress))
}

func TestOrder_LoggerPool(t *testing.T) {
	o := New("svc", nil)
	o.ID = 42

	var opened, closed int
	var gotServiceName string
	factory := func(orderID int64, serviceName, name string) (Logger, error) {
		opened++
		gotServiceName = serviceName
		return &fakeLogger{onClose: func() { closed++ }}, nil
	}

	l1, err := o.Logger("main", factory)
	require.NoError(t, err)
	l2, err := o.Logger("main", factory)
	require.NoError(t, err)
	assert.Same(t, l1, l2, "expected the same logger to be reused for the same name")
	assert.Equal(t, 1, opened)

	_, err = o.Logger("secondary", factory)
	require.NoError(t, err)
	assert.Equal(t, 2, opened)
	assert.Equal(t, "svc", gotServiceName)

	o.CloseLoggers()
	assert.Equal(t, 2, closed)
}

type fakeLogger struct {
	onClose func()
}

func (f *fakeLogger) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeLogger) Close() error {
	if f.onClose != nil {
		f.onClose()
	}
	return nil
}
