package order

import (
	"errors"
	"time"
)

// TaskState is a Task's position in the creation/refill/execution pipeline
// (spec.md §3): "a task transitions to queued only through the
// Dispatcher's refill path; in-progress only from a worker."
type TaskState int

const (
	TaskNew TaskState = iota
	TaskGo
	TaskLoading
	TaskQueued
	TaskInProgress
	TaskCompleted
	TaskInternalError
)

func (s TaskState) String() string {
	switch s {
	case TaskNew:
		return "new"
	case TaskGo:
		return "go"
	case TaskLoading:
		return "loading"
	case TaskQueued:
		return "queued"
	case TaskInProgress:
		return "in-progress"
	case TaskCompleted:
		return "completed"
	case TaskInternalError:
		return "internal-error"
	default:
		return "unknown"
	}
}

// ParseTaskState parses the database's textual status column.
func ParseTaskState(s string) TaskState {
	switch s {
	case "new":
		return TaskNew
	case "go":
		return TaskGo
	case "loading":
		return TaskLoading
	case "queued":
		return TaskQueued
	case "in-progress":
		return TaskInProgress
	case "completed":
		return TaskCompleted
	case "internal-error":
		return TaskInternalError
	default:
		return TaskNew
	}
}

// IsClosed reports whether s is a terminal task state.
func (s TaskState) IsClosed() bool {
	return s == TaskCompleted || s == TaskInternalError
}

var validTaskTransitions = map[TaskState][]TaskState{
	TaskNew:        {TaskGo},
	TaskGo:         {TaskLoading},
	TaskLoading:    {TaskQueued},
	TaskQueued:     {TaskInProgress},
	TaskInProgress: {TaskCompleted, TaskInternalError},
}

// CanTransitionTo reports whether to is a legal next state from s.
func (s TaskState) CanTransitionTo(to TaskState) bool {
	for _, candidate := range validTaskTransitions[s] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ErrInvalidTaskTransition is returned by TaskStateMachine.Transition for
// any move not in validTaskTransitions.
var ErrInvalidTaskTransition = errors.New("invalid task state transition")

// Task is a persisted sub-unit of an Order, bound to a named work queue
// and resolved to a callable by the owning Service at run time (spec.md
// §3). func_name is symbolic: the Service, not the Task, knows how to turn
// it into a func(context.Context) error.
type Task struct {
	ID          int64      `json:"id"`
	OrderID     int64      `json:"order_id"`
	Name        string     `json:"name"`
	QueueName   string     `json:"queue_name"`
	FuncName    string     `json:"func_name"`
	Status      TaskState  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`

	events *TaskEvents
}

// NewTask builds a Task in TaskNew and wires its three lifecycle buses.
func NewTask(orderID int64, name, queueName, funcName string) *Task {
	return &Task{
		OrderID:   orderID,
		Name:      name,
		QueueName: queueName,
		FuncName:  funcName,
		Status:    TaskNew,
		CreatedAt: time.Now().UTC(),
		events:    newTaskEvents(),
	}
}

// Events returns the task's go/changed/closed event buses, creating them
// if the task was decoded from storage rather than built via NewTask.
func (t *Task) Events() *TaskEvents {
	if t.events == nil {
		t.events = newTaskEvents()
	}
	return t.events
}

// TaskResponse is the wire shape for task status endpoints.
type TaskResponse struct {
	ID        int64      `json:"id"`
	OrderID   int64      `json:"order_id"`
	Name      string     `json:"name"`
	QueueName string     `json:"queue_name"`
	FuncName  string     `json:"func_name"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// ToResponse converts the task to its wire representation.
func (t *Task) ToResponse() *TaskResponse {
	return &TaskResponse{
		ID:        t.ID,
		OrderID:   t.OrderID,
		Name:      t.Name,
		QueueName: t.QueueName,
		FuncName:  t.FuncName,
		Status:    t.Status.String(),
		CreatedAt: t.CreatedAt,
		ClosedAt:  t.ClosedAt,
	}
}

// TaskStateMachine drives a Task through its status pipeline, firing the
// changed_event on every transition and closed_event on terminal ones, the
// same shape as the original's create_task listener wiring.
type TaskStateMachine struct {
	task *Task
}

// NewTaskStateMachine creates a state machine over task.
func NewTaskStateMachine(task *Task) *TaskStateMachine {
	return &TaskStateMachine{task: task}
}

// Transition moves the task to target, firing changed_event and, if target
// is terminal, closed_event with ClosedAt stamped first.
func (sm *TaskStateMachine) Transition(target TaskState) error {
	if !sm.task.Status.CanTransitionTo(target) {
		return ErrInvalidTaskTransition
	}
	sm.task.Status = target
	if target.IsClosed() {
		now := time.Now().UTC()
		sm.task.ClosedAt = &now
	}

	ev := sm.task.Events()
	ev.Changed.Fire(sm.task)
	if target.IsClosed() {
		ev.Closed.Fire(sm.task)
	}
	return nil
}

// Ready marks a Task new -> go and fires go_event, the signal
// _on_task_go listens for to call _fill_queue.
func (sm *TaskStateMachine) Ready() error {
	if err := sm.Transition(TaskGo); err != nil {
		return err
	}
	sm.task.Events().Go.Fire(sm.task)
	return nil
}

// Load marks go -> loading: the Dispatcher's refill path has claimed this
// task via mark_tasks and is about to enqueue it.
func (sm *TaskStateMachine) Load() error { return sm.Transition(TaskLoading) }

// Enqueue marks loading -> queued: the task has been handed to its named
// WorkQueue.
func (sm *TaskStateMachine) Enqueue() error { return sm.Transition(TaskQueued) }

// Start marks queued -> in-progress: a worker has begun executing it.
func (sm *TaskStateMachine) Start() error { return sm.Transition(TaskInProgress) }

// Complete marks in-progress -> completed.
func (sm *TaskStateMachine) Complete() error { return sm.Transition(TaskCompleted) }

// Fail marks in-progress -> internal-error: service.run_function raised.
func (sm *TaskStateMachine) Fail() error { return sm.Transition(TaskInternalError) }
