// Package dispatcher implements the durable order/task layer described in
// spec.md §4.6: admission, service lookup, queue refill, and order
// completion tracking on top of internal/workqueue, grounded in
// original_source/src/Exscriptd/OrderDispatcher.py.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
	"github.com/netops/dispatcherd/internal/workqueue"
)

// Service is the per-order-type collaborator spec.md §6 describes: a
// domain plugin that decides whether to admit an order, creates its tasks,
// and knows how to resolve a Task's symbolic func_name into a callable.
type Service interface {
	// Check is a fast, synchronous admission test.
	Check(ctx context.Context, o *order.Order) (bool, error)
	// Enter may create tasks; it returns true on success.
	Enter(ctx context.Context, o *order.Order) (bool, error)
	// RunFunction executes the named function in a worker context; it may
	// return an error, which closes the task with internal-error.
	RunFunction(ctx context.Context, funcName string, o *order.Order, t *order.Task) error
}

// Daemon is the external transport contract spec.md §6 describes: it owns
// a transport outside the core. The daemon's incoming-order bus is passed
// alongside it to BindDaemon, which binds PlaceOrder to that bus.
type Daemon interface {
	Name() string
}

// jobPayload is carried on workqueue.Job.Data so the dispatcher's
// queue-level completion listeners can recover which order/task a
// finished job belonged to without a per-job callback registration API.
type jobPayload struct {
	order *order.Order
	task  *order.Task
}

// OrderDispatcher is the synchronized core of spec.md §4.6: every method
// spec.md marks @synchronized here takes mu, matching the
// original's single reentrant lock (spec.md §5).
type OrderDispatcher struct {
	mu sync.Mutex

	db       orderdb.OrderDatabase
	queues   map[string]*workqueue.WorkQueue
	services map[string]Service

	maxConcurrentPerQueue int
	loggerFactory         func(orderID int64, serviceName, name string) (order.Logger, error)
	mirror                *events.RedisMirror
}

// New creates an OrderDispatcher backed by db. maxConcurrentPerQueue bounds
// how many tasks _fillQueue will keep outstanding on any one queue at
// once; loggerFactory builds the per-order log handles Order.Logger
// delegates to (SPEC_FULL.md §3.1/§6). A nil loggerFactory disables
// per-order logging entirely.
func New(db orderdb.OrderDatabase, maxConcurrentPerQueue int, loggerFactory func(int64, string, string) (order.Logger, error)) *OrderDispatcher {
	if maxConcurrentPerQueue <= 0 {
		maxConcurrentPerQueue = 1
	}
	return &OrderDispatcher{
		db:                    db,
		queues:                make(map[string]*workqueue.WorkQueue),
		services:              make(map[string]Service),
		maxConcurrentPerQueue: maxConcurrentPerQueue,
		loggerFactory:         loggerFactory,
	}
}

// SetMirror attaches the external notification mirror dispatcher lifecycle
// transitions are published to (SPEC_FULL.md §6, fed to the WebSocket hub).
// A nil or never-set mirror disables publishing; lifecycle behavior is
// unaffected either way.
func (d *OrderDispatcher) SetMirror(m *events.RedisMirror) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mirror = m
}

func (d *OrderDispatcher) publishOrder(ctx context.Context, t events.Type, o *order.Order) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.PublishOrderEvent(ctx, t, o.ID, o.ServiceName, o.Status.String(), nil); err != nil {
		logger.Error().Err(err).Int64("order_id", o.ID).Str("event", string(t)).Msg("failed to publish order event")
	}
}

func (d *OrderDispatcher) publishTask(ctx context.Context, t events.Type, task *order.Task) {
	if d.mirror == nil {
		return
	}
	if err := d.mirror.PublishTaskEvent(ctx, t, task.ID, task.OrderID, task.QueueName, task.Status.String()); err != nil {
		logger.Error().Err(err).Int64("task_id", task.ID).Str("event", string(t)).Msg("failed to publish task event")
	}
}

// RegisterService makes a Service available under name for orders whose
// ServiceName matches.
func (d *OrderDispatcher) RegisterService(name string, s Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.services[name] = s
}

// RegisterQueue makes a WorkQueue available for task refill under its own
// name, wires the dispatcher's completion handling onto it, and starts it
// (Start is idempotent). The jobs fillQueueLocked enqueues run runTask,
// which calls afterTaskDone; the queue's succeeded/aborted events are
// routed to onJobDone.
func (d *OrderDispatcher) RegisterQueue(wq *workqueue.WorkQueue) {
	d.mu.Lock()
	d.queues[wq.Name()] = wq
	d.mu.Unlock()
	defer wq.Start()

	wq.JobSucceeded().Listen(func(j *workqueue.Job) { d.onJobDone(j, nil) })
	wq.JobAborted().Listen(func(j *workqueue.Job) { d.onJobDone(j, errTaskJobAborted) })
	wq.QueueEmpty().Listen(func(struct{}) {
		if d.mirror == nil {
			return
		}
		if err := d.mirror.Publish(context.Background(), events.NewNotification(events.QueueEmpty, map[string]interface{}{"queue_name": wq.Name()})); err != nil {
			logger.Error().Err(err).Str("queue", wq.Name()).Msg("failed to publish queue empty event")
		}
	})
}

// BindDaemon subscribes d.PlaceOrder to daemon's incoming-order event, so
// the daemon's transport goroutine returns as soon as PlaceOrder's
// synchronous admission prefix completes.
func (d *OrderDispatcher) BindDaemon(daemon Daemon, incoming *events.Bus[*order.Order]) {
	incoming.Listen(func(o *order.Order) {
		d.PlaceOrder(context.Background(), o, daemon.Name())
	})
}

var errTaskJobAborted = fmt.Errorf("task job exhausted its retry budget")

// PlaceOrder is the admission path of spec.md §4.6, invoked on the
// daemon's calling goroutine. It persists the order with status incoming,
// looks up the Service, runs its synchronous Check, and — on acceptance —
// spawns _enterOrder asynchronously so this call returns immediately.
func (d *OrderDispatcher) PlaceOrder(ctx context.Context, o *order.Order, daemonName string) {
	o.Status = order.StateIncoming
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Str("daemon", daemonName).Msg("failed to persist incoming order")
		return
	}
	d.publishOrder(ctx, events.OrderIncoming, o)

	d.mu.Lock()
	svc, ok := d.services[o.ServiceName]
	d.mu.Unlock()

	sm := order.NewStateMachine(o)

	if !ok {
		_ = sm.RejectNotFound()
		d.saveAndLog(ctx, o, "no service registered for order")
		return
	}

	accepted, err := svc.Check(ctx, o)
	if err != nil {
		_ = sm.FailCheck()
		d.saveAndLog(ctx, o, "service.check raised")
		return
	}
	if !accepted {
		_ = sm.RejectCheck()
		d.saveAndLog(ctx, o, "service.check rejected order")
		return
	}

	if err := sm.Accept(); err != nil {
		logger.Error().Err(err).Msg("unreachable: accept from incoming always valid")
		return
	}
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Msg("failed to persist accepted order")
		return
	}
	d.publishOrder(ctx, events.OrderAccepted, o)

	go d.enterOrder(ctx, svc, o)
}

func (d *OrderDispatcher) saveAndLog(ctx context.Context, o *order.Order, reason string) {
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Msg("failed to persist order status")
	}
	logger.Info().Int64("order_id", o.ID).Str("status", o.Status.String()).Msg(reason)
	d.publishOrder(ctx, events.OrderClosed, o)
	o.CloseLoggers()
}

// enterOrder is the async enter path of spec.md §4.6: saving -> persist ->
// enter-start -> service.Enter -> entered, then an immediate completion
// check in case the service created no tasks at all.
func (d *OrderDispatcher) enterOrder(ctx context.Context, svc Service, o *order.Order) {
	sm := order.NewStateMachine(o)

	if err := sm.Save(); err != nil {
		logger.Error().Err(err).Msg("unreachable: save from accepted always valid")
		return
	}
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Msg("failed to persist saving order")
		return
	}

	if err := sm.StartEnter(); err != nil {
		logger.Error().Err(err).Msg("unreachable: enter-start from saving always valid")
		return
	}
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Msg("failed to persist enter-start order")
		return
	}

	entered, err := svc.Enter(ctx, o)
	if err != nil {
		_ = sm.PanicEnter()
		d.saveAndLog(ctx, o, "service.enter raised")
		return
	}
	if !entered {
		_ = sm.FailEnter()
		d.saveAndLog(ctx, o, "service.enter returned false")
		return
	}

	if err := sm.Enter(); err != nil {
		logger.Error().Err(err).Msg("unreachable: entered from enter-start always valid")
		return
	}
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Msg("failed to persist entered order")
		return
	}
	d.publishOrder(ctx, events.OrderEntered, o)

	d.updateOrderStatus(ctx, o)
}

// CreateTask is the Service-facing constructor of spec.md §4.6: it builds
// a Task, wires its go_event to persist the task in status go and then
// call fillQueue, and returns it so the Service can mark it ready whenever
// its inputs are available.
func (d *OrderDispatcher) CreateTask(ctx context.Context, o *order.Order, name, queueName, funcName string) (*order.Task, error) {
	task := order.NewTask(o.ID, name, queueName, funcName)
	if err := d.db.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist new task: %w", err)
	}

	task.Events().Go.Listen(func(t *order.Task) {
		if err := d.db.SaveTask(ctx, t); err != nil {
			logger.Error().Err(err).Int64("task_id", t.ID).Msg("failed to persist ready task")
			return
		}
		d.fillQueue(ctx, t.QueueName)
	})

	return task, nil
}

// fillQueue is the refill loop of spec.md §4.6, serialized against
// onQTaskDone by the dispatcher lock (spec.md §5 ordering guarantee (c)):
// it grabs up to (cap - current length) tasks in status go on queueName
// via the database's atomic MarkTasks, and enqueues each on its WorkQueue.
func (d *OrderDispatcher) fillQueue(ctx context.Context, queueName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fillQueueLocked(ctx, queueName)
}

func (d *OrderDispatcher) fillQueueLocked(ctx context.Context, queueName string) {
	wq, ok := d.queues[queueName]
	if !ok {
		logger.Warn().Str("queue", queueName).Msg("fill_queue: no such queue registered")
		return
	}

	free := d.maxConcurrentPerQueue - wq.Length()
	if free <= 0 {
		return
	}

	// Pause dispatch while tasks are claimed and enqueued, so a worker the
	// queue already has capacity for can't start draining jobs this refill
	// is still in the middle of adding (spec.md §4.6 steps 3/5).
	wq.Pause()
	defer wq.Unpause()

	tasks, err := d.db.MarkTasks(ctx, queueName, order.TaskGo, order.TaskLoading, free)
	if err != nil {
		logger.Error().Err(err).Str("queue", queueName).Msg("mark_tasks failed")
		return
	}

	for _, task := range tasks {
		o, err := d.db.GetOrder(ctx, task.OrderID)
		if err != nil {
			logger.Error().Err(err).Int64("order_id", task.OrderID).Msg("failed to load order for task refill")
			continue
		}

		tsm := order.NewTaskStateMachine(task)
		task.Events().Changed.Listen(func(t *order.Task) {
			if err := d.db.SaveTask(ctx, t); err != nil {
				logger.Error().Err(err).Int64("task_id", t.ID).Msg("failed to persist task transition")
			}
		})

		if err := tsm.Enqueue(); err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("task not in loading state at refill")
			continue
		}
		d.publishTask(ctx, events.TaskQueued, task)

		payload := &jobPayload{order: o, task: task}
		service := d.services[o.ServiceName]
		wq.EnqueueWithData(func(jobCtx context.Context) error {
			return d.runTask(jobCtx, service, o, task)
		}, fmt.Sprintf("task-%d", task.ID), 1, payload)
	}
}

func (d *OrderDispatcher) serviceFor(name string) Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services[name]
}

// LoggerFactory exposes the per-order logger factory a Service needs to
// open an Order's scoped log handles via Order.Logger(name, d.LoggerFactory()).
// Returns nil if New was constructed without one.
func (d *OrderDispatcher) LoggerFactory() func(orderID int64, serviceName, name string) (order.Logger, error) {
	return d.loggerFactory
}

// QueueStat is a snapshot of one registered queue's admin-visible state
// (SPEC_FULL.md §6.1's GET /admin/queues).
type QueueStat struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// QueueStats returns a snapshot of every registered queue, for admin
// introspection.
func (d *OrderDispatcher) QueueStats() []QueueStat {
	d.mu.Lock()
	names := make([]string, 0, len(d.queues))
	queues := make([]*workqueue.WorkQueue, 0, len(d.queues))
	for name, wq := range d.queues {
		names = append(names, name)
		queues = append(queues, wq)
	}
	d.mu.Unlock()

	stats := make([]QueueStat, len(names))
	for i, name := range names {
		stats[i] = QueueStat{Name: name, Length: queues[i].Length()}
	}
	return stats
}

// runTask is the worker-side execution of spec.md §4.6 ("Task execution"):
// it marks the task in-progress, dispatches to the Service's
// RunFunction, and closes the task with internal-error on failure,
// propagating the error so the owning Job's own completion handling
// still applies.
func (d *OrderDispatcher) runTask(ctx context.Context, svc Service, o *order.Order, task *order.Task) error {
	tsm := order.NewTaskStateMachine(task)
	if err := tsm.Start(); err != nil {
		return fmt.Errorf("task not in queued state: %w", err)
	}
	d.publishTask(ctx, events.TaskInProgress, task)

	if err := svc.RunFunction(ctx, task.FuncName, o, task); err != nil {
		if failErr := tsm.Fail(); failErr != nil {
			logger.Error().Err(failErr).Int64("task_id", task.ID).Msg("failed to mark task internal-error")
		}
		d.publishTask(ctx, events.TaskFailed, task)
		d.afterTaskDone(ctx, task)
		return fmt.Errorf("run_function %q: %w", task.FuncName, err)
	}

	if !task.Status.IsClosed() {
		if err := tsm.Complete(); err != nil {
			logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to mark task completed")
		}
	}
	d.publishTask(ctx, events.TaskCompleted, task)
	d.afterTaskDone(ctx, task)
	return nil
}

// afterTaskDone is _on_qtask_done (spec.md §4.6), synchronized: it refills
// the task's queue to admit the next wave and re-checks the owning
// order's completion.
func (d *OrderDispatcher) afterTaskDone(ctx context.Context, task *order.Task) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fillQueueLocked(ctx, task.QueueName)

	o, err := d.db.GetOrder(ctx, task.OrderID)
	if err != nil {
		logger.Error().Err(err).Int64("order_id", task.OrderID).Msg("failed to reload order after task completion")
		return
	}
	d.updateOrderStatusLocked(ctx, o)
}

// onJobDone routes WorkQueue-level job outcomes back to the dispatcher.
// Success is already handled inline by runTask's return value; this only
// needs to react to a job that exhausted its retry budget without the
// task's own Fail() having been recorded (e.g. a panic recovered by the
// worker factory rather than a RunFunction error).
func (d *OrderDispatcher) onJobDone(j *workqueue.Job, cause error) {
	payload, ok := j.Data.(*jobPayload)
	if !ok || payload == nil {
		return
	}
	if cause == nil {
		return
	}
	if payload.task.Status.IsClosed() {
		return
	}
	tsm := order.NewTaskStateMachine(payload.task)
	if err := tsm.Fail(); err != nil {
		logger.Error().Err(err).Int64("task_id", payload.task.ID).Msg("failed to mark aborted task internal-error")
	}
	d.publishTask(context.Background(), events.TaskFailed, payload.task)
	d.afterTaskDone(context.Background(), payload.task)
}

// updateOrderStatus is spec.md §4.6's _update_order_status: if the order
// has no open tasks left, it is closed with status completed and its
// per-order loggers are released.
func (d *OrderDispatcher) updateOrderStatus(ctx context.Context, o *order.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateOrderStatusLocked(ctx, o)
}

func (d *OrderDispatcher) updateOrderStatusLocked(ctx context.Context, o *order.Order) {
	open, err := d.db.CountTasks(ctx, o.ID, true)
	if err != nil {
		logger.Error().Err(err).Int64("order_id", o.ID).Msg("failed to count open tasks")
		return
	}
	if open > 0 {
		return
	}

	sm := order.NewStateMachine(o)
	if err := sm.Complete(); err != nil {
		// already completed or in a terminal state reached by another path
		return
	}
	if err := d.db.SaveOrder(ctx, o); err != nil {
		logger.Error().Err(err).Int64("order_id", o.ID).Msg("failed to persist completed order")
		return
	}
	d.publishOrder(ctx, events.OrderCompleted, o)
	o.CloseLoggers()
	logger.Info().Int64("order_id", o.ID).Msg("order completed")
}
