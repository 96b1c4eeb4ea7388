// Package orderdb persists orders and tasks across restarts (spec.md §3,
// §6): OrderDatabase is the contract the Dispatcher depends on, and the
// sqlite.go file in this package is the concrete modernc.org/sqlite
// implementation, grounded on ehrlich-b-cinch's internal/storage package.
package orderdb

import (
	"context"
	"errors"
	"time"

	"github.com/netops/dispatcherd/internal/order"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("orderdb: not found")

// OrderDatabase is the durable storage contract spec.md §3/§6 names. Every
// method must be safe for concurrent use; MarkTasks in particular must be
// an atomic select-and-update so two dispatchers sharing one database
// never both claim the same task during a refill race (spec.md §5
// ordering guarantee (c), testable property 6).
type OrderDatabase interface {
	SaveOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, id int64) (*order.Order, error)

	SaveTask(ctx context.Context, t *order.Task) error
	GetTask(ctx context.Context, id int64) (*order.Task, error)
	TasksForOrder(ctx context.Context, orderID int64) ([]*order.Task, error)

	// CountTasks counts an order's tasks. If onlyOpen is true, only tasks
	// whose closed_timestamp is still unset are counted — the spec's
	// count_tasks(order_id, closed=null).
	CountTasks(ctx context.Context, orderID int64, onlyOpen bool) (int, error)

	// MarkTasks atomically selects up to limit tasks on queueName whose
	// status is fromStatus, flips them to newStatus, and returns the
	// updated rows in the order they were selected — spec.md's
	// mark_tasks(new_status, limit, queue, status).
	MarkTasks(ctx context.Context, queueName string, fromStatus order.TaskState, newStatus order.TaskState, limit int) ([]*order.Task, error)

	// CloseOpenOrders is the crash-recovery pass cmd/dispatcherd runs once
	// at startup. Per SPEC_FULL.md §3.1 it is log-only, matching the
	// original's close_open_orders; ReapStaleOrders is the actual
	// state-repair step built on top of it.
	CloseOpenOrders(ctx context.Context) ([]*order.Order, error)

	// ReapStaleOrders closes any order that has sat in a non-terminal
	// state for longer than maxAge, setting its status to StateError.
	// This is this implementation's answer to the open question of what
	// close_open_orders should eventually do (SPEC_FULL.md §3.1).
	ReapStaleOrders(ctx context.Context, maxAge time.Duration) (int, error)

	Close() error
}
