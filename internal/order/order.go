package order

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/netops/dispatcherd/internal/events"
)

// Order is the externally submitted unit of work spec.md §3 describes: a
// unit of durability and lifecycle tracking, created by a Daemon and
// mutated by the Dispatcher until every one of its tasks has closed.
type Order struct {
	ID          int64          `json:"id"`
	ServiceName string         `json:"service_name"`
	Status      State          `json:"status"`
	Descriptor  map[string]any `json:"descriptor"`
	CreatedAt   time.Time      `json:"created_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`

	loggers *loggerPool
}

// New creates an Order awaiting admission, in StateIncoming.
func New(serviceName string, descriptor map[string]any) *Order {
	return &Order{
		ServiceName: serviceName,
		Status:      StateIncoming,
		Descriptor:  descriptor,
		CreatedAt:   time.Now().UTC(),
		loggers:     newLoggerPool(),
	}
}

// ToJSON serializes the order.
func (o *Order) ToJSON() ([]byte, error) {
	return json.Marshal(o)
}

// OrderResponse is the wire shape returned by the HTTP daemon's order
// status endpoints (SPEC_FULL.md §6.1).
type OrderResponse struct {
	ID          int64      `json:"id"`
	ServiceName string     `json:"service_name"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// ToResponse converts the order to its wire representation.
func (o *Order) ToResponse() *OrderResponse {
	return &OrderResponse{
		ID:          o.ID,
		ServiceName: o.ServiceName,
		Status:      o.Status.String(),
		CreatedAt:   o.CreatedAt,
		ClosedAt:    o.ClosedAt,
	}
}

// Logger returns the named per-order logger, creating it on first use.
// Loggers are scoped to the order's lifetime (SPEC_FULL.md §3.1, grounded
// in OrderDispatcher.get_logger) and are released by CloseLoggers when the
// order closes. A nil factory yields a nil Logger and no error.
func (o *Order) Logger(name string, factory func(orderID int64, serviceName, name string) (Logger, error)) (Logger, error) {
	if factory == nil {
		return nil, nil
	}
	if o.loggers == nil {
		o.loggers = newLoggerPool()
	}
	return o.loggers.get(o.ID, o.ServiceName, name, factory)
}

// CloseLoggers releases every logger this order opened. Grounded in the
// original's _free_loggers, called once an order reaches a closed state.
func (o *Order) CloseLoggers() {
	if o.loggers != nil {
		o.loggers.closeAll()
	}
}

// Logger is the minimal per-order log handle: callers write lines, the
// dispatcher closes it on order completion. A concrete file-backed
// implementation lives in internal/logger.
type Logger interface {
	Write(p []byte) (int, error)
	Close() error
}

// loggerPool is the scoped resource backing Order.Logger/CloseLoggers: a
// map keyed by (orderID, name), matching OrderDispatcher.get_logger's pool
// semantics without making it a package-level global.
type loggerPool struct {
	mu      sync.Mutex
	entries map[string]Logger
}

func newLoggerPool() *loggerPool {
	return &loggerPool{entries: make(map[string]Logger)}
}

func (p *loggerPool) get(orderID int64, serviceName, name string, factory func(int64, string, string) (Logger, error)) (Logger, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := loggerKey(orderID, name)
	if l, ok := p.entries[key]; ok {
		return l, nil
	}
	l, err := factory(orderID, serviceName, name)
	if err != nil {
		return nil, fmt.Errorf("open order logger %q: %w", name, err)
	}
	p.entries[key] = l
	return l, nil
}

func (p *loggerPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.entries {
		_ = l.Close()
	}
	p.entries = make(map[string]Logger)
}

func loggerKey(orderID int64, name string) string {
	return fmt.Sprintf("%d/%s", orderID, name)
}

// TaskEvents bundles the three per-task events create_task wires up: go,
// changed, and closed (spec.md §3 "Tasks carry three events").
type TaskEvents struct {
	Go      *events.Bus[*Task]
	Changed *events.Bus[*Task]
	Closed  *events.Bus[*Task]
}

func newTaskEvents() *TaskEvents {
	return &TaskEvents{
		Go:      events.New[*Task](),
		Changed: events.New[*Task](),
		Closed:  events.New[*Task](),
	}
}
