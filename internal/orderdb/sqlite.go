package orderdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/order"
)

// SQLiteDB is the modernc.org/sqlite-backed OrderDatabase, grounded on
// ehrlich-b-cinch's internal/storage.SQLiteStorage: same sql.Open/PRAGMA/
// migrate shape, adapted to orders and tasks instead of jobs and repos.
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed OrderDatabase at dsn. Use
// ":memory:" for tests.
func NewSQLite(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteDB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteDB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'incoming',
			descriptor TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			queue_name TEXT NOT NULL,
			func_name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'new',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			closed_at DATETIME,
			FOREIGN KEY (order_id) REFERENCES orders(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_order_id ON tasks(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue_status ON tasks(queue_name, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// --- Orders ---

func (s *SQLiteDB) SaveOrder(ctx context.Context, o *order.Order) error {
	descriptor, err := json.Marshal(o.Descriptor)
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	if o.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO orders (service_name, status, descriptor, created_at, closed_at)
			 VALUES (?, ?, ?, ?, ?)`,
			o.ServiceName, o.Status.String(), string(descriptor), o.CreatedAt, o.ClosedAt)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted order id: %w", err)
		}
		o.ID = id
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE orders SET service_name = ?, status = ?, descriptor = ?, closed_at = ? WHERE id = ?`,
		o.ServiceName, o.Status.String(), string(descriptor), o.ClosedAt, o.ID)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetOrder(ctx context.Context, id int64) (*order.Order, error) {
	var (
		serviceName, status, descriptorJSON string
		createdAt                           time.Time
		closedAt                            sql.NullTime
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT service_name, status, descriptor, created_at, closed_at FROM orders WHERE id = ?`, id).
		Scan(&serviceName, &status, &descriptorJSON, &createdAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	var descriptor map[string]any
	if err := json.Unmarshal([]byte(descriptorJSON), &descriptor); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor: %w", err)
	}

	o := order.New(serviceName, descriptor)
	o.ID = id
	o.Status = order.ParseState(status)
	o.CreatedAt = createdAt
	if closedAt.Valid {
		t := closedAt.Time
		o.ClosedAt = &t
	}
	return o, nil
}

// --- Tasks ---

func (s *SQLiteDB) SaveTask(ctx context.Context, t *order.Task) error {
	if t.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (order_id, name, queue_name, func_name, status, created_at, closed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.OrderID, t.Name, t.QueueName, t.FuncName, t.Status.String(), t.CreatedAt, t.ClosedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted task id: %w", err)
		}
		t.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name = ?, queue_name = ?, func_name = ?, status = ?, closed_at = ? WHERE id = ?`,
		t.Name, t.QueueName, t.FuncName, t.Status.String(), t.ClosedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetTask(ctx context.Context, id int64) (*order.Task, error) {
	task, err := scanTaskRow(s.db.QueryRowContext(ctx,
		`SELECT id, order_id, name, queue_name, func_name, status, created_at, closed_at FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLiteDB) TasksForOrder(ctx context.Context, orderID int64) ([]*order.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, name, queue_name, func_name, status, created_at, closed_at
		 FROM tasks WHERE order_id = ? ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query tasks for order: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func (s *SQLiteDB) CountTasks(ctx context.Context, orderID int64, onlyOpen bool) (int, error) {
	query := `SELECT COUNT(*) FROM tasks WHERE order_id = ?`
	if onlyOpen {
		query += ` AND closed_at IS NULL`
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, orderID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

// MarkTasks implements the atomic select-and-update mark_tasks primitive:
// a single transaction selects up to limit ids matching (queueName,
// fromStatus) in insertion order, flips their status, and returns the
// post-update rows — so two dispatchers racing this call on a shared
// database never both claim the same task (spec.md §5 ordering guarantee
// (c), testable property 6).
func (s *SQLiteDB) MarkTasks(ctx context.Context, queueName string, fromStatus, newStatus order.TaskState, limit int) ([]*order.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mark_tasks transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM tasks WHERE queue_name = ? AND status = ? ORDER BY created_at LIMIT ?`,
		queueName, fromStatus.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("select tasks to mark: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, newStatus.String(), id); err != nil {
			return nil, fmt.Errorf("mark task %d: %w", id, err)
		}
	}

	tasks := make([]*order.Task, 0, len(ids))
	for _, id := range ids {
		task, err := scanTaskRow(tx.QueryRowContext(ctx,
			`SELECT id, order_id, name, queue_name, func_name, status, created_at, closed_at FROM tasks WHERE id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("reload marked task %d: %w", id, err)
		}
		tasks = append(tasks, task)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mark_tasks transaction: %w", err)
	}
	return tasks, nil
}

// CloseOpenOrders logs every order left in a non-terminal state at
// startup, without mutating any row — the original close_open_orders is
// named for the repair the next maintenance pass should do, not a repair
// it performs itself (SPEC_FULL.md §3.1).
func (s *SQLiteDB) CloseOpenOrders(ctx context.Context) ([]*order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, service_name, status, descriptor, created_at, closed_at FROM orders WHERE closed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var open []*order.Order
	for rows.Next() {
		var (
			id                                   int64
			serviceName, status, descriptorJSON  string
			createdAt                             time.Time
			closedAt                              sql.NullTime
		)
		if err := rows.Scan(&id, &serviceName, &status, &descriptorJSON, &createdAt, &closedAt); err != nil {
			return nil, fmt.Errorf("scan open order: %w", err)
		}
		var descriptor map[string]any
		_ = json.Unmarshal([]byte(descriptorJSON), &descriptor)

		o := order.New(serviceName, descriptor)
		o.ID = id
		o.Status = order.ParseState(status)
		o.CreatedAt = createdAt
		open = append(open, o)

		logger.Warn().
			Int64("order_id", id).
			Str("status", status).
			Msg("order left open at startup")
	}
	return open, rows.Err()
}

// ReapStaleOrders closes (status StateError) any order that has been open
// for longer than maxAge. This is the actual state-repair step
// SPEC_FULL.md §3.1 adds on top of CloseOpenOrders' log-only behavior.
func (s *SQLiteDB) ReapStaleOrders(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, closed_at = ? WHERE closed_at IS NULL AND created_at < ?`,
		order.StateError.String(), time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale orders: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read reaped row count: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*order.Task, error) {
	var (
		id, orderID                           int64
		name, queueName, funcName, status     string
		createdAt                              time.Time
		closedAt                               sql.NullTime
	)
	if err := row.Scan(&id, &orderID, &name, &queueName, &funcName, &status, &createdAt, &closedAt); err != nil {
		return nil, err
	}

	t := order.NewTask(orderID, name, queueName, funcName)
	t.ID = id
	t.Status = order.ParseTaskState(status)
	t.CreatedAt = createdAt
	if closedAt.Valid {
		c := closedAt.Time
		t.ClosedAt = &c
	}
	return t, nil
}

func scanTaskRows(rows *sql.Rows) ([]*order.Task, error) {
	var tasks []*order.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
