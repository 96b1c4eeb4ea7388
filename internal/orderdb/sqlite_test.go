package orderdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netops/dispatcherd/internal/order"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteDB_SaveAndGetOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	o := order.New("configure-fleet", map[string]any{"fleet": "core-routers"})
	require.NoError(t, db.SaveOrder(ctx, o))
	assert.NotZero(t, o.ID)

	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ServiceName, got.ServiceName)
	assert.Equal(t, order.StateIncoming, got.Status)
	assert.Equal(t, "core-routers", got.Descriptor["fleet"])

	got.Status = order.StateAccepted
	require.NoError(t, db.SaveOrder(ctx, got))

	reloaded, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateAccepted, reloaded.Status)
}

func TestSQLiteDB_GetOrderNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetOrder(context.Background(), 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteDB_CountTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	o := order.New("svc", nil)
	require.NoError(t, db.SaveOrder(ctx, o))

	for i := 0; i < 3; i++ {
		task := order.NewTask(o.ID, "task", "Q", "fn")
		require.NoError(t, db.SaveTask(ctx, task))
	}

	total, err := db.CountTasks(ctx, o.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	open, err := db.CountTasks(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 3, open)

	tasks, err := db.TasksForOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	tasks[0].Status = order.TaskCompleted
	now := time.Now().UTC()
	tasks[0].ClosedAt = &now
	require.NoError(t, db.SaveTask(ctx, tasks[0]))

	open, err = db.CountTasks(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, open)
}

// Scenario F (spec.md §8): restart with 50 tasks in status go on queue Q;
// mark_tasks loads all 50 (limit >= 50) in one atomic pass.
func TestSQLiteDB_MarkTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	o := order.New("svc", nil)
	require.NoError(t, db.SaveOrder(ctx, o))

	for i := 0; i < 50; i++ {
		task := order.NewTask(o.ID, "task", "Q", "fn")
		task.Status = order.TaskGo
		require.NoError(t, db.SaveTask(ctx, task))
	}
	// a task on a different queue must never be picked up
	other := order.NewTask(o.ID, "task", "R", "fn")
	other.Status = order.TaskGo
	require.NoError(t, db.SaveTask(ctx, other))

	marked, err := db.MarkTasks(ctx, "Q", order.TaskGo, order.TaskLoading, 100)
	require.NoError(t, err)
	assert.Len(t, marked, 50)
	for _, tk := range marked {
		assert.Equal(t, order.TaskLoading, tk.Status)
		assert.Equal(t, "Q", tk.QueueName)
	}

	// a second call finds nothing left in status go on Q
	marked2, err := db.MarkTasks(ctx, "Q", order.TaskGo, order.TaskLoading, 100)
	require.NoError(t, err)
	assert.Empty(t, marked2)
}

func TestSQLiteDB_MarkTasksRespectsLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	o := order.New("svc", nil)
	require.NoError(t, db.SaveOrder(ctx, o))

	for i := 0; i < 10; i++ {
		task := order.NewTask(o.ID, "task", "Q", "fn")
		task.Status = order.TaskGo
		require.NoError(t, db.SaveTask(ctx, task))
	}

	marked, err := db.MarkTasks(ctx, "Q", order.TaskGo, order.TaskLoading, 4)
	require.NoError(t, err)
	assert.Len(t, marked, 4)

	remainingOpen, err := db.CountTasks(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 10, remainingOpen) // none closed yet, just reassigned status
}

func TestSQLiteDB_CloseOpenOrdersIsLogOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	o := order.New("svc", nil)
	o.Status = order.StateEnterStart
	require.NoError(t, db.SaveOrder(ctx, o))

	open, err := db.CloseOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, order.StateEnterStart, open[0].Status)

	// status on disk is unchanged: CloseOpenOrders does not mutate rows.
	reloaded, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateEnterStart, reloaded.Status)
}

func TestSQLiteDB_ReapStaleOrders(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	o := order.New("svc", nil)
	o.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, db.SaveOrder(ctx, o))
	// SaveOrder's INSERT uses o.CreatedAt directly, so the row reflects the
	// backdated timestamp set above.

	n, err := db.ReapStaleOrders(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateError, reloaded.Status)
	assert.NotNil(t, reloaded.ClosedAt)
}
