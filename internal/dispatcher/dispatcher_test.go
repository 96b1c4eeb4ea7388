package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
	"github.com/netops/dispatcherd/internal/workqueue"
)

// fakeService lets each test script check/enter/run behavior without a
// real network-device driver.
type fakeService struct {
	checkResult bool
	checkErr    error

	enterFn func(ctx context.Context, disp *OrderDispatcher, o *order.Order) (bool, error)

	runFn func(ctx context.Context, funcName string, o *order.Order, t *order.Task) error

	disp *OrderDispatcher
}

func (s *fakeService) Check(ctx context.Context, o *order.Order) (bool, error) {
	return s.checkResult, s.checkErr
}

func (s *fakeService) Enter(ctx context.Context, o *order.Order) (bool, error) {
	return s.enterFn(ctx, s.disp, o)
}

func (s *fakeService) RunFunction(ctx context.Context, funcName string, o *order.Order, t *order.Task) error {
	if s.runFn != nil {
		return s.runFn(ctx, funcName, o, t)
	}
	return nil
}

func newTestDispatcher(t *testing.T, maxConcurrent int) (*OrderDispatcher, orderdb.OrderDatabase) {
	t.Helper()
	db, err := orderdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	disp := New(db, maxConcurrent, nil)
	return disp, db
}

func waitForOrderStatus(t *testing.T, db orderdb.OrderDatabase, orderID int64, want order.State, timeout time.Duration) *order.Order {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		o, err := db.GetOrder(context.Background(), orderID)
		require.NoError(t, err)
		if o.Status == want {
			return o
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("order %d never reached status %s", orderID, want)
	return nil
}

// Scenario: a service creating a single task sees it run to completion and
// the order close out as completed (spec.md §8 property 8).
func TestOrderDispatcher_SingleTaskCompletes(t *testing.T) {
	disp, db := newTestDispatcher(t, 10)

	wq := workqueue.New("routers", 2, workqueue.NewGoroutineFactory(nil))
	wq.Start()
	defer wq.Shutdown()
	disp.RegisterQueue(wq)

	var ran int32
	svc := &fakeService{checkResult: true, disp: disp}
	svc.enterFn = func(ctx context.Context, d *OrderDispatcher, o *order.Order) (bool, error) {
		task, err := d.CreateTask(ctx, o, "configure", "routers", "configure_device")
		require.NoError(t, err)
		require.NoError(t, order.NewTaskStateMachine(task).Ready())
		return true, nil
	}
	svc.runFn = func(ctx context.Context, funcName string, o *order.Order, tk *order.Task) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}
	disp.RegisterService("configure-fleet", svc)

	o := order.New("configure-fleet", nil)
	disp.PlaceOrder(context.Background(), o, "test-daemon")

	final := waitForOrderStatus(t, db, o.ID, order.StateCompleted, 2*time.Second)
	assert.Equal(t, order.StateCompleted, final.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

// Scenario D (spec.md §8): order with 3 tasks, only 2 complete
// immediately; completed is set only when the third also closes.
func TestOrderDispatcher_WaitsForAllTasks(t *testing.T) {
	disp, db := newTestDispatcher(t, 10)

	wq := workqueue.New("routers", 3, workqueue.NewGoroutineFactory(nil))
	wq.Start()
	defer wq.Shutdown()
	disp.RegisterQueue(wq)

	release := make(chan struct{})
	var completedEarly int32

	svc := &fakeService{checkResult: true, disp: disp}
	svc.enterFn = func(ctx context.Context, d *OrderDispatcher, o *order.Order) (bool, error) {
		for i := 0; i < 3; i++ {
			task, err := d.CreateTask(ctx, o, "task", "routers", "fn")
			require.NoError(t, err)
			require.NoError(t, order.NewTaskStateMachine(task).Ready())
		}
		return true, nil
	}
	var mu sync.Mutex
	doneCount := 0
	svc.runFn = func(ctx context.Context, funcName string, o *order.Order, tk *order.Task) error {
		mu.Lock()
		doneCount++
		n := doneCount
		mu.Unlock()

		if n == 3 {
			<-release
		}
		return nil
	}
	disp.RegisterService("fleet", svc)

	o := order.New("fleet", nil)
	disp.PlaceOrder(context.Background(), o, "test-daemon")

	time.Sleep(100 * time.Millisecond)
	current, err := db.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	if current.Status == order.StateCompleted {
		atomic.AddInt32(&completedEarly, 1)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&completedEarly), "order completed before its third task closed")

	close(release)
	waitForOrderStatus(t, db, o.ID, order.StateCompleted, 2*time.Second)
}

// Scenario E (spec.md §8): service.enter raises -> status sequence
// incoming, accepted, saving, enter-start, enter-exception; order closed.
func TestOrderDispatcher_EnterPanicsClosesOrder(t *testing.T) {
	disp, db := newTestDispatcher(t, 10)

	svc := &fakeService{checkResult: true, disp: disp}
	svc.enterFn = func(ctx context.Context, d *OrderDispatcher, o *order.Order) (bool, error) {
		return false, errors.New("enter exploded")
	}
	disp.RegisterService("fleet", svc)

	o := order.New("fleet", nil)
	disp.PlaceOrder(context.Background(), o, "test-daemon")

	final := waitForOrderStatus(t, db, o.ID, order.StateEnterException, 2*time.Second)
	assert.NotNil(t, final.ClosedAt)
}

func TestOrderDispatcher_ServiceNotFoundRejectsImmediately(t *testing.T) {
	disp, db := newTestDispatcher(t, 10)

	o := order.New("no-such-service", nil)
	disp.PlaceOrder(context.Background(), o, "test-daemon")

	final, err := db.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateServiceNotFound, final.Status)
	assert.NotNil(t, final.ClosedAt)
}

func TestOrderDispatcher_CheckRejectsOrder(t *testing.T) {
	disp, db := newTestDispatcher(t, 10)

	svc := &fakeService{checkResult: false, disp: disp}
	disp.RegisterService("fleet", svc)

	o := order.New("fleet", nil)
	disp.PlaceOrder(context.Background(), o, "test-daemon")

	final, err := db.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateRejected, final.Status)
}

// Scenario F (spec.md §8): restarting with many tasks already in status go
// admits only up to the per-queue cap of them through fillQueue at once.
func TestOrderDispatcher_FillQueueRespectsPerQueueCap(t *testing.T) {
	disp, db := newTestDispatcher(t, 2)
	ctx := context.Background()

	o := order.New("fleet", nil)
	require.NoError(t, db.SaveOrder(ctx, o))

	for i := 0; i < 5; i++ {
		task := order.NewTask(o.ID, "task", "Q", "fn")
		task.Status = order.TaskGo
		require.NoError(t, db.SaveTask(ctx, task))
	}

	var started int32
	block := make(chan struct{})
	wq := workqueue.New("Q", 10, workqueue.NewGoroutineFactory(nil))
	wq.Start()
	defer wq.Shutdown()
	disp.RegisterQueue(wq)

	svc := &fakeService{checkResult: true, disp: disp}
	svc.runFn = func(ctx context.Context, funcName string, o *order.Order, tk *order.Task) error {
		atomic.AddInt32(&started, 1)
		<-block
		return nil
	}
	disp.RegisterService("fleet", svc)

	disp.fillQueue(ctx, "Q")
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&started), "fillQueue should only admit up to the per-queue cap")
	close(block)
}
