package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
	"github.com/netops/dispatcherd/internal/workqueue"
)

func init() {
	logger.Init("error", false)
}

type recordingDriver struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (d *recordingDriver) Run(ctx context.Context, device, command string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs = append(d.runs, device+":"+command)
	return d.err
}

func newTestDispatcher(t *testing.T) (*dispatcher.OrderDispatcher, orderdb.OrderDatabase) {
	t.Helper()
	db, err := orderdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	disp := dispatcher.New(db, 10, nil)
	wq := workqueue.New("fleet", 4, workqueue.NewGoroutineFactory(nil))
	disp.RegisterQueue(wq)
	return disp, db
}

func TestFleetConfigPush_Check(t *testing.T) {
	disp, _ := newTestDispatcher(t)
	svc := NewFleetConfigPush(disp, &recordingDriver{}, "fleet")

	ok, err := svc.Check(context.Background(), order.New("fleetconfig", map[string]any{
		"devices": []interface{}{"router-1"},
	}))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Check(context.Background(), order.New("fleetconfig", map[string]any{}))
	require.Error(t, err)
	assert.False(t, ok)
}

func TestFleetConfigPush_EndToEnd(t *testing.T) {
	disp, db := newTestDispatcher(t)
	driver := &recordingDriver{}
	svc := NewFleetConfigPush(disp, driver, "fleet")
	disp.RegisterService("fleetconfig", svc)

	o := order.New("fleetconfig", map[string]any{
		"devices":  []interface{}{"router-1", "router-2"},
		"commands": []interface{}{"show version"},
	})

	disp.PlaceOrder(context.Background(), o, "test")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current, err := db.GetOrder(context.Background(), o.ID)
		require.NoError(t, err)
		if current.Status == order.StateCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	final, err := db.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StateCompleted, final.Status)

	driver.mu.Lock()
	defer driver.mu.Unlock()
	assert.ElementsMatch(t, []string{
		"router-1:show version",
		"router-2:show version",
	}, driver.runs)
}

func TestFleetConfigPush_RunFunctionPropagatesDriverError(t *testing.T) {
	disp, _ := newTestDispatcher(t)
	driver := &recordingDriver{err: fmt.Errorf("connection refused")}
	svc := NewFleetConfigPush(disp, driver, "fleet")

	o := order.New("fleetconfig", map[string]any{
		"commands": []interface{}{"show version"},
	})
	task := order.NewTask(1, "router-1", "fleet", "router-1")

	err := svc.RunFunction(context.Background(), "router-1", o, task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
