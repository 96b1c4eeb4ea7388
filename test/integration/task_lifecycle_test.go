//go:build integration
// +build integration

package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netops/dispatcherd/internal/api"
	"github.com/netops/dispatcherd/internal/config"
	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
	"github.com/netops/dispatcherd/internal/service"
	"github.com/netops/dispatcherd/internal/workqueue"
	"github.com/netops/dispatcherd/pkg/client"
)

type fakeDaemon struct{}

func (fakeDaemon) Name() string { return "httpd" }

func init() {
	logger.Init("error", false)
}

// setupTestServer wires a real OrderDispatcher, an in-memory sqlite
// database and the fleetconfig service behind an httptest.Server, the same
// end-to-end shape cmd/dispatcherd assembles in production minus Redis: the
// WebSocket hub's mirror is left nil here, so only /api/v1 and /admin are
// exercised.
func setupTestServer(t *testing.T) (*httptest.Server, *client.DispatcherClient) {
	t.Helper()

	db, err := orderdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	disp := dispatcher.New(db, 10, nil)
	wq := workqueue.New("fleet", 4, workqueue.NewGoroutineFactory(nil))
	disp.RegisterQueue(wq)
	disp.RegisterService("fleetconfig", service.NewFleetConfigPush(disp, service.DummyDriver{}, "fleet"))

	cfg := &config.Config{
		Server:  config.ServerConfig{RateLimitRPS: 0},
		Metrics: config.MetricsConfig{Enabled: false},
		Auth:    config.AuthConfig{Enabled: false},
	}

	incoming := events.New[*order.Order]()
	disp.BindDaemon(fakeDaemon{}, incoming)

	srv := api.NewServer(cfg, disp, db, nil, incoming)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	c, err := client.New(ts.URL)
	require.NoError(t, err)

	return ts, c
}

func TestOrderLifecycle_PlaceAndComplete(t *testing.T) {
	_, c := setupTestServer(t)
	ctx := context.Background()

	placed, err := c.PlaceOrder(ctx, client.CreateOrderRequest{
		ServiceName: "fleetconfig",
		Descriptor: map[string]interface{}{
			"devices":  []interface{}{"router-1", "router-2", "router-3"},
			"commands": []interface{}{"show version", "show running-config"},
		},
	})
	require.NoError(t, err)
	assert.NotZero(t, placed.ID)

	var final *client.OrderResponse
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		final, err = c.GetOrder(ctx, placed.ID)
		require.NoError(t, err)
		if final.Status == order.StateCompleted.String() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, order.StateCompleted.String(), final.Status)

	tasks, err := c.ListTasks(ctx, placed.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, tk := range tasks {
		assert.Equal(t, order.TaskCompleted.String(), tk.Status)
	}
}

func TestOrderLifecycle_RejectedByMissingService(t *testing.T) {
	_, c := setupTestServer(t)
	ctx := context.Background()

	placed, err := c.PlaceOrder(ctx, client.CreateOrderRequest{
		ServiceName: "no-such-service",
		Descriptor:  map[string]interface{}{},
	})
	require.NoError(t, err)

	var final *client.OrderResponse
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		final, err = c.GetOrder(ctx, placed.ID)
		require.NoError(t, err)
		if final.Status != order.StateIncoming.String() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, order.StateServiceNotFound.String(), final.Status)
}

func TestOrderLifecycle_AdminQueueStats(t *testing.T) {
	_, c := setupTestServer(t)
	ctx := context.Background()

	_, err := c.PlaceOrder(ctx, client.CreateOrderRequest{
		ServiceName: "fleetconfig",
		Descriptor: map[string]interface{}{
			"devices": []interface{}{"router-1"},
		},
	})
	require.NoError(t, err)

	stats, err := c.GetQueues(ctx)
	require.NoError(t, err)
	found := false
	for _, q := range stats.Queues {
		if q.Name == "fleet" {
			found = true
		}
	}
	assert.True(t, found)
}
