package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/orderdb"
	"github.com/netops/dispatcherd/internal/workqueue"
)

func newTestAdminHandler(t *testing.T) *AdminHandler {
	t.Helper()
	db, err := orderdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	disp := dispatcher.New(db, 10, nil)
	return NewAdminHandler(disp)
}

func TestAdminHandler_respondJSON(t *testing.T) {
	h := &AdminHandler{}

	w := httptest.NewRecorder()
	data := map[string]string{"status": "ok"}

	h.respondJSON(w, http.StatusOK, data)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "ok", response["status"])
}

func TestAdminHandler_GetQueues_Empty(t *testing.T) {
	h := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	w := httptest.NewRecorder()

	h.GetQueues(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(0), response["count"])
}

func TestAdminHandler_GetQueues_ReportsRegisteredQueues(t *testing.T) {
	db, err := orderdb.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	disp := dispatcher.New(db, 10, nil)
	wq := workqueue.New("routers", 2, workqueue.NewGoroutineFactory(nil))
	disp.RegisterQueue(wq)

	h := NewAdminHandler(disp)

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	w := httptest.NewRecorder()

	h.GetQueues(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(1), response["count"])
}

func TestAdminHandler_HealthCheck(t *testing.T) {
	h := &AdminHandler{}

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()

	h.HealthCheck(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
}
