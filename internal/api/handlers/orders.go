package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
)

// OrderHandler handles order-related HTTP requests (SPEC_FULL.md §6.1).
// Create never calls the dispatcher directly: it fires the daemon's
// incoming-order bus, the same order_incoming_event indirection spec.md §6
// requires of every Daemon, and which dispatcher.OrderDispatcher.BindDaemon
// subscribes PlaceOrder to.
type OrderHandler struct {
	db       orderdb.OrderDatabase
	incoming *events.Bus[*order.Order]
}

// NewOrderHandler creates a new order handler. incoming is the bus the
// owning Daemon was bound to the dispatcher with via BindDaemon.
func NewOrderHandler(db orderdb.OrderDatabase, incoming *events.Bus[*order.Order]) *OrderHandler {
	return &OrderHandler{db: db, incoming: incoming}
}

// CreateOrderRequest is the body of POST /api/v1/orders.
type CreateOrderRequest struct {
	ServiceName string                 `json:"service_name"`
	Descriptor  map[string]interface{} `json:"descriptor"`
}

// Create handles POST /api/v1/orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ServiceName == "" {
		h.respondError(w, http.StatusBadRequest, "service_name is required")
		return
	}

	o := order.New(req.ServiceName, req.Descriptor)

	// Firing order_incoming_event runs the bound PlaceOrder synchronously
	// (events.Bus.Fire calls every listener on the firing goroutine), so
	// the order's status already reflects the admission decision (check,
	// accept/reject) by the time Fire returns, even though entry itself is
	// spawned asynchronously from inside PlaceOrder.
	h.incoming.Fire(o)

	logger.Info().
		Int64("order_id", o.ID).
		Str("service_name", o.ServiceName).
		Str("status", o.Status.String()).
		Msg("order placed")

	h.respondJSON(w, http.StatusAccepted, o.ToResponse())
}

// Get handles GET /api/v1/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	o, err := h.db.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, orderdb.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "order not found")
			return
		}
		logger.Error().Err(err).Int64("order_id", id).Msg("failed to get order")
		h.respondError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	h.respondJSON(w, http.StatusOK, o.ToResponse())
}

// ListTasksResponse is the response for GET /api/v1/orders/{id}/tasks
type ListTasksResponse struct {
	Tasks []*order.TaskResponse `json:"tasks"`
}

// ListTasks handles GET /api/v1/orders/{id}/tasks
func (h *OrderHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	if _, err := h.db.GetOrder(r.Context(), id); err != nil {
		if errors.Is(err, orderdb.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "order not found")
			return
		}
		logger.Error().Err(err).Int64("order_id", id).Msg("failed to get order")
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	tasks, err := h.db.TasksForOrder(r.Context(), id)
	if err != nil {
		logger.Error().Err(err).Int64("order_id", id).Msg("failed to list tasks")
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	responses := make([]*order.TaskResponse, len(tasks))
	for i, t := range tasks {
		responses[i] = t.ToResponse()
	}

	h.respondJSON(w, http.StatusOK, ListTasksResponse{Tasks: responses})
}

func (h *OrderHandler) parseOrderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idParam := chi.URLParam(r, "orderID")
	if idParam == "" {
		h.respondError(w, http.StatusBadRequest, "order ID is required")
		return 0, false
	}

	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "order ID must be an integer")
		return 0, false
	}

	return id, true
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *OrderHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *OrderHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}
