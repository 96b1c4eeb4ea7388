package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// CreateOrderRequest is the body of PlaceOrder, mirroring
// handlers.CreateOrderRequest.
type CreateOrderRequest struct {
	ServiceName string                 `json:"service_name"`
	Descriptor  map[string]interface{} `json:"descriptor"`
}

// OrderResponse mirrors order.OrderResponse.
type OrderResponse struct {
	ID          int64   `json:"id"`
	ServiceName string  `json:"service_name"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	ClosedAt    *string `json:"closed_at,omitempty"`
}

// TaskResponse mirrors order.TaskResponse.
type TaskResponse struct {
	ID        int64   `json:"id"`
	OrderID   int64   `json:"order_id"`
	Name      string  `json:"name"`
	QueueName string  `json:"queue_name"`
	FuncName  string  `json:"func_name"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	ClosedAt  *string `json:"closed_at,omitempty"`
}

// ListTasksResponse mirrors handlers.ListTasksResponse.
type ListTasksResponse struct {
	Tasks []*TaskResponse `json:"tasks"`
}

// QueueStat mirrors dispatcher.QueueStat.
type QueueStat struct {
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// QueuesResponse mirrors the body of GET /admin/queues.
type QueuesResponse struct {
	Queues []QueueStat `json:"queues"`
	Count  int         `json:"count"`
}

// ErrorResponse mirrors handlers.ErrorResponse.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// DispatcherClient is a thin HTTP client for the order dispatcher's REST
// surface (SPEC_FULL.md §6.1), plus an optional WebSocket event stream.
type DispatcherClient struct {
	baseURL string
	http    *http.Client
	opts    *options
	ws      *WebSocketClient
}

// New creates a new DispatcherClient targeting baseURL (e.g.
// "http://localhost:8080").
func New(baseURL string, opts ...Option) (*DispatcherClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &DispatcherClient{
		baseURL: baseURL,
		http:    o.httpClient,
		opts:    o,
	}, nil
}

// PlaceOrder submits a new order via POST /api/v1/orders.
func (c *DispatcherClient) PlaceOrder(ctx context.Context, req CreateOrderRequest) (*OrderResponse, error) {
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", req, http.StatusAccepted, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrder retrieves an order's current status via GET /api/v1/orders/{id}.
func (c *DispatcherClient) GetOrder(ctx context.Context, orderID int64) (*OrderResponse, error) {
	path := "/api/v1/orders/" + strconv.FormatInt(orderID, 10)
	var resp OrderResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTasks retrieves an order's tasks via GET /api/v1/orders/{id}/tasks.
func (c *DispatcherClient) ListTasks(ctx context.Context, orderID int64) ([]*TaskResponse, error) {
	path := "/api/v1/orders/" + strconv.FormatInt(orderID, 10) + "/tasks"
	var resp ListTasksResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// GetQueues retrieves per-queue length via GET /admin/queues.
func (c *DispatcherClient) GetQueues(ctx context.Context) (*QueuesResponse, error) {
	var resp QueuesResponse
	if err := c.do(ctx, http.MethodGet, "/admin/queues", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckHealth calls GET /admin/health.
func (c *DispatcherClient) CheckHealth(ctx context.Context) (map[string]interface{}, error) {
	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/admin/health", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// do performs a single JSON HTTP round trip, applying configured headers
// and decoding the response into out on a matching status code, or into an
// ErrorResponse-derived error otherwise.
func (c *DispatcherClient) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.opts.applyHeaders()(ctx, req); err != nil {
		return fmt.Errorf("client: apply headers: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var errResp ErrorResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&errResp); decodeErr == nil && errResp.Message != "" {
			return fmt.Errorf("client: %s %s: %s: %s", method, path, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("client: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}

// ConnectWebSocket establishes a WebSocket connection for real-time order
// and task events.
func (c *DispatcherClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.IsConnected() {
		return nil
	}
	c.ws = newWebSocketClient(c.baseURL, c.opts.apiKey)
	return c.ws.Connect(ctx)
}

// Events returns a channel that receives WebSocket events. Must call
// ConnectWebSocket first.
func (c *DispatcherClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.Events()
}

// CloseWebSocket closes the WebSocket connection.
func (c *DispatcherClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// SubscribeEvents subscribes to specific event types.
func (c *DispatcherClient) SubscribeEvents(eventTypes ...EventType) error {
	if c.ws == nil {
		return fmt.Errorf("websocket not connected")
	}
	return c.ws.Subscribe(eventTypes...)
}
