package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of lifecycle notification mirrored to external
// observers over Redis pub/sub and the WebSocket hub.
type Type string

const (
	// Order events
	OrderIncoming  Type = "order.incoming"
	OrderAccepted  Type = "order.accepted"
	OrderEntered   Type = "order.entered"
	OrderCompleted Type = "order.completed"
	OrderClosed    Type = "order.closed"

	// Task events
	TaskQueued     Type = "task.queued"
	TaskInProgress Type = "task.in_progress"
	TaskCompleted  Type = "task.completed"
	TaskFailed     Type = "task.failed"

	// Queue events
	QueueEmpty Type = "queue.empty"
)

// Notification is a serialized lifecycle event, published on the external
// Redis channel and re-broadcast to WebSocket subscribers verbatim.
type Notification struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewNotification builds a Notification stamped with the current time.
func NewNotification(t Type, data map[string]interface{}) *Notification {
	return &Notification{Type: t, Timestamp: time.Now().UTC(), Data: data}
}

// ToJSON serializes the notification.
func (n *Notification) ToJSON() ([]byte, error) {
	return json.Marshal(n)
}

// NotificationFromJSON deserializes a notification.
func NotificationFromJSON(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// OrderEventData builds the data payload for an order lifecycle event.
func OrderEventData(orderID int64, serviceName, status string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"order_id":     orderID,
		"service_name": serviceName,
		"status":       status,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// TaskEventData builds the data payload for a task lifecycle event.
func TaskEventData(taskID, orderID int64, queueName, status string) map[string]interface{} {
	return map[string]interface{}{
		"task_id":    taskID,
		"order_id":   orderID,
		"queue_name": queueName,
		"status":     status,
	}
}
