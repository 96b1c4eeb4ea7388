package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job metrics (internal/workqueue)
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_enqueued_total",
			Help: "Total number of jobs enqueued onto a work queue",
		},
		[]string{"queue"},
	)

	JobsSucceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_succeeded_total",
			Help: "Total number of jobs whose Fn returned nil",
		},
		[]string{"queue"},
	)

	JobsAborted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_jobs_aborted_total",
			Help: "Total number of jobs that exhausted their retry budget",
		},
		[]string{"queue"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_job_retries_total",
			Help: "Total number of job retry attempts",
		},
		[]string{"queue"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"queue"},
	)

	// Queue metrics
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_length",
			Help: "Current number of jobs pending, running, or force-started in a queue",
		},
		[]string{"queue"},
	)

	QueueRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_running",
			Help: "Current number of jobs being executed by a queue's workers",
		},
		[]string{"queue"},
	)

	// Order metrics (internal/order, internal/dispatcher)
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_orders_placed_total",
			Help: "Total number of orders submitted for a service",
		},
		[]string{"service"},
	)

	OrdersClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_orders_closed_total",
			Help: "Total number of orders that reached a terminal status",
		},
		[]string{"service", "status"},
	)

	OrderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_order_duration_seconds",
			Help:    "Time from order placement to closed_at",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
		},
		[]string{"service"},
	)

	// Task metrics
	TasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_created_total",
			Help: "Total number of tasks created for an order",
		},
		[]string{"queue"},
	)

	TasksClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_tasks_closed_total",
			Help: "Total number of tasks that reached a terminal status",
		},
		[]string{"queue", "status"},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Redis metrics (external event mirror, internal/events.RedisMirror)
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~200ms
		},
		[]string{"operation"},
	)

	RedisErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_redis_errors_total",
			Help: "Total number of Redis errors from the event mirror",
		},
		[]string{"operation"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_websocket_connections",
			Help: "Current number of WebSocket connections",
		},
	)

	WebSocketMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_websocket_messages_total",
			Help: "Total number of WebSocket messages sent",
		},
		[]string{"type"},
	)
)

// RecordJobEnqueued records a job being appended to a queue.
func RecordJobEnqueued(queue string) {
	JobsEnqueued.WithLabelValues(queue).Inc()
}

// RecordJobSucceeded records a job completing without error.
func RecordJobSucceeded(queue string, duration float64) {
	JobsSucceeded.WithLabelValues(queue).Inc()
	JobDuration.WithLabelValues(queue).Observe(duration)
}

// RecordJobAborted records a job exhausting its retry budget.
func RecordJobAborted(queue string) {
	JobsAborted.WithLabelValues(queue).Inc()
}

// RecordJobRetry records a single failed attempt that will be retried.
func RecordJobRetry(queue string) {
	JobRetries.WithLabelValues(queue).Inc()
}

// SetQueueLength sets a queue's current length gauge.
func SetQueueLength(queue string, length float64) {
	QueueLength.WithLabelValues(queue).Set(length)
}

// SetQueueRunning sets a queue's currently-executing job count.
func SetQueueRunning(queue string, running float64) {
	QueueRunning.WithLabelValues(queue).Set(running)
}

// RecordOrderPlaced records an order submission for a service.
func RecordOrderPlaced(service string) {
	OrdersPlaced.WithLabelValues(service).Inc()
}

// RecordOrderClosed records an order reaching a terminal status.
func RecordOrderClosed(service, status string, duration float64) {
	OrdersClosed.WithLabelValues(service, status).Inc()
	OrderDuration.WithLabelValues(service).Observe(duration)
}

// RecordTaskCreated records a task being created for a queue.
func RecordTaskCreated(queue string) {
	TasksCreated.WithLabelValues(queue).Inc()
}

// RecordTaskClosed records a task reaching a terminal status.
func RecordTaskClosed(queue, status string) {
	TasksClosed.WithLabelValues(queue, status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration)
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRedisOperation records a Redis operation performed by the event mirror.
func RecordRedisOperation(operation string, duration float64) {
	RedisOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordRedisError records a Redis error from the event mirror.
func RecordRedisError(operation string) {
	RedisErrors.WithLabelValues(operation).Inc()
}

// SetWebSocketConnections sets the WebSocket connections gauge.
func SetWebSocketConnections(count float64) {
	WebSocketConnections.Set(count)
}

// RecordWebSocketMessage records a WebSocket message broadcast.
func RecordWebSocketMessage(msgType string) {
	WebSocketMessages.WithLabelValues(msgType).Inc()
}
