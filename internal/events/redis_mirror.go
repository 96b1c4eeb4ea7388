package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/netops/dispatcherd/internal/logger"
)

const channelPrefix = "dispatcher:events:"

// RedisMirror republishes in-process lifecycle notifications to Redis
// pub/sub, so the API server's WebSocket hub (and any other process) can
// observe order/task transitions without taking the dispatcher's lock.
// This is the external copy described in SPEC_FULL.md §1.2; it is not the
// synchronous Bus used for in-process control flow.
type RedisMirror struct {
	client      *redis.Client
	subscribers map[string]*redis.PubSub
	mu          sync.RWMutex
}

// NewRedisMirror creates a mirror backed by an existing Redis client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{
		client:      client,
		subscribers: make(map[string]*redis.PubSub),
	}
}

// Publish publishes a notification to its type's channel.
func (r *RedisMirror) Publish(ctx context.Context, n *Notification) error {
	channel := r.channelName(n.Type)
	data, err := n.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize notification: %w", err)
	}

	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	logger.Debug().
		Str("event_type", string(n.Type)).
		Str("channel", channel).
		Msg("notification published")

	return nil
}

// SubscribeAll subscribes to every notification channel this mirror uses.
func (r *RedisMirror) SubscribeAll(ctx context.Context) (<-chan *Notification, error) {
	pattern := channelPrefix + "*"
	pubsub := r.client.PSubscribe(ctx, pattern)

	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	notifCh := make(chan *Notification, 100)

	go func() {
		defer close(notifCh)
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				n, err := NotificationFromJSON([]byte(msg.Payload))
				if err != nil {
					logger.Error().Err(err).Msg("failed to parse notification")
					continue
				}

				select {
				case notifCh <- n:
				default:
					logger.Warn().
						Str("event_type", string(n.Type)).
						Msg("notification channel full, dropping event")
				}
			}
		}
	}()

	return notifCh, nil
}

// Close closes all subscriptions held by this mirror.
func (r *RedisMirror) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, pubsub := range r.subscribers {
		pubsub.Close()
	}
	r.subscribers = make(map[string]*redis.PubSub)

	return nil
}

func (r *RedisMirror) channelName(t Type) string {
	return channelPrefix + string(t)
}

// PublishOrderEvent is a helper for order lifecycle notifications.
func (r *RedisMirror) PublishOrderEvent(ctx context.Context, t Type, orderID int64, serviceName, status string, extra map[string]interface{}) error {
	return r.Publish(ctx, NewNotification(t, OrderEventData(orderID, serviceName, status, extra)))
}

// PublishTaskEvent is a helper for task lifecycle notifications.
func (r *RedisMirror) PublishTaskEvent(ctx context.Context, t Type, taskID, orderID int64, queueName, status string) error {
	return r.Publish(ctx, NewNotification(t, TaskEventData(taskID, orderID, queueName, status)))
}
