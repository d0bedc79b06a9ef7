package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/redis/go-redis/v9"

	domain "github.com/takeout-platform/api/internal/domain"
)

// RedisRelay shares notifications between API instances. Broadcast publishes to a Redis channel and Run
// feeds every message received on that channel into the local hub, so terminals connected to any
// instance see every notification.
type RedisRelay struct {
	client    redis.UniversalClient
	channel   string
	hub       *Hub
	logger    func(context.Context, string, map[string]any)
	backoff   gax.Backoff
	subscribe func(ctx context.Context) (<-chan *redis.Message, func() error, error)
}

var _ Broadcaster = (*RedisRelay)(nil)

// NewRedisRelay wires the relay.
func NewRedisRelay(client redis.UniversalClient, channel string, hub *Hub, logger func(ctx context.Context, event string, fields map[string]any)) (*RedisRelay, error) {
	if client == nil {
		return nil, errors.New("realtime: redis client is required")
	}
	if hub == nil {
		return nil, errors.New("realtime: hub is required")
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return nil, errors.New("realtime: redis channel is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	relay := &RedisRelay{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  logger,
		backoff: gax.Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2},
	}
	relay.subscribe = relay.subscribeRedis
	return relay, nil
}

// Broadcast publishes the notification. When Redis rejects the publish the notification is still
// delivered to local subscribers and the error is returned.
func (r *RedisRelay) Broadcast(ctx context.Context, notification domain.OrderNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("realtime: encode notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.hub.Deliver(ctx, payload)
		return fmt.Errorf("realtime: publish to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the channel and blocks until ctx is cancelled. A failed or dropped subscription is
// retried with backoff.
func (r *RedisRelay) Run(ctx context.Context) error {
	backoff := r.backoff
	for {
		messages, closeSub, err := r.subscribe(ctx)
		if err == nil {
			backoff = r.backoff
			r.logger(ctx, "notifications.relay.subscribed", map[string]any{"channel": r.channel})
			err = r.pump(ctx, messages)
			_ = closeSub()
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := backoff.Pause()
		r.logger(ctx, "notifications.relay.retry", map[string]any{
			"channel": r.channel,
			"error":   err.Error(),
			"retryIn": delay.String(),
		})
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *RedisRelay) subscribeRedis(ctx context.Context) (<-chan *redis.Message, func() error, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("realtime: subscribe to %s: %w", r.channel, err)
	}
	return sub.Channel(), sub.Close, nil
}

func (r *RedisRelay) pump(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("realtime: subscription to %s closed", r.channel)
			}
			if msg == nil || msg.Payload == "" {
				continue
			}
			r.hub.Deliver(ctx, []byte(msg.Payload))
		}
	}
}
