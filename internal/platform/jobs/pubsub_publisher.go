package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/takeout-platform/api/internal/services"
)

// PubSubRefundRetryPublisher queues refunds that failed inline for the retry worker.
type PubSubRefundRetryPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.RefundRetryPublisher = (*PubSubRefundRetryPublisher)(nil)

// NewPubSubRefundRetryPublisher constructs a Pub/Sub backed refund retry publisher.
func NewPubSubRefundRetryPublisher(topic *pubsub.Topic) (*PubSubRefundRetryPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub refund retry publisher: topic is required")
	}
	return &PubSubRefundRetryPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRefundRetry enqueues the retry message and waits for the server ack.
func (p *PubSubRefundRetryPublisher) PublishRefundRetry(ctx context.Context, msg services.RefundRetryMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub refund retry publisher: not initialised")
	}

	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal refund retry: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderNumber", msg.OrderNumber)
	setAttr(attrs, "attempt", strconv.Itoa(msg.Attempt))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish refund retry: %w", err)
	}
	return nil
}

// orderEventPayload is the wire form of services.OrderEvent.
type orderEventPayload struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	OrderID        int64     `json:"orderId"`
	OrderNumber    string    `json:"orderNumber"`
	UserID         string    `json:"userId"`
	PreviousStatus string    `json:"previousStatus,omitempty"`
	CurrentStatus  string    `json:"currentStatus"`
	PayStatus      string    `json:"payStatus"`
	ActorID        string    `json:"actorId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func orderEventToPayload(event services.OrderEvent) orderEventPayload {
	payload := orderEventPayload{
		ID:            event.ID,
		Type:          event.Type,
		OrderID:       event.OrderID,
		OrderNumber:   event.OrderNumber,
		UserID:        event.UserID,
		CurrentStatus: event.CurrentStatus.String(),
		PayStatus:     event.PayStatus.String(),
		ActorID:       event.ActorID,
		Reason:        event.Reason,
		OccurredAt:    event.OccurredAt.UTC(),
	}
	if event.PreviousStatus.Valid() {
		payload.PreviousStatus = event.PreviousStatus.String()
	}
	return payload
}

// PubSubOrderEventPublisher publishes order lifecycle events for downstream consumers. Messages carry
// the order number as ordering key so consumers see one order's events in sequence.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs the event publisher. Message ordering is enabled on topic.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent publishes one event. A failed publish resumes ordering for the key so later events
// are not blocked.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(orderEventToPayload(event))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "eventId", event.ID)
	setAttr(attrs, "orderNumber", event.OrderNumber)

	orderingKey := strings.TrimSpace(event.OrderNumber)
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: orderingKey,
	})
	if _, err := result.Get(ctx); err != nil {
		if orderingKey != "" {
			p.topic.ResumePublish(orderingKey)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
