package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/takeout-platform/api/internal/services"
)

const defaultMaxRefundAttempts = 10

// RefundRetrier re-requests a queued refund.
type RefundRetrier interface {
	RetryRefund(ctx context.Context, msg services.RefundRetryMessage) error
}

// RefundRetryWorkerOption customises the worker.
type RefundRetryWorkerOption func(*RefundRetryWorker)

// WithMaxRefundAttempts caps redeliveries before a message is acknowledged and logged as abandoned.
// The cap only applies when the subscription has a dead letter policy, since Pub/Sub reports delivery
// attempts only then.
func WithMaxRefundAttempts(max int) RefundRetryWorkerOption {
	return func(w *RefundRetryWorker) {
		if max > 0 {
			w.maxAttempts = max
		}
	}
}

// WithRefundRetryLogger routes worker events to the structured logger.
func WithRefundRetryLogger(logger func(ctx context.Context, event string, fields map[string]any)) RefundRetryWorkerOption {
	return func(w *RefundRetryWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// RefundRetryWorker consumes the refund retry subscription. A failed retry is nacked so Pub/Sub
// redelivers it with backoff; malformed messages are acknowledged and dropped.
type RefundRetryWorker struct {
	subscription *pubsub.Subscription
	retrier      RefundRetrier
	maxAttempts  int
	logger       func(context.Context, string, map[string]any)
}

// NewRefundRetryWorker wires the worker.
func NewRefundRetryWorker(subscription *pubsub.Subscription, retrier RefundRetrier, opts ...RefundRetryWorkerOption) (*RefundRetryWorker, error) {
	if subscription == nil {
		return nil, errors.New("refund retry worker: subscription is required")
	}
	if retrier == nil {
		return nil, errors.New("refund retry worker: retrier is required")
	}
	w := &RefundRetryWorker{
		subscription: subscription,
		retrier:      retrier,
		maxAttempts:  defaultMaxRefundAttempts,
		logger:       func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

// Run blocks until ctx is cancelled or the subscription fails.
func (w *RefundRetryWorker) Run(ctx context.Context) error {
	err := w.subscription.Receive(ctx, w.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("refund retry worker: receive: %w", err)
	}
	return nil
}

func (w *RefundRetryWorker) handle(ctx context.Context, m *pubsub.Message) {
	var msg services.RefundRetryMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil || msg.OrderNumber == "" {
		w.logger(ctx, "refund.retry.malformed", map[string]any{"messageId": m.ID})
		m.Ack()
		return
	}
	if m.DeliveryAttempt != nil {
		msg.Attempt = *m.DeliveryAttempt
	}

	err := w.retrier.RetryRefund(ctx, msg)
	switch {
	case err == nil:
		w.logger(ctx, "refund.retry.succeeded", map[string]any{
			"orderId":     msg.OrderID,
			"orderNumber": msg.OrderNumber,
			"attempt":     msg.Attempt,
		})
		m.Ack()
	case errors.Is(err, services.ErrOrderInvalidInput):
		w.logger(ctx, "refund.retry.rejected", map[string]any{
			"orderNumber": msg.OrderNumber,
			"error":       err.Error(),
		})
		m.Ack()
	case m.DeliveryAttempt != nil && *m.DeliveryAttempt >= w.maxAttempts:
		w.logger(ctx, "refund.retry.failed", map[string]any{
			"orderNumber": msg.OrderNumber,
			"attempt":     msg.Attempt,
			"abandoned":   true,
			"error":       err.Error(),
		})
		m.Ack()
	default:
		w.logger(ctx, "refund.retry.failed", map[string]any{
			"orderNumber": msg.OrderNumber,
			"attempt":     msg.Attempt,
			"error":       err.Error(),
		})
		m.Nack()
	}
}
