package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/platform/textutil"
	"github.com/takeout-platform/api/internal/repositories"
)

const (
	orderEventSubmitted  = "order.submitted"
	orderEventPaid       = "order.paid"
	orderEventConfirmed  = "order.confirmed"
	orderEventRejected   = "order.rejected"
	orderEventCancelled  = "order.cancelled"
	orderEventDispatched = "order.dispatched"
	orderEventCompleted  = "order.completed"

	orderEventIDPrefix = "evt_"

	maxReasonLength = 255

	// UserCancelReason is recorded when a customer cancels their own order.
	UserCancelReason = "user cancelled"
	// UnpaidTimeoutReason is recorded when the reconciler cancels an order nobody paid for.
	UnpaidTimeoutReason = "timeout, not paid"
	// OrphanChargeReason is sent with refunds of charges that arrived after cancellation.
	OrphanChargeReason = "payment received after cancellation"
)

var (
	cancellableStatuses     = []OrderStatus{domain.OrderStatusPendingPayment, domain.OrderStatusToBeConfirmed, domain.OrderStatusConfirmed}
	userCancellableStatuses = []OrderStatus{domain.OrderStatusPendingPayment, domain.OrderStatusToBeConfirmed}
)

var errPaymentGatewayUnavailable = errors.New("order: payment gateway not configured")

// OrderLifecycleDeps bundles collaborators required by the state machine.
type OrderLifecycleDeps struct {
	Orders        repositories.OrderRepository
	UnitOfWork    repositories.UnitOfWork
	Payments      PaymentGateway
	Notifier      OrderNotifier
	RefundRetries RefundRetryPublisher
	Events        OrderEventPublisher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

// OrderLifecycle validates and applies order status transitions. Every transition loads the row inside a
// transaction, checks the precondition against what it loaded and writes with a conditional update, so
// concurrent actors resolve to exactly one winner.
type OrderLifecycle struct {
	orders        repositories.OrderRepository
	unitOfWork    repositories.UnitOfWork
	payments      PaymentGateway
	notifier      OrderNotifier
	refundRetries RefundRetryPublisher
	events        OrderEventPublisher
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

// NewOrderLifecycle wires the state machine.
func NewOrderLifecycle(deps OrderLifecycleDeps) (*OrderLifecycle, error) {
	if deps.Orders == nil {
		return nil, errors.New("order lifecycle: order repository is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &OrderLifecycle{
		orders:        deps.Orders,
		unitOfWork:    unit,
		payments:      deps.Payments,
		notifier:      deps.Notifier,
		refundRetries: deps.RefundRetries,
		events:        deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// ConfirmPayment moves an unpaid order to ToBeConfirmed and marks it paid. Recovery callers get the
// current order back when it is already paid; user callers get ErrOrderAlreadyPaid. Only the caller whose
// update wins emits the new-order notification.
func (l *OrderLifecycle) ConfirmPayment(ctx context.Context, number string, source PaymentSource) (Order, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return Order{}, invalidInput("order number is required")
	}

	var (
		previous Order
		updated  Order
		won      bool
	)
	now := l.now()

	err := l.runInTx(ctx, func(txCtx context.Context) error {
		current, err := l.orders.FindByNumber(txCtx, number)
		if err != nil {
			return mapOrderRepositoryError("orders.find_by_number", err)
		}
		if current.PayStatus != domain.PayStatusUnpaid {
			if source == PaymentSourceRecovery {
				updated = current
				return nil
			}
			return fmt.Errorf("%w: order %s", ErrOrderAlreadyPaid, number)
		}
		if current.Status != domain.OrderStatusPendingPayment {
			return &InvalidStateTransitionError{
				OrderID:  current.ID,
				Current:  current.Status,
				Expected: []OrderStatus{domain.OrderStatusPendingPayment},
			}
		}

		paid := domain.PayStatusPaid
		unpaid := domain.PayStatusUnpaid
		updated, err = l.orders.Transition(txCtx, current.ID, repositories.OrderTransition{
			From:            []OrderStatus{domain.OrderStatusPendingPayment},
			ExpectPayStatus: &unpaid,
			To:              domain.OrderStatusToBeConfirmed,
			PayStatus:       &paid,
			CheckoutTime:    &now,
		})
		if err != nil {
			var mismatch *repositories.StatusMismatchError
			if errors.As(err, &mismatch) && mismatch.CurrentPayStatus != domain.PayStatusUnpaid {
				if source == PaymentSourceRecovery {
					updated = current
					updated.Status = mismatch.CurrentStatus
					updated.PayStatus = mismatch.CurrentPayStatus
					return nil
				}
				return fmt.Errorf("%w: order %s", ErrOrderAlreadyPaid, number)
			}
			return l.transitionError(current.ID, []OrderStatus{domain.OrderStatusPendingPayment}, err)
		}
		previous = current
		won = true
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if !won {
		return updated, nil
	}

	l.logger(ctx, "order.payment.confirmed", map[string]any{
		"orderId": updated.ID,
		"number":  updated.Number,
		"source":  source.String(),
	})
	l.notify(ctx, domain.NotificationNewOrder, updated)
	l.publishEvent(ctx, orderEventPaid, previous, updated, "", "")
	return updated, nil
}

// Confirm accepts a paid order on behalf of the merchant.
func (l *OrderLifecycle) Confirm(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return l.apply(ctx, cmd.OrderID, transitionPlan{
		event:   orderEventConfirmed,
		from:    []OrderStatus{domain.OrderStatusToBeConfirmed},
		actorID: cmd.ActorID,
		build: func(Order, time.Time) repositories.OrderTransition {
			return repositories.OrderTransition{To: domain.OrderStatusConfirmed}
		},
	})
}

// Reject cancels an order the merchant will not fulfil. A paid order is refunded before the commit; the
// payment status is left as is.
func (l *OrderLifecycle) Reject(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	reason := textutil.CleanText(cmd.Reason, maxReasonLength)
	if reason == "" {
		return Order{}, invalidInput("rejection reason is required")
	}
	return l.apply(ctx, cmd.OrderID, transitionPlan{
		event:   orderEventRejected,
		from:    []OrderStatus{domain.OrderStatusToBeConfirmed},
		actorID: cmd.ActorID,
		reason:  reason,
		refund:  true,
		build: func(_ Order, now time.Time) repositories.OrderTransition {
			return repositories.OrderTransition{
				To:              domain.OrderStatusCancelled,
				CancelTime:      &now,
				RejectionReason: &reason,
			}
		},
	})
}

// Cancel cancels an order that has not left the kitchen. A paid order is refunded and marked Refunded.
func (l *OrderLifecycle) Cancel(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return l.cancel(ctx, cmd.OrderID, textutil.CleanText(cmd.Reason, maxReasonLength), cmd.ActorID, "", cancellableStatuses)
}

// CancelByUser lets a customer cancel their own order while the merchant has not confirmed it yet.
func (l *OrderLifecycle) CancelByUser(ctx context.Context, userID string, orderID int64) (Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Order{}, invalidInput("user id is required")
	}
	return l.cancel(ctx, orderID, UserCancelReason, userID, userID, userCancellableStatuses)
}

func (l *OrderLifecycle) cancel(ctx context.Context, orderID int64, reason, actorID, ownerID string, from []OrderStatus) (Order, error) {
	if reason == "" {
		return Order{}, invalidInput("cancel reason is required")
	}
	return l.apply(ctx, orderID, transitionPlan{
		event:   orderEventCancelled,
		from:    from,
		ownerID: ownerID,
		actorID: actorID,
		reason:  reason,
		refund:  true,
		build: func(current Order, now time.Time) repositories.OrderTransition {
			transition := repositories.OrderTransition{
				To:           domain.OrderStatusCancelled,
				CancelTime:   &now,
				CancelReason: &reason,
			}
			if current.PayStatus == domain.PayStatusPaid {
				refunded := domain.PayStatusRefunded
				transition.PayStatus = &refunded
			}
			return transition
		},
	})
}

// Dispatch hands a confirmed order to delivery.
func (l *OrderLifecycle) Dispatch(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return l.apply(ctx, cmd.OrderID, transitionPlan{
		event:   orderEventDispatched,
		from:    []OrderStatus{domain.OrderStatusConfirmed},
		actorID: cmd.ActorID,
		build: func(Order, time.Time) repositories.OrderTransition {
			return repositories.OrderTransition{To: domain.OrderStatusDeliveryInProgress}
		},
	})
}

// Complete marks a delivered order.
func (l *OrderLifecycle) Complete(ctx context.Context, cmd OrderActionCommand) (Order, error) {
	return l.apply(ctx, cmd.OrderID, transitionPlan{
		event:   orderEventCompleted,
		from:    []OrderStatus{domain.OrderStatusDeliveryInProgress},
		actorID: cmd.ActorID,
		build: func(_ Order, now time.Time) repositories.OrderTransition {
			return repositories.OrderTransition{
				To:           domain.OrderStatusCompleted,
				DeliveryTime: &now,
			}
		},
	})
}

// RetryRefund re-requests a refund queued after an earlier failure. The order number keeps the gateway
// call idempotent, so duplicate deliveries are harmless.
func (l *OrderLifecycle) RetryRefund(ctx context.Context, msg RefundRetryMessage) error {
	if strings.TrimSpace(msg.OrderNumber) == "" {
		return invalidInput("refund retry requires an order number")
	}
	if l.payments == nil {
		return &DependencyFailure{Op: "payments.refund", Err: errPaymentGatewayUnavailable}
	}
	_, err := l.payments.Refund(ctx, RefundRequest{
		OrderNumber: msg.OrderNumber,
		PaymentRef:  msg.PaymentRef,
		Amount:      msg.Amount,
		Reason:      msg.Reason,
	})
	if err != nil {
		l.logger(ctx, "order.refund.retry_failed", map[string]any{
			"orderId": msg.OrderID,
			"number":  msg.OrderNumber,
			"attempt": msg.Attempt,
			"error":   err.Error(),
		})
		return &DependencyFailure{Op: "payments.refund", Err: err}
	}
	l.logger(ctx, "order.refund.retried", map[string]any{
		"orderId": msg.OrderID,
		"number":  msg.OrderNumber,
		"attempt": msg.Attempt,
	})
	return nil
}

// refundCharge returns money for an order outside of any transition. A failure is queued for retry and
// reported as *PartialRefundFailure.
func (l *OrderLifecycle) refundCharge(ctx context.Context, order Order, reason string) error {
	if err := l.requestRefund(ctx, order, reason); err != nil {
		return l.queueRefundRetry(ctx, order, reason, err)
	}
	return nil
}

type transitionPlan struct {
	event   string
	from    []OrderStatus
	ownerID string
	actorID string
	reason  string
	refund  bool
	build   func(current Order, now time.Time) repositories.OrderTransition
}

// apply runs the read-check-write sequence of a transition inside one transaction. The conditional update
// compares against the exact status and payment status that were loaded.
func (l *OrderLifecycle) apply(ctx context.Context, orderID int64, plan transitionPlan) (Order, error) {
	if orderID <= 0 {
		return Order{}, invalidInput("order id is required")
	}

	var (
		previous  Order
		updated   Order
		refundErr error
	)
	now := l.now()

	err := l.runInTx(ctx, func(txCtx context.Context) error {
		current, err := l.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapOrderRepositoryError("orders.find_by_id", err)
		}
		if plan.ownerID != "" && current.UserID != plan.ownerID {
			return fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
		}
		if !slices.Contains(plan.from, current.Status) {
			return &InvalidStateTransitionError{OrderID: orderID, Current: current.Status, Expected: plan.from}
		}

		transition := plan.build(current, now)
		transition.From = []OrderStatus{current.Status}
		loadedPay := current.PayStatus
		transition.ExpectPayStatus = &loadedPay

		updated, err = l.orders.Transition(txCtx, orderID, transition)
		if err != nil {
			return l.transitionError(orderID, plan.from, err)
		}
		previous = current

		if plan.refund && current.PayStatus == domain.PayStatusPaid {
			refundErr = l.requestRefund(txCtx, current, plan.reason)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	l.logger(ctx, "order.transitioned", map[string]any{
		"orderId": updated.ID,
		"number":  updated.Number,
		"from":    previous.Status.String(),
		"to":      updated.Status.String(),
		"actor":   plan.actorID,
	})
	l.publishEvent(ctx, plan.event, previous, updated, plan.actorID, plan.reason)

	if refundErr != nil {
		return updated, l.queueRefundRetry(ctx, previous, plan.reason, refundErr)
	}
	return updated, nil
}

func (l *OrderLifecycle) transitionError(orderID int64, expected []OrderStatus, err error) error {
	mapped := mapOrderRepositoryError("orders.transition", err)
	var invalid *InvalidStateTransitionError
	if errors.As(mapped, &invalid) {
		invalid.OrderID = orderID
		invalid.Expected = expected
	}
	return mapped
}

func (l *OrderLifecycle) requestRefund(ctx context.Context, order Order, reason string) error {
	if l.payments == nil {
		return errPaymentGatewayUnavailable
	}
	_, err := l.payments.Refund(ctx, RefundRequest{
		OrderNumber: order.Number,
		PaymentRef:  order.PaymentRef,
		Amount:      order.Amount,
		Reason:      reason,
	})
	return err
}

func (l *OrderLifecycle) queueRefundRetry(ctx context.Context, order Order, reason string, cause error) error {
	l.logger(ctx, "order.refund.failed", map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
		"amount":  order.Amount,
		"error":   cause.Error(),
	})

	partial := &PartialRefundFailure{OrderID: order.ID, OrderNumber: order.Number, Err: cause}
	if l.refundRetries == nil {
		return partial
	}
	err := l.refundRetries.PublishRefundRetry(ctx, RefundRetryMessage{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		PaymentRef:  order.PaymentRef,
		Amount:      order.Amount,
		Reason:      reason,
		Attempt:     1,
		RequestedAt: l.now(),
	})
	if err != nil {
		l.logger(ctx, "order.refund.queue_failed", map[string]any{
			"orderId": order.ID,
			"number":  order.Number,
			"error":   err.Error(),
		})
		return partial
	}
	partial.Queued = true
	return partial
}

func (l *OrderLifecycle) notify(ctx context.Context, kind domain.NotificationType, order Order) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.NotifyOrder(ctx, kind, order); err != nil {
		l.logger(ctx, "notifications.send.failed", map[string]any{
			"orderId": order.ID,
			"type":    int(kind),
			"error":   err.Error(),
		})
	}
}

func (l *OrderLifecycle) publishEvent(ctx context.Context, eventType string, previous, current Order, actorID, reason string) {
	if l.events == nil {
		return
	}
	event := OrderEvent{
		ID:             orderEventIDPrefix + l.newID(),
		Type:           eventType,
		OrderID:        current.ID,
		OrderNumber:    current.Number,
		UserID:         current.UserID,
		PreviousStatus: previous.Status,
		CurrentStatus:  current.Status,
		PayStatus:      current.PayStatus,
		ActorID:        strings.TrimSpace(actorID),
		Reason:         reason,
		OccurredAt:     l.now(),
	}
	if err := l.events.PublishOrderEvent(ctx, event); err != nil {
		l.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   eventType,
			"order":  current.ID,
			"error":  err.Error(),
			"status": current.Status.String(),
		})
	}
}

func (l *OrderLifecycle) runInTx(ctx context.Context, fn func(context.Context) error) error {
	err := l.unitOfWork.RunInTx(ctx, fn)
	if err == nil {
		return nil
	}
	var (
		validation *ValidationError
		invalid    *InvalidStateTransitionError
		dependency *DependencyFailure
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &invalid), errors.As(err, &dependency),
		errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrOrderAlreadyPaid), errors.Is(err, context.Canceled):
		return err
	default:
		// Begin or commit failures surface here untyped.
		return &DependencyFailure{Op: "orders.tx", Err: err}
	}
}

func (l *OrderLifecycle) now() time.Time {
	return l.clock()
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
