package services

import (
	"context"
	"time"

	domain "github.com/takeout-platform/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	PayStatus          = domain.PayStatus
	CartItem           = domain.CartItem
	OrderStatistics    = domain.OrderStatistics
	OrderNotification  = domain.OrderNotification
	SystemHealthReport = domain.SystemHealthReport
)

// OrderService is the facade invoked by HTTP handlers. Every mutating call runs one lifecycle
// transition inside its own transaction.
type OrderService interface {
	Submit(ctx context.Context, userID string, cmd SubmitOrderCommand) (SubmitOrderResult, error)
	Pay(ctx context.Context, userID string, number string) (PaymentParams, error)
	SyncPayment(ctx context.Context, userID string, number string) (Order, error)
	ConfirmPayment(ctx context.Context, number string, source PaymentSource) (Order, error)

	Confirm(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Reject(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Cancel(ctx context.Context, cmd OrderActionCommand) (Order, error)
	CancelByUser(ctx context.Context, userID string, orderID int64) (Order, error)
	Dispatch(ctx context.Context, cmd OrderActionCommand) (Order, error)
	Complete(ctx context.Context, cmd OrderActionCommand) (Order, error)

	Repeat(ctx context.Context, userID string, orderID int64) error
	Remind(ctx context.Context, userID string, orderID int64) error

	HistoryForUser(ctx context.Context, userID string, query OrderHistoryQuery) (domain.Page[Order], error)
	GetForUser(ctx context.Context, userID string, orderID int64) (Order, error)
	Get(ctx context.Context, orderID int64) (Order, error)
	Search(ctx context.Context, query OrderSearchQuery) (domain.Page[OrderSummary], error)
	Statistics(ctx context.Context) (OrderStatistics, error)
}

// SystemService aggregates utility endpoints (health checks, reconciler status).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PaymentGateway is the black-box charge/refund capability. Calls are keyed by order number, which the
// gateway uses as its idempotency key.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	Lookup(ctx context.Context, req PaymentLookupRequest) (PaymentLookup, error)
}

// OrderNotifier fans lifecycle notifications out to dispatch terminals. Delivery is best effort.
type OrderNotifier interface {
	NotifyOrder(ctx context.Context, kind domain.NotificationType, order Order) error
}

// RefundRetryPublisher queues failed refunds for out-of-band retry.
type RefundRetryPublisher interface {
	PublishRefundRetry(ctx context.Context, msg RefundRetryMessage) error
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// PaymentSource identifies who asks for a payment confirmation.
type PaymentSource int

const (
	// PaymentSourceUser is the customer-facing pay endpoint; a repeat confirmation is an error.
	PaymentSourceUser PaymentSource = iota
	// PaymentSourceRecovery covers webhooks, sync calls and retries; a repeat confirmation is a no-op.
	PaymentSourceRecovery
)

func (s PaymentSource) String() string {
	if s == PaymentSourceRecovery {
		return "recovery"
	}
	return "user"
}

// SubmitOrderCommand carries the customer supplied part of a submission. The cart is read from storage.
type SubmitOrderCommand struct {
	AddressBookID         int64
	PayMethod             int
	Remark                string
	PackAmount            int64
	TablewareNumber       int
	EstimatedDeliveryTime *time.Time
}

// SubmitOrderResult is returned to the customer after a successful submission.
type SubmitOrderResult struct {
	OrderID   int64
	Number    string
	Amount    int64
	OrderTime time.Time
}

// PaymentParams are handed to the client to complete the charge.
type PaymentParams struct {
	OrderNumber  string
	IntentID     string
	ClientSecret string
	Status       string
	Paid         bool
}

// OrderActionCommand targets a staff or system transition.
type OrderActionCommand struct {
	OrderID int64
	Reason  string
	ActorID string
}

// OrderHistoryQuery pages through a customer's orders.
type OrderHistoryQuery struct {
	Status   *OrderStatus
	Page     int
	PageSize int
}

// OrderSearchQuery is the staff condition search.
type OrderSearchQuery struct {
	Number   string
	Phone    string
	Status   *OrderStatus
	Begin    *time.Time
	End      *time.Time
	Page     int
	PageSize int
}

// OrderSummary decorates an order with the "name*qty" dish list shown to staff.
type OrderSummary struct {
	Order
	OrderDishes string
}

// ChargeRequest asks the gateway to charge an order.
type ChargeRequest struct {
	OrderNumber string
	UserID      string
	Amount      int64
	PaymentRef  string
}

// ChargeResult is the gateway's answer to a charge.
type ChargeResult struct {
	IntentID     string
	ClientSecret string
	Status       string
	Succeeded    bool
}

// RefundRequest asks the gateway to return the charged amount.
type RefundRequest struct {
	OrderNumber string
	PaymentRef  string
	Amount      int64
	Reason      string
}

// RefundResult is the gateway's answer to a refund.
type RefundResult struct {
	RefundID string
	Status   string
}

// PaymentLookupRequest asks the gateway for the current state of an order's charge.
type PaymentLookupRequest struct {
	OrderNumber string
	PaymentRef  string
}

// PaymentLookup reports the gateway view of a charge.
type PaymentLookup struct {
	IntentID  string
	Status    string
	Amount    int64
	Succeeded bool
}

// RefundRetryMessage describes a refund that must be re-requested.
type RefundRetryMessage struct {
	OrderID     int64     `json:"orderId"`
	OrderNumber string    `json:"orderNumber"`
	PaymentRef  string    `json:"paymentRef,omitempty"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason,omitempty"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requestedAt"`
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	ID             string
	Type           string
	OrderID        int64
	OrderNumber    string
	UserID         string
	PreviousStatus OrderStatus
	CurrentStatus  OrderStatus
	PayStatus      PayStatus
	ActorID        string
	Reason         string
	OccurredAt     time.Time
}
