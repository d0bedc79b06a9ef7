package domain

import (
	"strconv"
	"strings"
	"time"
)

// OrderStatus captures the lifecycle position of an order. The numeric codes are persisted as-is.
type OrderStatus int

const (
	// OrderStatusPendingPayment is the initial state after submission.
	OrderStatusPendingPayment OrderStatus = 1
	// OrderStatusToBeConfirmed indicates the order has been paid and awaits the merchant.
	OrderStatusToBeConfirmed OrderStatus = 2
	// OrderStatusConfirmed indicates the merchant accepted the order.
	OrderStatusConfirmed OrderStatus = 3
	// OrderStatusDeliveryInProgress indicates the order left the kitchen.
	OrderStatusDeliveryInProgress OrderStatus = 4
	// OrderStatusCompleted is terminal.
	OrderStatusCompleted OrderStatus = 5
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = 6
)

var orderStatusNames = map[OrderStatus]string{
	OrderStatusPendingPayment:     "pending_payment",
	OrderStatusToBeConfirmed:      "to_be_confirmed",
	OrderStatusConfirmed:          "confirmed",
	OrderStatusDeliveryInProgress: "delivery_in_progress",
	OrderStatusCompleted:          "completed",
	OrderStatusCancelled:          "cancelled",
}

// String returns the snake_case name used in API payloads and logs.
func (s OrderStatus) String() string {
	if name, ok := orderStatusNames[s]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusNames[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// ParseOrderStatus accepts either the numeric code or the snake_case name.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0, false
	}
	if code, err := strconv.Atoi(raw); err == nil {
		status := OrderStatus(code)
		return status, status.Valid()
	}
	for status, name := range orderStatusNames {
		if name == raw {
			return status, true
		}
	}
	return 0, false
}

// PayStatus tracks payment progress independently of the order status.
type PayStatus int

const (
	// PayStatusUnpaid is the initial payment state.
	PayStatusUnpaid PayStatus = 0
	// PayStatusPaid is set once when the payment is confirmed.
	PayStatusPaid PayStatus = 1
	// PayStatusRefunded is reachable only from PayStatusPaid.
	PayStatusRefunded PayStatus = 2
)

// String returns the snake_case name of the payment status.
func (s PayStatus) String() string {
	switch s {
	case PayStatusUnpaid:
		return "unpaid"
	case PayStatusPaid:
		return "paid"
	case PayStatusRefunded:
		return "refunded"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Order is the persisted snapshot of a customer order.
type Order struct {
	ID                    int64
	Number                string
	Status                OrderStatus
	PayStatus             PayStatus
	PayMethod             int
	UserID                string
	AddressBookID         int64
	Consignee             string
	Phone                 string
	Address               string
	Remark                string
	Amount                int64
	PackAmount            int64
	TablewareNumber       int
	PaymentRef            string
	OrderTime             time.Time
	CheckoutTime          *time.Time
	CancelTime            *time.Time
	DeliveryTime          *time.Time
	EstimatedDeliveryTime *time.Time
	CancelReason          string
	RejectionReason       string
	Lines                 []OrderLine
}

// OrderLine is an immutable snapshot of one purchased item.
type OrderLine struct {
	ID         int64
	OrderID    int64
	Name       string
	Image      string
	DishID     *int64
	SetmealID  *int64
	DishFlavor string
	Quantity   int
	UnitAmount int64
	Amount     int64
}

// CartItem is a shopping cart entry owned by a user.
type CartItem struct {
	ID         int64
	UserID     string
	Name       string
	Image      string
	DishID     *int64
	SetmealID  *int64
	DishFlavor string
	Quantity   int
	UnitAmount int64
	CreatedAt  time.Time
}

// AddressBookEntry is a saved delivery address.
type AddressBookEntry struct {
	ID        int64
	UserID    string
	Consignee string
	Phone     string
	Province  string
	City      string
	District  string
	Detail    string
	Label     string
}

// FullAddress renders the address parts in delivery order.
func (a AddressBookEntry) FullAddress() string {
	parts := make([]string, 0, 4)
	for _, part := range []string{a.Province, a.City, a.District, a.Detail} {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}

// OrderStatistics counts orders in the states merchant staff act upon.
type OrderStatistics struct {
	ToBeConfirmed      int64
	Confirmed          int64
	DeliveryInProgress int64
}

// NotificationType enumerates realtime notification kinds sent to dispatch terminals.
type NotificationType int

const (
	// NotificationNewOrder is sent when payment for an order is confirmed.
	NotificationNewOrder NotificationType = 1
	// NotificationReminder is sent when a customer nudges the merchant.
	NotificationReminder NotificationType = 2
)

// OrderNotification is the payload fanned out to connected subscribers.
type OrderNotification struct {
	Type    NotificationType `json:"type"`
	OrderID int64            `json:"orderId"`
	Content string           `json:"content"`
}

// Page packages offset paginated results.
type Page[T any] struct {
	Items    []T
	Total    int64
	Page     int
	PageSize int
}

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
