package repositories

import (
	"context"
	"time"

	domain "github.com/takeout-platform/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Carts() CartRepository
	Addresses() AddressRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. The callback's context carries
// the transaction; repositories invoked with it join the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderTransition describes a conditional status change. The update only applies when the stored
// status is one of From and, if ExpectPayStatus is set, the stored payment status matches it.
type OrderTransition struct {
	From            []domain.OrderStatus
	ExpectPayStatus *domain.PayStatus
	To              domain.OrderStatus
	PayStatus       *domain.PayStatus
	CheckoutTime    *time.Time
	CancelTime      *time.Time
	DeliveryTime    *time.Time
	CancelReason    *string
	RejectionReason *string
}

// OrderListFilter narrows order listings. Zero values mean "no constraint".
type OrderListFilter struct {
	UserID    string
	Number    string
	Phone     string
	Status    *domain.OrderStatus
	OrderTime domain.RangeQuery[time.Time]
	Page      int
	PageSize  int
}

// OrderRepository persists orders and their lines.
type OrderRepository interface {
	// Insert stores the order and its lines. Returns a conflict RepositoryError when the number is taken.
	Insert(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID int64) (domain.Order, error)
	FindByNumber(ctx context.Context, number string) (domain.Order, error)
	// Transition applies a conditional update and returns the updated row. When the stored state does
	// not satisfy the transition it returns *StatusMismatchError.
	Transition(ctx context.Context, orderID int64, transition OrderTransition) (domain.Order, error)
	AttachPaymentRef(ctx context.Context, orderID int64, ref string) error
	List(ctx context.Context, filter OrderListFilter) (domain.Page[domain.Order], error)
	ListLines(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderLine, error)
	// ListStaleByStatus returns ids of orders in status whose order_time is before cutoff.
	ListStaleByStatus(ctx context.Context, status domain.OrderStatus, cutoff time.Time, limit int) ([]int64, error)
	CountByStatus(ctx context.Context, statuses []domain.OrderStatus) (map[domain.OrderStatus]int64, error)
}

// CartRepository is the shopping cart collaborator consumed at submission and repeat time.
type CartRepository interface {
	ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error)
	InsertBatch(ctx context.Context, items []domain.CartItem) error
	DeleteByUser(ctx context.Context, userID string) error
}

// AddressRepository resolves saved delivery addresses.
type AddressRepository interface {
	FindByID(ctx context.Context, userID string, addressID int64) (domain.AddressBookEntry, error)
}

// HealthRepository reports infrastructure dependency status for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
