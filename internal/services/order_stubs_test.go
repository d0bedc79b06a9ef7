package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/repositories"
)

type stubRepoError struct {
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.err.Error() }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

// memoryOrderRepo applies transitions atomically under a mutex, mirroring the conditional UPDATE.
type memoryOrderRepo struct {
	mu     sync.Mutex
	orders map[int64]domain.Order
	nextID int64

	insertFn         func(context.Context, domain.Order) error
	beforeTransition func(orderID int64)
	transitionErr    error
	transitions      int
}

func newMemoryOrderRepo(orders ...domain.Order) *memoryOrderRepo {
	repo := &memoryOrderRepo{orders: make(map[int64]domain.Order)}
	for _, order := range orders {
		repo.orders[order.ID] = order
		if order.ID > repo.nextID {
			repo.nextID = order.ID
		}
	}
	return repo
}

func (r *memoryOrderRepo) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r.insertFn != nil {
		if err := r.insertFn(ctx, order); err != nil {
			return domain.Order{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.Number == order.Number {
			return domain.Order{}, &stubRepoError{err: errors.New("duplicate number"), conflict: true}
		}
	}
	r.nextID++
	order.ID = r.nextID
	for i := range order.Lines {
		order.Lines[i].ID = int64(i + 1)
		order.Lines[i].OrderID = order.ID
	}
	r.orders[order.ID] = order
	return order, nil
}

func (r *memoryOrderRepo) FindByID(_ context.Context, orderID int64) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{err: errors.New("order not found"), notFound: true}
	}
	return order, nil
}

func (r *memoryOrderRepo) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.Number == number {
			return order, nil
		}
	}
	return domain.Order{}, &stubRepoError{err: errors.New("order not found"), notFound: true}
}

func (r *memoryOrderRepo) Transition(_ context.Context, orderID int64, t repositories.OrderTransition) (domain.Order, error) {
	if hook := r.beforeTransition; hook != nil {
		r.beforeTransition = nil
		hook(orderID)
	}
	if r.transitionErr != nil {
		return domain.Order{}, r.transitionErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, &stubRepoError{err: errors.New("order not found"), notFound: true}
	}
	if !slices.Contains(t.From, order.Status) || (t.ExpectPayStatus != nil && *t.ExpectPayStatus != order.PayStatus) {
		return domain.Order{}, &repositories.StatusMismatchError{OrderID: orderID, CurrentStatus: order.Status, CurrentPayStatus: order.PayStatus}
	}
	order.Status = t.To
	if t.PayStatus != nil {
		order.PayStatus = *t.PayStatus
	}
	if t.CheckoutTime != nil {
		order.CheckoutTime = t.CheckoutTime
	}
	if t.CancelTime != nil {
		order.CancelTime = t.CancelTime
	}
	if t.DeliveryTime != nil {
		order.DeliveryTime = t.DeliveryTime
	}
	if t.CancelReason != nil {
		order.CancelReason = *t.CancelReason
	}
	if t.RejectionReason != nil {
		order.RejectionReason = *t.RejectionReason
	}
	r.orders[orderID] = order
	r.transitions++
	return order, nil
}

func (r *memoryOrderRepo) AttachPaymentRef(_ context.Context, orderID int64, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return &stubRepoError{err: errors.New("order not found"), notFound: true}
	}
	order.PaymentRef = ref
	r.orders[orderID] = order
	return nil
}

func (r *memoryOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) (domain.Page[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		order.Lines = nil
		items = append(items, order)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	return domain.Page[domain.Order]{Items: items, Total: int64(len(items)), Page: 1, PageSize: 10}, nil
}

func (r *memoryOrderRepo) ListLines(_ context.Context, orderIDs []int64) (map[int64][]domain.OrderLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make(map[int64][]domain.OrderLine, len(orderIDs))
	for _, id := range orderIDs {
		if order, ok := r.orders[id]; ok {
			lines[id] = order.Lines
		}
	}
	return lines, nil
}

func (r *memoryOrderRepo) ListStaleByStatus(_ context.Context, status domain.OrderStatus, cutoff time.Time, limit int) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0)
	for id, order := range r.orders {
		if order.Status == status && order.OrderTime.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memoryOrderRepo) CountByStatus(_ context.Context, statuses []domain.OrderStatus) (map[domain.OrderStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.OrderStatus]int64, len(statuses))
	for _, status := range statuses {
		counts[status] = 0
	}
	for _, order := range r.orders {
		if _, ok := counts[order.Status]; ok {
			counts[order.Status]++
		}
	}
	return counts, nil
}

func (r *memoryOrderRepo) snapshot() (map[int64]domain.Order, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.orders), r.nextID
}

func (r *memoryOrderRepo) restore(orders map[int64]domain.Order, nextID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = orders
	r.nextID = nextID
}

func (r *memoryOrderRepo) get(orderID int64) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID]
}

type stubCartRepo struct {
	items     []domain.CartItem
	inserted  []domain.CartItem
	cleared   []string
	listFn    func(context.Context, string) ([]domain.CartItem, error)
	deleteErr error
}

func (s *stubCartRepo) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return s.items, nil
}

func (s *stubCartRepo) InsertBatch(_ context.Context, items []domain.CartItem) error {
	s.inserted = append(s.inserted, items...)
	return nil
}

func (s *stubCartRepo) DeleteByUser(_ context.Context, userID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.cleared = append(s.cleared, userID)
	s.items = nil
	return nil
}

type stubAddressRepo struct {
	findFn func(context.Context, string, int64) (domain.AddressBookEntry, error)
}

func (s *stubAddressRepo) FindByID(ctx context.Context, userID string, addressID int64) (domain.AddressBookEntry, error) {
	if s.findFn != nil {
		return s.findFn(ctx, userID, addressID)
	}
	return domain.AddressBookEntry{}, &stubRepoError{err: errors.New("address not found"), notFound: true}
}

type stubPaymentGateway struct {
	mu       sync.Mutex
	chargeFn func(context.Context, ChargeRequest) (ChargeResult, error)
	refundFn func(context.Context, RefundRequest) (RefundResult, error)
	lookupFn func(context.Context, PaymentLookupRequest) (PaymentLookup, error)
	refunds  []RefundRequest
}

func (s *stubPaymentGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if s.chargeFn != nil {
		return s.chargeFn(ctx, req)
	}
	return ChargeResult{IntentID: "pi_" + req.OrderNumber, Status: "requires_payment_method"}, nil
}

func (s *stubPaymentGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	s.mu.Lock()
	s.refunds = append(s.refunds, req)
	s.mu.Unlock()
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return RefundResult{RefundID: "re_" + req.OrderNumber, Status: "succeeded"}, nil
}

func (s *stubPaymentGateway) Lookup(ctx context.Context, req PaymentLookupRequest) (PaymentLookup, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, req)
	}
	return PaymentLookup{}, nil
}

func (s *stubPaymentGateway) refundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refunds)
}

type recordedNotification struct {
	kind  domain.NotificationType
	order domain.Order
}

type stubNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
	err  error
}

func (s *stubNotifier) NotifyOrder(_ context.Context, kind domain.NotificationType, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recordedNotification{kind: kind, order: order})
	return s.err
}

func (s *stubNotifier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubRefundRetries struct {
	messages []RefundRetryMessage
	err      error
}

func (s *stubRefundRetries) PublishRefundRetry(_ context.Context, msg RefundRetryMessage) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

type stubEventPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (s *stubEventPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubEventPublisher) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.events))
	for _, event := range s.events {
		types = append(types, event.Type)
	}
	return types
}

// recordingUnitOfWork discards order writes made by a failed fn, like a rolled back transaction.
type recordingUnitOfWork struct {
	calls atomic.Int64
	repo  *memoryOrderRepo
}

func (u *recordingUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.calls.Add(1)
	if u.repo == nil {
		return fn(ctx)
	}
	orders, nextID := u.repo.snapshot()
	if err := fn(ctx); err != nil {
		u.repo.restore(orders, nextID)
		return err
	}
	return nil
}

var testNow = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

func testOrder(id int64, status domain.OrderStatus, pay domain.PayStatus) domain.Order {
	return domain.Order{
		ID:        id,
		Number:    fmt.Sprintf("250401120000T%04d", id),
		Status:    status,
		PayStatus: pay,
		UserID:    "user-1",
		Amount:    4200,
		OrderTime: testNow.Add(-10 * time.Minute),
		Lines: []domain.OrderLine{
			{ID: 1, OrderID: id, Name: "Kung Pao Chicken", Quantity: 2, UnitAmount: 1800, Amount: 3600},
			{ID: 2, OrderID: id, Name: "Rice", Quantity: 3, UnitAmount: 200, Amount: 600},
		},
	}
}

type lifecycleFixture struct {
	repo      *memoryOrderRepo
	gateway   *stubPaymentGateway
	notifier  *stubNotifier
	retries   *stubRefundRetries
	events    *stubEventPublisher
	lifecycle *OrderLifecycle
}

func newLifecycleFixture(orders ...domain.Order) lifecycleFixture {
	fx := lifecycleFixture{
		repo:     newMemoryOrderRepo(orders...),
		gateway:  &stubPaymentGateway{},
		notifier: &stubNotifier{},
		retries:  &stubRefundRetries{},
		events:   &stubEventPublisher{},
	}
	lifecycle, err := NewOrderLifecycle(OrderLifecycleDeps{
		Orders:        fx.repo,
		UnitOfWork:    &recordingUnitOfWork{repo: fx.repo},
		Payments:      fx.gateway,
		Notifier:      fx.notifier,
		RefundRetries: fx.retries,
		Events:        fx.events,
		Clock:         func() time.Time { return testNow },
		IDGenerator:   func() string { return "01TEST" },
	})
	if err != nil {
		panic(err)
	}
	fx.lifecycle = lifecycle
	return fx
}
