package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/platform/textutil"
	"github.com/takeout-platform/api/internal/repositories"
)

const (
	maxOrderNumberAttempts = 5
	maxRemarkLength        = 100
)

var remindableStatuses = []OrderStatus{
	domain.OrderStatusToBeConfirmed,
	domain.OrderStatusConfirmed,
	domain.OrderStatusDeliveryInProgress,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Lifecycle  *OrderLifecycle
	Orders     repositories.OrderRepository
	Carts      repositories.CartRepository
	Addresses  repositories.AddressRepository
	UnitOfWork repositories.UnitOfWork
	Payments   PaymentGateway
	Notifier   OrderNotifier
	Numbers    *OrderNumberGenerator
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	*OrderLifecycle

	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	addresses repositories.AddressRepository
	payments  PaymentGateway
	numbers   *OrderNumberGenerator
	logger    func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	// A supplied lifecycle carries its own unit of work, gateway and notifier.
	lifecycle := deps.Lifecycle
	if lifecycle == nil {
		var err error
		lifecycle, err = NewOrderLifecycle(OrderLifecycleDeps{
			Orders:     deps.Orders,
			UnitOfWork: deps.UnitOfWork,
			Payments:   deps.Payments,
			Notifier:   deps.Notifier,
			Clock:      clock,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
	}

	numbers := deps.Numbers
	if numbers == nil {
		numbers = NewOrderNumberGenerator(nil)
	}

	return &orderService{
		OrderLifecycle: lifecycle,
		orders:         deps.Orders,
		carts:          deps.Carts,
		addresses:      deps.Addresses,
		payments:       deps.Payments,
		numbers:        numbers,
		logger:         logger,
	}, nil
}

// Submit turns the user's cart into an order. Address lookup, order insert and cart clearing share one
// transaction, so a failure anywhere leaves nothing behind.
func (s *orderService) Submit(ctx context.Context, userID string, cmd SubmitOrderCommand) (SubmitOrderResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return SubmitOrderResult{}, invalidInput("user id is required")
	}
	if cmd.AddressBookID <= 0 {
		return SubmitOrderResult{}, &ValidationError{Code: ValidationCodeMissingAddress, Message: "address book id is required"}
	}
	if cmd.PackAmount < 0 || cmd.TablewareNumber < 0 {
		return SubmitOrderResult{}, invalidInput("pack amount and tableware number must not be negative")
	}

	now := s.now()
	var created Order

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		address, err := s.addresses.FindByID(txCtx, userID, cmd.AddressBookID)
		if err != nil {
			if isRepositoryNotFound(err) {
				return &ValidationError{Code: ValidationCodeMissingAddress, Message: fmt.Sprintf("address %d not found", cmd.AddressBookID)}
			}
			return mapOrderRepositoryError("address_book.find", err)
		}

		items, err := s.carts.ListByUser(txCtx, userID)
		if err != nil {
			return mapOrderRepositoryError("shopping_cart.list", err)
		}
		if len(items) == 0 {
			return &ValidationError{Code: ValidationCodeEmptyCart, Message: "shopping cart is empty"}
		}

		order := newOrderFromCart(userID, cmd, address, items, now)
		for attempt := 1; attempt <= maxOrderNumberAttempts; attempt++ {
			order.Number, err = s.numbers.Next(now)
			if err != nil {
				return &DependencyFailure{Op: "orders.number", Err: err}
			}
			created, err = s.orders.Insert(txCtx, order)
			if err == nil {
				break
			}
			if !isRepositoryConflict(err) {
				return mapOrderRepositoryError("orders.insert", err)
			}
			s.logger(txCtx, "order.number.collision", map[string]any{
				"number":  order.Number,
				"attempt": attempt,
			})
		}
		if err != nil {
			return &DependencyFailure{Op: "orders.insert", Err: fmt.Errorf("order number collisions after %d attempts: %w", maxOrderNumberAttempts, err)}
		}

		if err := s.carts.DeleteByUser(txCtx, userID); err != nil {
			return mapOrderRepositoryError("shopping_cart.clear", err)
		}
		return nil
	})
	if err != nil {
		return SubmitOrderResult{}, err
	}

	s.logger(ctx, "order.submitted", map[string]any{
		"orderId": created.ID,
		"number":  created.Number,
		"amount":  created.Amount,
		"lines":   len(created.Lines),
	})
	s.publishEvent(ctx, orderEventSubmitted, Order{}, created, userID, "")

	return SubmitOrderResult{
		OrderID:   created.ID,
		Number:    created.Number,
		Amount:    created.Amount,
		OrderTime: created.OrderTime,
	}, nil
}

// Pay requests a charge for an unpaid order. When the gateway settles synchronously the payment is
// confirmed right away; otherwise the webhook or SyncPayment completes it.
func (s *orderService) Pay(ctx context.Context, userID string, number string) (PaymentParams, error) {
	order, err := s.findOwnedByNumber(ctx, userID, number)
	if err != nil {
		return PaymentParams{}, err
	}
	if order.PayStatus != domain.PayStatusUnpaid {
		return PaymentParams{}, fmt.Errorf("%w: order %s", ErrOrderAlreadyPaid, order.Number)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return PaymentParams{}, &InvalidStateTransitionError{
			OrderID:  order.ID,
			Current:  order.Status,
			Expected: []OrderStatus{domain.OrderStatusPendingPayment},
		}
	}
	if s.payments == nil {
		return PaymentParams{}, &DependencyFailure{Op: "payments.charge", Err: errPaymentGatewayUnavailable}
	}

	result, err := s.payments.Charge(ctx, ChargeRequest{
		OrderNumber: order.Number,
		UserID:      order.UserID,
		Amount:      order.Amount,
		PaymentRef:  order.PaymentRef,
	})
	if err != nil {
		return PaymentParams{}, &DependencyFailure{Op: "payments.charge", Err: err}
	}
	if result.IntentID != "" && result.IntentID != order.PaymentRef {
		if err := s.orders.AttachPaymentRef(ctx, order.ID, result.IntentID); err != nil {
			return PaymentParams{}, mapOrderRepositoryError("orders.attach_payment_ref", err)
		}
	}

	params := PaymentParams{
		OrderNumber:  order.Number,
		IntentID:     result.IntentID,
		ClientSecret: result.ClientSecret,
		Status:       result.Status,
	}
	if !result.Succeeded {
		return params, nil
	}

	if _, err := s.settleCharge(ctx, order.Number, PaymentSourceUser); err != nil {
		if !errors.Is(err, ErrOrderAlreadyPaid) {
			return PaymentParams{}, err
		}
	}
	params.Paid = true
	return params, nil
}

// SyncPayment asks the gateway for the state of an order's charge and confirms a payment that was
// captured but never recorded.
func (s *orderService) SyncPayment(ctx context.Context, userID string, number string) (Order, error) {
	order, err := s.findOwnedByNumber(ctx, userID, number)
	if err != nil {
		return Order{}, err
	}
	if order.PayStatus != domain.PayStatusUnpaid {
		return order, nil
	}
	if s.payments == nil {
		return Order{}, &DependencyFailure{Op: "payments.lookup", Err: errPaymentGatewayUnavailable}
	}

	lookup, err := s.payments.Lookup(ctx, PaymentLookupRequest{OrderNumber: order.Number, PaymentRef: order.PaymentRef})
	if err != nil {
		return Order{}, &DependencyFailure{Op: "payments.lookup", Err: err}
	}
	if !lookup.Succeeded {
		return order, nil
	}
	if order.PaymentRef == "" && lookup.IntentID != "" {
		if err := s.orders.AttachPaymentRef(ctx, order.ID, lookup.IntentID); err != nil {
			return Order{}, mapOrderRepositoryError("orders.attach_payment_ref", err)
		}
	}
	return s.settleCharge(ctx, order.Number, PaymentSourceRecovery)
}

// ConfirmPayment confirms a captured payment. A charge that lands on an order the unpaid sweep already
// cancelled is refunded and the order stays cancelled.
func (s *orderService) ConfirmPayment(ctx context.Context, number string, source PaymentSource) (Order, error) {
	return s.settleCharge(ctx, number, source)
}

func (s *orderService) settleCharge(ctx context.Context, number string, source PaymentSource) (Order, error) {
	confirmed, err := s.OrderLifecycle.ConfirmPayment(ctx, number, source)
	if err == nil {
		return confirmed, nil
	}

	var invalid *InvalidStateTransitionError
	if !errors.As(err, &invalid) || invalid.Current != domain.OrderStatusCancelled {
		return Order{}, err
	}

	order, findErr := s.orders.FindByNumber(ctx, number)
	if findErr != nil {
		return Order{}, mapOrderRepositoryError("orders.find_by_number", findErr)
	}
	s.logger(ctx, "order.payment.orphaned", map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
		"source":  source.String(),
	})
	if refundErr := s.refundCharge(ctx, order, OrphanChargeReason); refundErr != nil {
		return order, errors.Join(err, refundErr)
	}
	return order, err
}

// Repeat copies the lines of a past order back into the user's cart.
func (s *orderService) Repeat(ctx context.Context, userID string, orderID int64) error {
	order, err := s.GetForUser(ctx, userID, orderID)
	if err != nil {
		return err
	}
	items := cartItemsFromLines(order.UserID, order.Lines, s.now())
	if len(items) == 0 {
		return invalidInput("order %d has no lines", orderID)
	}
	return s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.carts.InsertBatch(txCtx, items); err != nil {
			return mapOrderRepositoryError("shopping_cart.insert", err)
		}
		return nil
	})
}

// Remind nudges dispatch terminals about an order waiting on the merchant.
func (s *orderService) Remind(ctx context.Context, userID string, orderID int64) error {
	order, err := s.GetForUser(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if !slices.Contains(remindableStatuses, order.Status) {
		return &InvalidStateTransitionError{OrderID: order.ID, Current: order.Status, Expected: remindableStatuses}
	}
	s.notify(ctx, domain.NotificationReminder, order)
	s.logger(ctx, "order.reminded", map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
	})
	return nil
}

func (s *orderService) HistoryForUser(ctx context.Context, userID string, query OrderHistoryQuery) (domain.Page[Order], error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Page[Order]{}, invalidInput("user id is required")
	}
	if query.Status != nil && !query.Status.Valid() {
		return domain.Page[Order]{}, invalidInput("unknown status %d", int(*query.Status))
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:   userID,
		Status:   query.Status,
		Page:     query.Page,
		PageSize: query.PageSize,
	})
	if err != nil {
		return domain.Page[Order]{}, mapOrderRepositoryError("orders.list", err)
	}
	if err := s.attachLines(ctx, page.Items); err != nil {
		return domain.Page[Order]{}, err
	}
	return page, nil
}

func (s *orderService) GetForUser(ctx context.Context, userID string, orderID int64) (Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Order{}, invalidInput("user id is required")
	}
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
	}
	return order, nil
}

func (s *orderService) Get(ctx context.Context, orderID int64) (Order, error) {
	if orderID <= 0 {
		return Order{}, invalidInput("order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderRepositoryError("orders.find_by_id", err)
	}
	return order, nil
}

// Search is the staff condition search. Each result carries a "name*qty" summary of its lines.
func (s *orderService) Search(ctx context.Context, query OrderSearchQuery) (domain.Page[OrderSummary], error) {
	if query.Status != nil && !query.Status.Valid() {
		return domain.Page[OrderSummary]{}, invalidInput("unknown status %d", int(*query.Status))
	}
	if query.Begin != nil && query.End != nil && query.End.Before(*query.Begin) {
		return domain.Page[OrderSummary]{}, invalidInput("end must not be before begin")
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		Number:    strings.TrimSpace(query.Number),
		Phone:     strings.TrimSpace(query.Phone),
		Status:    query.Status,
		OrderTime: domain.RangeQuery[time.Time]{From: query.Begin, To: query.End},
		Page:      query.Page,
		PageSize:  query.PageSize,
	})
	if err != nil {
		return domain.Page[OrderSummary]{}, mapOrderRepositoryError("orders.list", err)
	}
	if err := s.attachLines(ctx, page.Items); err != nil {
		return domain.Page[OrderSummary]{}, err
	}

	summaries := make([]OrderSummary, 0, len(page.Items))
	for _, order := range page.Items {
		summaries = append(summaries, OrderSummary{Order: order, OrderDishes: orderDishes(order.Lines)})
	}
	return domain.Page[OrderSummary]{
		Items:    summaries,
		Total:    page.Total,
		Page:     page.Page,
		PageSize: page.PageSize,
	}, nil
}

func (s *orderService) Statistics(ctx context.Context) (OrderStatistics, error) {
	counts, err := s.orders.CountByStatus(ctx, []OrderStatus{
		domain.OrderStatusToBeConfirmed,
		domain.OrderStatusConfirmed,
		domain.OrderStatusDeliveryInProgress,
	})
	if err != nil {
		return OrderStatistics{}, mapOrderRepositoryError("orders.count_by_status", err)
	}
	return OrderStatistics{
		ToBeConfirmed:      counts[domain.OrderStatusToBeConfirmed],
		Confirmed:          counts[domain.OrderStatusConfirmed],
		DeliveryInProgress: counts[domain.OrderStatusDeliveryInProgress],
	}, nil
}

func (s *orderService) findOwnedByNumber(ctx context.Context, userID, number string) (Order, error) {
	userID = strings.TrimSpace(userID)
	number = strings.TrimSpace(number)
	if userID == "" || number == "" {
		return Order{}, invalidInput("user id and order number are required")
	}
	order, err := s.orders.FindByNumber(ctx, number)
	if err != nil {
		return Order{}, mapOrderRepositoryError("orders.find_by_number", err)
	}
	if order.UserID != userID {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, number)
	}
	return order, nil
}

func (s *orderService) attachLines(ctx context.Context, orders []Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
	}
	lines, err := s.orders.ListLines(ctx, ids)
	if err != nil {
		return mapOrderRepositoryError("order_lines.list", err)
	}
	for i := range orders {
		orders[i].Lines = lines[orders[i].ID]
	}
	return nil
}

func newOrderFromCart(userID string, cmd SubmitOrderCommand, address domain.AddressBookEntry, items []CartItem, now time.Time) Order {
	lines := orderLinesFromCart(items)
	amount := cmd.PackAmount
	for _, line := range lines {
		amount += line.Amount
	}
	var estimated *time.Time
	if cmd.EstimatedDeliveryTime != nil {
		value := cmd.EstimatedDeliveryTime.UTC()
		estimated = &value
	}
	return Order{
		Status:                domain.OrderStatusPendingPayment,
		PayStatus:             domain.PayStatusUnpaid,
		PayMethod:             cmd.PayMethod,
		UserID:                userID,
		AddressBookID:         address.ID,
		Consignee:             address.Consignee,
		Phone:                 address.Phone,
		Address:               address.FullAddress(),
		Remark:                textutil.CleanText(cmd.Remark, maxRemarkLength),
		Amount:                amount,
		PackAmount:            cmd.PackAmount,
		TablewareNumber:       cmd.TablewareNumber,
		OrderTime:             now,
		EstimatedDeliveryTime: estimated,
		Lines:                 lines,
	}
}

func orderLinesFromCart(items []CartItem) []OrderLine {
	lines := make([]OrderLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, OrderLine{
			Name:       item.Name,
			Image:      item.Image,
			DishID:     cloneInt64Ptr(item.DishID),
			SetmealID:  cloneInt64Ptr(item.SetmealID),
			DishFlavor: item.DishFlavor,
			Quantity:   item.Quantity,
			UnitAmount: item.UnitAmount,
			Amount:     item.UnitAmount * int64(item.Quantity),
		})
	}
	return lines
}

func cartItemsFromLines(userID string, lines []OrderLine, now time.Time) []CartItem {
	items := make([]CartItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, CartItem{
			UserID:     userID,
			Name:       line.Name,
			Image:      line.Image,
			DishID:     cloneInt64Ptr(line.DishID),
			SetmealID:  cloneInt64Ptr(line.SetmealID),
			DishFlavor: line.DishFlavor,
			Quantity:   line.Quantity,
			UnitAmount: line.UnitAmount,
			CreatedAt:  now,
		})
	}
	return items
}

func orderDishes(lines []OrderLine) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		parts = append(parts, fmt.Sprintf("%s*%d", line.Name, line.Quantity))
	}
	return strings.Join(parts, ", ")
}

func cloneInt64Ptr(value *int64) *int64 {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepositoryConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
