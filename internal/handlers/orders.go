package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/platform/auth"
	"github.com/takeout-platform/api/internal/platform/httpx"
	"github.com/takeout-platform/api/internal/platform/pagination"
	"github.com/takeout-platform/api/internal/services"
)

type submitOrderRequest struct {
	AddressBookID         int64      `json:"address_book_id" validate:"required,gt=0"`
	PayMethod             int        `json:"pay_method" validate:"gte=0"`
	Remark                string     `json:"remark" validate:"max=100"`
	PackAmount            int64      `json:"pack_amount" validate:"gte=0"`
	TablewareNumber       int        `json:"tableware_number" validate:"gte=0,lte=99"`
	EstimatedDeliveryTime *time.Time `json:"estimated_delivery_time"`
}

type submitOrderResponse struct {
	OrderID   int64  `json:"order_id"`
	Number    string `json:"number"`
	Amount    int64  `json:"amount"`
	OrderTime string `json:"order_time"`
}

type paymentResponse struct {
	Number       string `json:"number"`
	IntentID     string `json:"intent_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
}

// OrderHandlers serves the customer order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	middlewares []func(http.Handler) http.Handler
	reminders   *windowLimiter
	clock       func() time.Time
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderMiddlewares adds middleware that runs after authentication, which is where identity scoped
// middleware such as idempotency belongs.
func WithOrderMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.middlewares = append(h.middlewares, mw...)
	}
}

// WithReminderLimit caps reminders per user and order within window.
func WithReminderLimit(limit int, window time.Duration) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.reminders = newWindowLimiter(limit, window, func() time.Time { return h.clock() })
	}
}

// WithOrderClock overrides the time source.
func WithOrderClock(clock func() time.Time) OrderHandlerOption {
	return func(h *OrderHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewOrderHandlers constructs the customer handlers.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{authn: authn, orders: orders, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Require(auth.RoleUser, auth.RoleStaff, auth.RoleAdmin))
	}
	for _, mw := range h.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Post("/", h.submit)
	r.Get("/", h.history)
	r.Post("/{number}:pay", h.pay)
	r.Post("/{number}:sync-payment", h.syncPayment)
	r.Get("/{orderID}", h.detail)
	r.Post("/{orderID}:cancel", h.cancel)
	r.Post("/{orderID}:repeat", h.repeat)
	r.Post("/{orderID}:remind", h.remind)
}

func (h *OrderHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	var req submitOrderRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.orders.Submit(ctx, userID, services.SubmitOrderCommand{
		AddressBookID:         req.AddressBookID,
		PayMethod:             req.PayMethod,
		Remark:                req.Remark,
		PackAmount:            req.PackAmount,
		TablewareNumber:       req.TablewareNumber,
		EstimatedDeliveryTime: req.EstimatedDeliveryTime,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, submitOrderResponse{
		OrderID:   result.OrderID,
		Number:    result.Number,
		Amount:    result.Amount,
		OrderTime: formatTime(result.OrderTime),
	})
}

func (h *OrderHandlers) pay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	number, ok := pathOrderNumber(w, r)
	if !ok {
		return
	}

	params, err := h.orders.Pay(ctx, userID, number)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	status := http.StatusAccepted
	if params.Paid {
		status = http.StatusOK
	}
	httpx.WriteJSON(w, status, paymentResponse{
		Number:       params.OrderNumber,
		IntentID:     params.IntentID,
		ClientSecret: params.ClientSecret,
		Status:       params.Status,
		Paid:         params.Paid,
	})
}

func (h *OrderHandlers) syncPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	number, ok := pathOrderNumber(w, r)
	if !ok {
		return
	}

	order, err := h.orders.SyncPayment(ctx, userID, number)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) history(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}

	page, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	query := services.OrderHistoryQuery{Page: page.Page, PageSize: page.PageSize}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		query.Status = &status
	}

	result, err := h.orders.HistoryForUser(ctx, userID, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderPageResponse{
		Items:    items,
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	})
}

func (h *OrderHandlers) detail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetForUser(ctx, userID, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelByUser(ctx, userID, orderID)
	writeTransitionResult(w, r, order, err)
}

func (h *OrderHandlers) repeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	if err := h.orders.Repeat(ctx, userID, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandlers) remind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := requireUser(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	if !h.reminders.Allow(fmt.Sprintf("%s:%d", userID, orderID)) {
		httpx.WriteError(ctx, w, httpx.NewError("too_many_reminders", "a reminder for this order was sent recently", http.StatusTooManyRequests))
		return
	}

	if err := h.orders.Remind(ctx, userID, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeTransitionResult reports a committed transition. A queued refund still counts as success.
func writeTransitionResult(w http.ResponseWriter, r *http.Request, order services.Order, err error) {
	pending := services.IsPartialRefundFailure(err)
	if err != nil && !pending {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order), RefundPending: pending})
}
