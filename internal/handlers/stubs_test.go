package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/takeout-platform/api/internal/domain"
	"github.com/takeout-platform/api/internal/platform/auth"
	"github.com/takeout-platform/api/internal/services"
)

var fixedNow = time.Date(2025, time.April, 1, 12, 0, 0, 0, time.UTC)

type stubOrderService struct {
	submitFn         func(ctx context.Context, userID string, cmd services.SubmitOrderCommand) (services.SubmitOrderResult, error)
	payFn            func(ctx context.Context, userID, number string) (services.PaymentParams, error)
	syncFn           func(ctx context.Context, userID, number string) (services.Order, error)
	confirmPaymentFn func(ctx context.Context, number string, source services.PaymentSource) (services.Order, error)
	actionFn         func(ctx context.Context, action string, cmd services.OrderActionCommand) (services.Order, error)
	cancelByUserFn   func(ctx context.Context, userID string, orderID int64) (services.Order, error)
	repeatFn         func(ctx context.Context, userID string, orderID int64) error
	remindFn         func(ctx context.Context, userID string, orderID int64) error
	historyFn        func(ctx context.Context, userID string, query services.OrderHistoryQuery) (domain.Page[services.Order], error)
	getForUserFn     func(ctx context.Context, userID string, orderID int64) (services.Order, error)
	getFn            func(ctx context.Context, orderID int64) (services.Order, error)
	searchFn         func(ctx context.Context, query services.OrderSearchQuery) (domain.Page[services.OrderSummary], error)
	statisticsFn     func(ctx context.Context) (services.OrderStatistics, error)
}

var _ services.OrderService = (*stubOrderService)(nil)

func (s *stubOrderService) Submit(ctx context.Context, userID string, cmd services.SubmitOrderCommand) (services.SubmitOrderResult, error) {
	return s.submitFn(ctx, userID, cmd)
}

func (s *stubOrderService) Pay(ctx context.Context, userID, number string) (services.PaymentParams, error) {
	return s.payFn(ctx, userID, number)
}

func (s *stubOrderService) SyncPayment(ctx context.Context, userID, number string) (services.Order, error) {
	return s.syncFn(ctx, userID, number)
}

func (s *stubOrderService) ConfirmPayment(ctx context.Context, number string, source services.PaymentSource) (services.Order, error) {
	return s.confirmPaymentFn(ctx, number, source)
}

func (s *stubOrderService) Confirm(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn(ctx, "confirm", cmd)
}

func (s *stubOrderService) Reject(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn(ctx, "reject", cmd)
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn(ctx, "cancel", cmd)
}

func (s *stubOrderService) CancelByUser(ctx context.Context, userID string, orderID int64) (services.Order, error) {
	return s.cancelByUserFn(ctx, userID, orderID)
}

func (s *stubOrderService) Dispatch(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn(ctx, "dispatch", cmd)
}

func (s *stubOrderService) Complete(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error) {
	return s.actionFn(ctx, "complete", cmd)
}

func (s *stubOrderService) Repeat(ctx context.Context, userID string, orderID int64) error {
	return s.repeatFn(ctx, userID, orderID)
}

func (s *stubOrderService) Remind(ctx context.Context, userID string, orderID int64) error {
	return s.remindFn(ctx, userID, orderID)
}

func (s *stubOrderService) HistoryForUser(ctx context.Context, userID string, query services.OrderHistoryQuery) (domain.Page[services.Order], error) {
	return s.historyFn(ctx, userID, query)
}

func (s *stubOrderService) GetForUser(ctx context.Context, userID string, orderID int64) (services.Order, error) {
	return s.getForUserFn(ctx, userID, orderID)
}

func (s *stubOrderService) Get(ctx context.Context, orderID int64) (services.Order, error) {
	return s.getFn(ctx, orderID)
}

func (s *stubOrderService) Search(ctx context.Context, query services.OrderSearchQuery) (domain.Page[services.OrderSummary], error) {
	return s.searchFn(ctx, query)
}

func (s *stubOrderService) Statistics(ctx context.Context) (services.OrderStatistics, error) {
	return s.statisticsFn(ctx)
}

// asIdentity stands in for the authenticator in handler tests.
func asIdentity(uid string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: uid, Roles: roles})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func mountRoutes(path string, routes func(chi.Router), mw ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}
	r.Route(path, routes)
	return r
}

func serve(t *testing.T, handler http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func sampleOrder() services.Order {
	checkout := fixedNow.Add(2 * time.Minute)
	dish := int64(11)
	return services.Order{
		ID:              42,
		Number:          "2504011200001A2B3C4D",
		Status:          domain.OrderStatusToBeConfirmed,
		PayStatus:       domain.PayStatusPaid,
		PayMethod:       1,
		UserID:          "user-1",
		AddressBookID:   3,
		Consignee:       "Li Lei",
		Phone:           "13800000000",
		Address:         "Zhejiang Hangzhou Xihu 1 Wensan Rd",
		Amount:          5600,
		PackAmount:      200,
		TablewareNumber: 2,
		OrderTime:       fixedNow,
		CheckoutTime:    &checkout,
		Lines: []services.OrderLine{
			{ID: 1, OrderID: 42, Name: "Kung Pao Chicken", DishID: &dish, Quantity: 2, UnitAmount: 2700, Amount: 5400},
		},
	}
}
