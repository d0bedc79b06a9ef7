package handlers

import (
	"context"
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

const searchDateLayout = "2006-01-02"

type orderReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type statisticsResponse struct {
	ToBeConfirmed      int64 `json:"to_be_confirmed"`
	Confirmed          int64 `json:"confirmed"`
	DeliveryInProgress int64 `json:"delivery_in_progress"`
}

// AdminOrderHandlers serves the merchant order console.
type AdminOrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	middlewares []func(http.Handler) http.Handler
}

// NewAdminOrderHandlers constructs the staff handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, middlewares ...func(http.Handler) http.Handler) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, middlewares: middlewares}
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.Require(auth.RoleStaff, auth.RoleAdmin))
	}
	for _, mw := range h.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Get("/", h.search)
	r.Get("/statistics", h.statistics)
	r.Get("/{orderID}", h.detail)
	r.Post("/{orderID}:confirm", h.confirm)
	r.Post("/{orderID}:reject", h.reject)
	r.Post("/{orderID}:cancel", h.cancel)
	r.Post("/{orderID}:dispatch", h.dispatch)
	r.Post("/{orderID}:complete", h.complete)
}

func (h *AdminOrderHandlers) search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	values := r.URL.Query()

	page, err := pagination.Parse(values, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	query := services.OrderSearchQuery{
		Number:   strings.TrimSpace(values.Get("number")),
		Phone:    strings.TrimSpace(values.Get("phone")),
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	if raw := strings.TrimSpace(values.Get("status")); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
			return
		}
		query.Status = &status
	}
	for _, bound := range []struct {
		name string
		dst  **time.Time
		end  bool
	}{
		{name: "begin", dst: &query.Begin},
		{name: "end", dst: &query.End, end: true},
	} {
		raw := strings.TrimSpace(values.Get(bound.name))
		if raw == "" {
			continue
		}
		ts, err := parseSearchTime(raw, bound.end)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", bound.name+" must be RFC3339 or YYYY-MM-DD", http.StatusBadRequest))
			return
		}
		*bound.dst = &ts
	}
	if query.Begin != nil && query.End != nil && query.End.Before(*query.Begin) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "end must not be before begin", http.StatusBadRequest))
		return
	}

	result, err := h.orders.Search(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Items))
	for _, summary := range result.Items {
		payload := buildOrderPayload(summary.Order)
		payload.OrderDishes = summary.OrderDishes
		items = append(items, payload)
	}
	httpx.WriteJSON(w, http.StatusOK, orderPageResponse{
		Items:    items,
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	})
}

// parseSearchTime accepts RFC3339 or a bare date. A bare end date covers the whole day.
func parseSearchTime(raw string, end bool) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	day, err := time.Parse(searchDateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		return day.Add(24*time.Hour - time.Nanosecond), nil
	}
	return day, nil
}

func (h *AdminOrderHandlers) statistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := h.orders.Statistics(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, statisticsResponse{
		ToBeConfirmed:      stats.ToBeConfirmed,
		Confirmed:          stats.Confirmed,
		DeliveryInProgress: stats.DeliveryInProgress,
	})
}

func (h *AdminOrderHandlers) detail(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	order, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		writeOrderError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, false, h.orders.Confirm)
}

func (h *AdminOrderHandlers) reject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, true, h.orders.Reject)
}

func (h *AdminOrderHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, true, h.orders.Cancel)
}

func (h *AdminOrderHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, false, h.orders.Dispatch)
}

func (h *AdminOrderHandlers) complete(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, false, h.orders.Complete)
}

type orderAction func(ctx context.Context, cmd services.OrderActionCommand) (services.Order, error)

func (h *AdminOrderHandlers) transition(w http.ResponseWriter, r *http.Request, needsReason bool, action orderAction) {
	ctx := r.Context()
	orderID, ok := pathOrderID(w, r)
	if !ok {
		return
	}

	cmd := services.OrderActionCommand{OrderID: orderID, ActorID: actorID(ctx)}
	if needsReason {
		var req orderReasonRequest
		if err := decodeAndValidate(r, &req, false); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		cmd.Reason = req.Reason
	}

	order, err := action(ctx, cmd)
	writeTransitionResult(w, r, order, err)
}
