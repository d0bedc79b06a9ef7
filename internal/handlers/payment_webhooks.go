package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/takeout-platform/api/internal/payments"
	"github.com/takeout-platform/api/internal/platform/httpx"
	"github.com/takeout-platform/api/internal/services"
)

const (
	maxWebhookBodySize     = 64 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	paymentIntentSucceeded = "payment_intent.succeeded"
	webhookReceivedStatus  = "received"
	webhookIgnoredStatus   = "ignored"
	webhookConfirmedStatus = "confirmed"
)

// PaymentEventParser verifies and decodes a provider webhook.
type PaymentEventParser interface {
	Parse(payload []byte, signature string) (payments.PaymentEvent, error)
}

// PaymentConfirmer settles an order whose charge the provider reported as succeeded.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, number string, source services.PaymentSource) (services.Order, error)
}

// PaymentWebhookHandlers receives provider callbacks.
type PaymentWebhookHandlers struct {
	parser PaymentEventParser
	orders PaymentConfirmer
	logger func(context.Context, string, map[string]any)
}

// NewPaymentWebhookHandlers constructs the webhook endpoint. A nil logger discards events.
func NewPaymentWebhookHandlers(parser PaymentEventParser, orders PaymentConfirmer, logger func(ctx context.Context, event string, fields map[string]any)) *PaymentWebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentWebhookHandlers{parser: parser, orders: orders, logger: logger}
}

// Routes registers /webhooks/payments/stripe.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.stripe)
}

func (h *PaymentWebhookHandlers) stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.parser.Parse(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to decode webhook event", http.StatusBadRequest))
		return
	}

	if event.Type != paymentIntentSucceeded || !event.Succeeded || event.OrderNumber == "" {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": webhookReceivedStatus})
		return
	}

	fields := map[string]any{"eventId": event.ID, "number": event.OrderNumber, "intentId": event.IntentID}
	order, err := h.orders.ConfirmPayment(ctx, event.OrderNumber, services.PaymentSourceRecovery)
	switch {
	case err == nil:
		fields["status"] = order.Status.String()
		h.logger(ctx, "payments.webhook.confirmed", fields)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": webhookConfirmedStatus})
	case errors.Is(err, services.ErrOrderDependency):
		// A non-2xx answer makes the provider redeliver.
		fields["error"] = err.Error()
		h.logger(ctx, "payments.webhook.failed", fields)
		writeOrderError(ctx, w, err)
	default:
		// Unknown orders and orders that moved on cannot be settled by a redelivery either.
		fields["error"] = err.Error()
		h.logger(ctx, "payments.webhook.ignored", fields)
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": webhookIgnoredStatus})
	}
}
