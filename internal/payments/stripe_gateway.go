package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/takeout-platform/api/internal/services"
)

const (
	metadataOrderNumber = "order_number"
	metadataUserID      = "user_id"
	metadataReason      = "reason"

	defaultCurrency = "cny"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// stripeIntentSearch finds the most recent intent created for an order number.
type stripeIntentSearch func(ctx context.Context, orderNumber string) (*stripe.PaymentIntent, error)

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
	search  stripeIntentSearch
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Currency  string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clients   *stripeClients
}

// StripeGateway charges and refunds orders through Stripe PaymentIntents. Every request carries an
// idempotency key derived from the order number, so a retried charge or refund never doubles up.
type StripeGateway struct {
	api      stripeClients
	account  string
	currency string
	logger   StripeLogger
}

var _ services.PaymentGateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
			search: func(ctx context.Context, orderNumber string) (*stripe.PaymentIntent, error) {
				params := &stripe.PaymentIntentSearchParams{}
				params.Context = ctx
				params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataOrderNumber, orderNumber)
				iter := sc.PaymentIntents.Search(params)
				var latest *stripe.PaymentIntent
				for iter.Next() {
					intent := iter.PaymentIntent()
					if latest == nil || intent.Created > latest.Created {
						latest = intent
					}
				}
				if err := iter.Err(); err != nil {
					return nil, err
				}
				return latest, nil
			},
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:      clients,
		account:  strings.TrimSpace(cfg.AccountID),
		currency: currency,
		logger:   logger,
	}, nil
}

// Charge creates a PaymentIntent for the order, or returns the one already recorded on it.
func (g *StripeGateway) Charge(ctx context.Context, req services.ChargeRequest) (services.ChargeResult, error) {
	number := strings.TrimSpace(req.OrderNumber)
	if number == "" {
		return services.ChargeResult{}, errors.New("stripe: order number is required")
	}
	if req.Amount <= 0 {
		return services.ChargeResult{}, fmt.Errorf("stripe: invalid amount %d for order %s", req.Amount, number)
	}

	idempotencyKey := "charge-" + number
	if ref := strings.TrimSpace(req.PaymentRef); ref != "" {
		intent, err := g.api.intents.Get(ref, g.intentParams(ctx))
		if err != nil {
			return services.ChargeResult{}, fmt.Errorf("stripe: get payment intent: %w", err)
		}
		if intent.Status != stripe.PaymentIntentStatusCanceled {
			return chargeResult(intent), nil
		}
		// The plain key would replay the canceled intent.
		idempotencyKey += "-" + intent.ID
	}

	params := g.intentParams(ctx)
	params.Amount = stripe.Int64(req.Amount)
	params.Currency = stripe.String(g.currency)
	params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
		Enabled: stripe.Bool(true),
	}
	params.SetIdempotencyKey(idempotencyKey)
	params.AddMetadata(metadataOrderNumber, number)
	if userID := strings.TrimSpace(req.UserID); userID != "" {
		params.AddMetadata(metadataUserID, userID)
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		return services.ChargeResult{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderNumber":   number,
		"status":        string(intent.Status),
	})
	return chargeResult(intent), nil
}

// Refund returns the full charged amount. A charge that is already refunded counts as success.
func (g *StripeGateway) Refund(ctx context.Context, req services.RefundRequest) (services.RefundResult, error) {
	number := strings.TrimSpace(req.OrderNumber)
	if number == "" {
		return services.RefundResult{}, errors.New("stripe: order number is required")
	}

	intentID := strings.TrimSpace(req.PaymentRef)
	if intentID == "" {
		intent, err := g.findIntent(ctx, number)
		if err != nil {
			return services.RefundResult{}, err
		}
		if intent == nil {
			return services.RefundResult{}, fmt.Errorf("stripe: no payment intent for order %s", number)
		}
		intentID = intent.ID
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + number)
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.AddMetadata(metadataOrderNumber, number)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.AddMetadata(metadataReason, reason)
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			g.logger(ctx, "payments.stripe.refund.duplicate", map[string]any{
				"paymentIntent": intentID,
				"orderNumber":   number,
			})
			return services.RefundResult{Status: string(stripe.RefundStatusSucceeded)}, nil
		}
		return services.RefundResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.refund.created", map[string]any{
		"paymentIntent": intentID,
		"orderNumber":   number,
		"refundId":      refund.ID,
		"status":        string(refund.Status),
	})
	return services.RefundResult{RefundID: refund.ID, Status: string(refund.Status)}, nil
}

// Lookup reports the current state of the order's PaymentIntent. An order without any intent reports
// an unsucceeded lookup rather than an error.
func (g *StripeGateway) Lookup(ctx context.Context, req services.PaymentLookupRequest) (services.PaymentLookup, error) {
	var (
		intent *stripe.PaymentIntent
		err    error
	)
	if ref := strings.TrimSpace(req.PaymentRef); ref != "" {
		intent, err = g.api.intents.Get(ref, g.intentParams(ctx))
		if err != nil {
			return services.PaymentLookup{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
		}
	} else {
		intent, err = g.findIntent(ctx, strings.TrimSpace(req.OrderNumber))
		if err != nil {
			return services.PaymentLookup{}, err
		}
	}
	if intent == nil {
		return services.PaymentLookup{Status: "missing"}, nil
	}
	return services.PaymentLookup{
		IntentID:  intent.ID,
		Status:    string(intent.Status),
		Amount:    intent.Amount,
		Succeeded: intent.Status == stripe.PaymentIntentStatusSucceeded,
	}, nil
}

func (g *StripeGateway) findIntent(ctx context.Context, number string) (*stripe.PaymentIntent, error) {
	if number == "" {
		return nil, errors.New("stripe: order number is required")
	}
	if g.api.search == nil {
		return nil, nil
	}
	intent, err := g.api.search(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("stripe: search payment intents: %w", err)
	}
	return intent, nil
}

func (g *StripeGateway) intentParams(ctx context.Context) *stripe.PaymentIntentParams {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	return params
}

func chargeResult(intent *stripe.PaymentIntent) services.ChargeResult {
	return services.ChargeResult{
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       string(intent.Status),
		Succeeded:    intent.Status == stripe.PaymentIntentStatusSucceeded,
	}
}
