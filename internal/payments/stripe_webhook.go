package payments

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const defaultWebhookTolerance = 5 * time.Minute

// ErrInvalidSignature is returned when a webhook payload fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// PaymentEvent is the part of a Stripe event the order service acts upon.
type PaymentEvent struct {
	ID          string
	Type        string
	IntentID    string
	OrderNumber string
	Amount      int64
	Succeeded   bool
}

// StripeWebhookVerifier checks Stripe-Signature headers and decodes PaymentIntent events.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeWebhookVerifier constructs a verifier for the endpoint signing secret.
func NewStripeWebhookVerifier(secret string) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	return &StripeWebhookVerifier{secret: secret, tolerance: defaultWebhookTolerance}, nil
}

// Parse verifies the signature and extracts the payment intent. Events that do not concern payment
// intents are returned with an empty IntentID.
func (v *StripeWebhookVerifier) Parse(payload []byte, signature string) (PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result := PaymentEvent{ID: event.ID, Type: string(event.Type)}
	if !strings.HasPrefix(result.Type, "payment_intent.") || event.Data == nil {
		return result, nil
	}

	var intent stripe.PaymentIntent
	if err := intent.UnmarshalJSON(event.Data.Raw); err != nil {
		return PaymentEvent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}
	result.IntentID = intent.ID
	result.OrderNumber = strings.TrimSpace(intent.Metadata[metadataOrderNumber])
	result.Amount = intent.Amount
	result.Succeeded = intent.Status == stripe.PaymentIntentStatusSucceeded
	return result, nil
}
