package payments

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/takeout-platform/api/internal/services"
)

const sandboxIntentPrefix = "pi_sandbox_"

// SandboxGateway settles every charge synchronously and keeps state in memory. It backs local
// development when no Stripe key is configured.
type SandboxGateway struct {
	mu       sync.Mutex
	charges  map[string]int64
	refunded map[string]bool
}

var _ services.PaymentGateway = (*SandboxGateway)(nil)

// NewSandboxGateway returns an empty sandbox.
func NewSandboxGateway() *SandboxGateway {
	return &SandboxGateway{
		charges:  make(map[string]int64),
		refunded: make(map[string]bool),
	}
}

func (g *SandboxGateway) Charge(_ context.Context, req services.ChargeRequest) (services.ChargeResult, error) {
	number := strings.TrimSpace(req.OrderNumber)
	if number == "" {
		return services.ChargeResult{}, errors.New("sandbox: order number is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.charges[number]; !ok {
		g.charges[number] = req.Amount
	}
	return services.ChargeResult{
		IntentID:     sandboxIntentPrefix + number,
		ClientSecret: sandboxIntentPrefix + number + "_secret",
		Status:       "succeeded",
		Succeeded:    true,
	}, nil
}

func (g *SandboxGateway) Refund(_ context.Context, req services.RefundRequest) (services.RefundResult, error) {
	number := strings.TrimSpace(req.OrderNumber)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.charges[number]; !ok {
		return services.RefundResult{}, errors.New("sandbox: no charge for order " + number)
	}
	g.refunded[number] = true
	return services.RefundResult{RefundID: "re_sandbox_" + number, Status: "succeeded"}, nil
}

func (g *SandboxGateway) Lookup(_ context.Context, req services.PaymentLookupRequest) (services.PaymentLookup, error) {
	number := strings.TrimSpace(req.OrderNumber)
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.charges[number]
	if !ok {
		return services.PaymentLookup{Status: "missing"}, nil
	}
	status := "succeeded"
	if g.refunded[number] {
		status = "refunded"
	}
	return services.PaymentLookup{
		IntentID:  sandboxIntentPrefix + number,
		Status:    status,
		Amount:    amount,
		Succeeded: true,
	}, nil
}

// Refunded reports whether the order's sandbox charge was refunded.
func (g *SandboxGateway) Refunded(number string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[number]
}
