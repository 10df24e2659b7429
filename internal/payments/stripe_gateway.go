package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	clients  *stripeClients
}

// StripeGateway implements Gateway using Stripe payment intents and refunds.
type StripeGateway struct {
	api    stripeClients
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent creates a Stripe payment intent for the requested amount.
func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Intent{}, errors.New("stripe: currency is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if method := strings.TrimSpace(req.PaymentMethod); method != "" {
		params.PaymentMethod = stripe.String(method)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := g.api.intents.New(params)
	if err != nil {
		g.logger(ctx, "stripe.intent.create_failed", map[string]any{"error": err.Error()})
		return Intent{}, fmt.Errorf("stripe: create intent: %w", err)
	}

	g.logger(ctx, "stripe.intent.created", map[string]any{
		"intent_id": intent.ID,
		"amount":    intent.Amount,
		"at":        g.clock(),
	})
	return normaliseIntent(intent), nil
}

// ConfirmIntent confirms a previously created payment intent.
func (g *StripeGateway) ConfirmIntent(ctx context.Context, intentID string) (Intent, error) {
	if g == nil {
		return Intent{}, errors.New("stripe: gateway is nil")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Intent{}, errors.New("stripe: intent id is required")
	}

	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx

	intent, err := g.api.intents.Confirm(intentID, params)
	if err != nil {
		g.logger(ctx, "stripe.intent.confirm_failed", map[string]any{
			"intent_id": intentID,
			"error":     err.Error(),
		})
		return Intent{}, fmt.Errorf("stripe: confirm intent %s: %w", intentID, err)
	}

	normalised := normaliseIntent(intent)
	if normalised.Status != StatusSucceeded {
		return normalised, fmt.Errorf("stripe: intent %s not settled, status %s", intentID, intent.Status)
	}
	return normalised, nil
}

// CreateRefund issues a refund for a settled payment intent.
func (g *StripeGateway) CreateRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if g == nil {
		return Refund{}, errors.New("stripe: gateway is nil")
	}
	intentID := strings.TrimSpace(req.IntentID)
	if intentID == "" {
		return Refund{}, errors.New("stripe: intent id is required")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
	}
	params.Context = ctx
	if req.Amount > 0 {
		params.Amount = stripe.Int64(req.Amount)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.Metadata = map[string]string{"reason": reason}
	}

	refund, err := g.api.refunds.New(params)
	if err != nil {
		g.logger(ctx, "stripe.refund.failed", map[string]any{
			"intent_id": intentID,
			"error":     err.Error(),
		})
		return Refund{}, fmt.Errorf("stripe: refund intent %s: %w", intentID, err)
	}

	g.logger(ctx, "stripe.refund.created", map[string]any{
		"intent_id": intentID,
		"refund_id": refund.ID,
	})
	return Refund{ID: refund.ID, Status: normaliseRefundStatus(refund.Status)}, nil
}

func normaliseIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	return Intent{
		ID:       intent.ID,
		Status:   normaliseIntentStatus(intent.Status),
		Amount:   intent.Amount,
		Currency: string(intent.Currency),
	}
}

func normaliseIntentStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func normaliseRefundStatus(status stripe.RefundStatus) Status {
	switch status {
	case stripe.RefundStatusSucceeded, stripe.RefundStatusPending:
		return StatusRefunded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return StatusFailed
	default:
		return StatusRefunded
	}
}
