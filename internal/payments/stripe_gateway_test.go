package payments

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stripe/stripe-go/v78"
)

type stubIntentAPI struct {
	newFn     func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	confirmFn func(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	getFn     func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if s.newFn == nil {
		return nil, errors.New("unexpected New call")
	}
	return s.newFn(params)
}

func (s *stubIntentAPI) Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
	if s.confirmFn == nil {
		return nil, errors.New("unexpected Confirm call")
	}
	return s.confirmFn(id, params)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	if s.getFn == nil {
		return nil, errors.New("unexpected Get call")
	}
	return s.getFn(id, params)
}

type stubRefundAPI struct {
	newFn func(params *stripe.RefundParams) (*stripe.Refund, error)
}

func (s *stubRefundAPI) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	if s.newFn == nil {
		return nil, errors.New("unexpected refund call")
	}
	return s.newFn(params)
}

func newTestGateway(t *testing.T, intents *stubIntentAPI, refunds *stubRefundAPI) *StripeGateway {
	t.Helper()
	gateway, err := NewStripeGateway(StripeGatewayConfig{
		clients: &stripeClients{intents: intents, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}
	return gateway
}

func TestCreateIntentBuildsParams(t *testing.T) {
	var captured *stripe.PaymentIntentParams
	intents := &stubIntentAPI{
		newFn: func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			captured = params
			return &stripe.PaymentIntent{
				ID:       "pi_123",
				Status:   stripe.PaymentIntentStatusRequiresConfirmation,
				Amount:   1558,
				Currency: stripe.CurrencyUSD,
			}, nil
		},
	}
	gateway := newTestGateway(t, intents, &stubRefundAPI{})

	intent, err := gateway.CreateIntent(context.Background(), CreateIntentRequest{
		Amount:         1558,
		Currency:       "USD",
		PaymentMethod:  "pm_card",
		IdempotencyKey: "order-ORD-2025-000042",
		Metadata:       map[string]string{"orderId": "order-1"},
	})
	if err != nil {
		t.Fatalf("CreateIntent: %v", err)
	}
	if intent.ID != "pi_123" || intent.Status != StatusPending {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if captured == nil {
		t.Fatal("expected params to be captured")
	}
	if got := stripe.Int64Value(captured.Amount); got != 1558 {
		t.Errorf("amount = %d, want 1558", got)
	}
	if got := stripe.StringValue(captured.Currency); got != "usd" {
		t.Errorf("currency = %q, want usd", got)
	}
	if got := stripe.StringValue(captured.PaymentMethod); got != "pm_card" {
		t.Errorf("payment method = %q, want pm_card", got)
	}
	if captured.Metadata["orderId"] != "order-1" {
		t.Errorf("metadata = %v", captured.Metadata)
	}
}

func TestCreateIntentValidation(t *testing.T) {
	gateway := newTestGateway(t, &stubIntentAPI{}, &stubRefundAPI{})

	if _, err := gateway.CreateIntent(context.Background(), CreateIntentRequest{Amount: 0, Currency: "usd"}); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := gateway.CreateIntent(context.Background(), CreateIntentRequest{Amount: 100}); err == nil {
		t.Error("expected error for missing currency")
	}
}

func TestConfirmIntentSucceeded(t *testing.T) {
	intents := &stubIntentAPI{
		confirmFn: func(id string, _ *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			if id != "pi_123" {
				t.Errorf("confirm id = %q", id)
			}
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded, Amount: 1558}, nil
		},
	}
	gateway := newTestGateway(t, intents, &stubRefundAPI{})

	intent, err := gateway.ConfirmIntent(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("ConfirmIntent: %v", err)
	}
	if intent.Status != StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", intent.Status)
	}
}

func TestConfirmIntentUnsettled(t *testing.T) {
	intents := &stubIntentAPI{
		confirmFn: func(id string, _ *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusRequiresAction}, nil
		},
	}
	gateway := newTestGateway(t, intents, &stubRefundAPI{})

	if _, err := gateway.ConfirmIntent(context.Background(), "pi_123"); err == nil {
		t.Fatal("expected error for unsettled intent")
	} else if !strings.Contains(err.Error(), "not settled") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCreateRefundFullAmount(t *testing.T) {
	var captured *stripe.RefundParams
	refunds := &stubRefundAPI{
		newFn: func(params *stripe.RefundParams) (*stripe.Refund, error) {
			captured = params
			return &stripe.Refund{ID: "re_1", Status: stripe.RefundStatusSucceeded}, nil
		},
	}
	gateway := newTestGateway(t, &stubIntentAPI{}, refunds)

	refund, err := gateway.CreateRefund(context.Background(), RefundRequest{IntentID: "pi_123", Reason: "order cancelled"})
	if err != nil {
		t.Fatalf("CreateRefund: %v", err)
	}
	if refund.Status != StatusRefunded {
		t.Fatalf("status = %s, want refunded", refund.Status)
	}
	if captured.Amount != nil {
		t.Error("full refund must not set an amount")
	}
	if got := stripe.StringValue(captured.PaymentIntent); got != "pi_123" {
		t.Errorf("payment intent = %q", got)
	}
}

func TestCreateRefundGatewayError(t *testing.T) {
	refunds := &stubRefundAPI{
		newFn: func(*stripe.RefundParams) (*stripe.Refund, error) {
			return nil, errors.New("stripe unavailable")
		},
	}
	gateway := newTestGateway(t, &stubIntentAPI{}, refunds)

	if _, err := gateway.CreateRefund(context.Background(), RefundRequest{IntentID: "pi_123"}); err == nil {
		t.Fatal("expected gateway error to propagate")
	}
}
