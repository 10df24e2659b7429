package payments

import "context"

// Status normalises gateway payment states.
type Status string

const (
	// StatusPending indicates the intent exists but has not settled.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the charge completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the charge attempt failed.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the charge was refunded.
	StatusRefunded Status = "refunded"
)

// CreateIntentRequest describes a charge to be attempted.
type CreateIntentRequest struct {
	Amount         int64
	Currency       string
	PaymentMethod  string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the gateway's representation of an attempted charge.
type Intent struct {
	ID       string
	Status   Status
	Amount   int64
	Currency string
}

// RefundRequest describes a refund against a prior intent. A zero Amount
// refunds the full charge.
type RefundRequest struct {
	IntentID       string
	Amount         int64
	Reason         string
	IdempotencyKey string
}

// Refund is the gateway's representation of an issued refund.
type Refund struct {
	ID     string
	Status Status
}

// Gateway abstracts the external payment processor. Calls are never part of
// the local datastore transaction; callers treat any error as a payment
// failure and record it on their side.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	ConfirmIntent(ctx context.Context, intentID string) (Intent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
}
