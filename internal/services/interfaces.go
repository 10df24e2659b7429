package services

import (
	"context"
	"time"

	"github.com/medrelay/api/internal/domain"
	"github.com/medrelay/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	MedicationRequest = domain.MedicationRequest
	RequestStatus     = domain.RequestStatus
	UrgencyTier       = domain.UrgencyTier
	Order             = domain.Order
	OrderItem         = domain.OrderItem
	OrderStatus       = domain.OrderStatus
	PaymentStatus     = domain.PaymentStatus
	TrackingEvent     = domain.TrackingEvent
	Address           = domain.Address
	StockRecord       = domain.StockRecord
)

// Role classifies the acting user for authorization checks inside the workflows.
type Role string

const (
	// RolePatient is a regular end user who owns requests and orders.
	RolePatient Role = "patient"
	// RolePharmacy is pharmacy staff managing requests, stock and deliveries.
	RolePharmacy Role = "pharmacy"
	// RoleAdmin is an operator with unrestricted access.
	RoleAdmin Role = "admin"
)

// Actor identifies the already-authenticated caller of a workflow operation.
type Actor struct {
	ID   string
	Role Role
}

// Elevated reports whether the actor may act on resources they do not own.
func (a Actor) Elevated() bool {
	return a.Role == RolePharmacy || a.Role == RoleAdmin
}

// Notification is a fire-and-forget event for the external dispatcher.
type Notification struct {
	Event       string
	RecipientID string
	RequestID   string
	OrderID     string
	OccurredAt  time.Time
	Data        map[string]any
}

// Notifier delivers notifications to the external dispatch system. Failures
// are logged and swallowed by the services, never surfaced to callers.
type Notifier interface {
	Publish(ctx context.Context, notification Notification) error
}

// CreateRequestCommand captures the input for opening a medication request.
type CreateRequestCommand struct {
	Actor          Actor
	PharmacyID     string
	MedicationName string
	Quantity       int
	Urgency        UrgencyTier
	Notes          string
}

// RespondToRequestCommand captures a pharmacy's availability decision.
type RespondToRequestCommand struct {
	Actor          Actor
	RequestID      string
	Status         RequestStatus
	AvailableFrom  *time.Time
	AvailableUntil *time.Time
}

// UpdateRequestStatusCommand captures a generic request status change.
type UpdateRequestStatusCommand struct {
	Actor     Actor
	RequestID string
	Status    RequestStatus
}

// CancelRequestCommand withdraws a request before fulfillment.
type CancelRequestCommand struct {
	Actor     Actor
	RequestID string
	Reason    string
}

// ListRequestsQuery narrows request listings.
type ListRequestsQuery struct {
	PatientID  string
	PharmacyID string
	Status     RequestStatus
	Limit      int
}

// RequestService manages the medication request lifecycle outside of order
// fulfillment.
type RequestService interface {
	CreateRequest(ctx context.Context, cmd CreateRequestCommand) (MedicationRequest, error)
	GetRequest(ctx context.Context, actor Actor, requestID string) (MedicationRequest, error)
	ListRequests(ctx context.Context, actor Actor, query ListRequestsQuery) ([]MedicationRequest, error)
	RespondToRequest(ctx context.Context, cmd RespondToRequestCommand) (MedicationRequest, error)
	UpdateRequestStatus(ctx context.Context, cmd UpdateRequestStatusCommand) (MedicationRequest, error)
	CancelRequest(ctx context.Context, cmd CancelRequestCommand) (MedicationRequest, error)
}

// OrderItemInput is one caller-supplied order line.
type OrderItemInput struct {
	MedicationID   string
	MedicationName string
	Quantity       int
	UnitPrice      int64
}

// CreateOrderCommand captures the input for the atomic order creation workflow.
type CreateOrderCommand struct {
	Actor           Actor
	RequestID       string
	Items           []OrderItemInput
	DeliveryAddress Address
	DeliveryFee     int64
	Currency        string
	PaymentMethod   *string
}

// ProcessPaymentCommand charges an order through the payment gateway.
type ProcessPaymentCommand struct {
	Actor         Actor
	OrderID       string
	PaymentMethod string
}

// CancelOrderCommand runs the compensating cancellation workflow.
type CancelOrderCommand struct {
	Actor   Actor
	OrderID string
	Reason  string
}

// AdvanceOrderCommand moves an order along the delivery lifecycle.
type AdvanceOrderCommand struct {
	Actor    Actor
	OrderID  string
	Status   OrderStatus
	Location string
	Notes    string
}

// AssignDeliveryPartnerCommand attaches a delivery partner to an order.
type AssignDeliveryPartnerCommand struct {
	Actor             Actor
	OrderID           string
	DeliveryPartnerID string
	EstimatedDelivery *time.Time
}

// SetDeliveryFeeCommand changes the delivery fee before payment.
type SetDeliveryFeeCommand struct {
	Actor       Actor
	OrderID     string
	DeliveryFee int64
}

// ListOrdersQuery narrows order listings.
type ListOrdersQuery struct {
	UserID     string
	PharmacyID string
	Status     OrderStatus
	Limit      int
}

// FulfillmentService is the order fulfillment and cancellation workflow.
type FulfillmentService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (Order, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	AdvanceOrderStatus(ctx context.Context, cmd AdvanceOrderCommand) (Order, error)
	AssignDeliveryPartner(ctx context.Context, cmd AssignDeliveryPartnerCommand) (Order, error)
	SetDeliveryFee(ctx context.Context, cmd SetDeliveryFeeCommand) (Order, error)
	GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error)
	ListOrders(ctx context.Context, actor Actor, query ListOrdersQuery) ([]Order, error)
}

// UpsertStockCommand creates or replaces a stock record.
type UpsertStockCommand struct {
	Actor             Actor
	MedicationID      string
	PharmacyID        string
	MedicationName    string
	QuantityOnHand    int
	LowStockThreshold int
	UnitPrice         int64
	Currency          string
}

// RestockCommand adjusts a stock counter by a signed delta.
type RestockCommand struct {
	Actor        Actor
	MedicationID string
	Delta        int
}

// SetThresholdCommand changes the low stock threshold for one medication.
type SetThresholdCommand struct {
	Actor        Actor
	MedicationID string
	Threshold    int
}

// ListLowStockQuery pages through low stock records for a pharmacy.
type ListLowStockQuery struct {
	PharmacyID string
	PageSize   int
	PageToken  string
}

// LowStockPage aliases the repository page type for handler consumption.
type LowStockPage = repositories.LowStockPage

// StockService manages pharmacy inventory counters.
type StockService interface {
	GetStock(ctx context.Context, actor Actor, medicationID string) (StockRecord, error)
	UpsertStock(ctx context.Context, cmd UpsertStockCommand) (StockRecord, error)
	Restock(ctx context.Context, cmd RestockCommand) (StockRecord, error)
	SetThreshold(ctx context.Context, cmd SetThresholdCommand) (StockRecord, error)
	ListLowStock(ctx context.Context, actor Actor, query ListLowStockQuery) (LowStockPage, error)
}
