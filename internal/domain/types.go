package domain

import "time"

// UrgencyTier classifies how quickly a medication request needs attention.
type UrgencyTier string

const (
	// UrgencyRoutine indicates a standard refill with no time pressure.
	UrgencyRoutine UrgencyTier = "routine"
	// UrgencyUrgent indicates the patient needs the medication within a day.
	UrgencyUrgent UrgencyTier = "urgent"
	// UrgencyEmergency indicates the request should be handled immediately.
	UrgencyEmergency UrgencyTier = "emergency"
)

// RequestStatus enumerates valid lifecycle states for medication requests.
type RequestStatus string

const (
	// RequestStatusPending indicates the request awaits pharmacy triage.
	RequestStatusPending RequestStatus = "pending"
	// RequestStatusProcessing indicates the pharmacy is checking availability.
	RequestStatusProcessing RequestStatus = "processing"
	// RequestStatusAvailable indicates the pharmacy confirmed stock and the request can be ordered.
	RequestStatusAvailable RequestStatus = "available"
	// RequestStatusUnavailable indicates the pharmacy cannot supply the medication.
	RequestStatusUnavailable RequestStatus = "unavailable"
	// RequestStatusFulfilled indicates an order was created from the request.
	RequestStatusFulfilled RequestStatus = "fulfilled"
	// RequestStatusCancelled indicates the request was withdrawn before fulfillment.
	RequestStatusCancelled RequestStatus = "cancelled"
)

// MedicationRequest captures a patient's ask for a medication from one pharmacy.
type MedicationRequest struct {
	ID             string
	PatientID      string
	PharmacyID     string
	MedicationName string
	Quantity       int
	Urgency        UrgencyTier
	Status         RequestStatus
	Notes          string
	RespondedAt    *time.Time
	AvailableFrom  *time.Time
	AvailableUntil *time.Time
	CancelReason   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OrderStatus enumerates valid delivery lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusConfirmed indicates the order was created from an available request.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPacked indicates the pharmacy packed the items for pickup.
	OrderStatusPacked OrderStatus = "packed"
	// OrderStatusOutForDelivery indicates a delivery partner carries the order.
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	// OrderStatusDelivered indicates the order reached the patient.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled and compensated.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus enumerates payment bookkeeping states kept on an order.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no successful charge has been recorded yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the gateway confirmed the charge.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the most recent charge attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates a refund was issued during cancellation.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Order is a confirmed, billable, deliverable unit created from exactly one request.
// All monetary fields are integer minor units of Currency.
type Order struct {
	ID                string
	OrderNumber       string
	RequestID         string
	UserID            string
	PharmacyID        string
	Items             []OrderItem
	Currency          string
	Subtotal          int64
	DeliveryFee       int64
	Tax               int64
	TotalAmount       int64
	DeliveryAddress   Address
	Status            OrderStatus
	DeliveryPartnerID *string
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	PaymentStatus     PaymentStatus
	PaymentMethod     *string
	PaymentIntentID   *string
	Tracking          []TrackingEvent
	InvoiceRef        *string
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CancelledAt       *time.Time
}

// OrderItem records one medication line at the price it was ordered for.
type OrderItem struct {
	MedicationID   string
	MedicationName string
	Quantity       int
	UnitPrice      int64
	LineTotal      int64
}

// Address is the delivery destination snapshot stored on the order.
type Address struct {
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Phone      string
	Notes      string
}

// TrackingEvent is an append-only log entry recording an order status change.
type TrackingEvent struct {
	ID        string
	Status    OrderStatus
	Location  string
	Notes     string
	CreatedAt time.Time
}

// StockRecord is the inventory counter for one medication at one pharmacy.
type StockRecord struct {
	ID                string
	PharmacyID        string
	MedicationName    string
	QuantityOnHand    int
	LowStockThreshold int
	UnitPrice         int64
	Currency          string
	UpdatedAt         time.Time
}

// LowStock reports whether the record sits at or below its reorder threshold.
func (s StockRecord) LowStock() bool {
	return s.QuantityOnHand <= s.LowStockThreshold
}
