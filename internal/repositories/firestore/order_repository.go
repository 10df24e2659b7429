package firestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/medrelay/api/internal/domain"
	pfirestore "github.com/medrelay/api/internal/platform/firestore"
	"github.com/medrelay/api/internal/repositories"
)

const orderCollection = "orders"

type orderDocument struct {
	OrderNumber       string              `firestore:"orderNumber"`
	RequestID         string              `firestore:"requestId"`
	UserID            string              `firestore:"userId"`
	PharmacyID        string              `firestore:"pharmacyId"`
	Items             []orderItemDocument `firestore:"items"`
	Currency          string              `firestore:"currency"`
	Subtotal          int64               `firestore:"subtotal"`
	DeliveryFee       int64               `firestore:"deliveryFee"`
	Tax               int64               `firestore:"tax"`
	TotalAmount       int64               `firestore:"totalAmount"`
	DeliveryAddress   addressDocument     `firestore:"deliveryAddress"`
	Status            string              `firestore:"status"`
	DeliveryPartnerID *string             `firestore:"deliveryPartnerId,omitempty"`
	EstimatedDelivery *time.Time          `firestore:"estimatedDelivery,omitempty"`
	ActualDelivery    *time.Time          `firestore:"actualDelivery,omitempty"`
	PaymentStatus     string              `firestore:"paymentStatus"`
	PaymentMethod     *string             `firestore:"paymentMethod,omitempty"`
	PaymentIntentID   *string             `firestore:"paymentIntentId,omitempty"`
	Tracking          []trackingDocument  `firestore:"tracking"`
	InvoiceRef        *string             `firestore:"invoiceRef,omitempty"`
	CancelReason      *string             `firestore:"cancelReason,omitempty"`
	CreatedAt         time.Time           `firestore:"createdAt"`
	UpdatedAt         time.Time           `firestore:"updatedAt"`
	CancelledAt       *time.Time          `firestore:"cancelledAt,omitempty"`
}

type orderItemDocument struct {
	MedicationID   string `firestore:"medicationId"`
	MedicationName string `firestore:"medicationName"`
	Quantity       int    `firestore:"quantity"`
	UnitPrice      int64  `firestore:"unitPrice"`
	LineTotal      int64  `firestore:"lineTotal"`
}

type addressDocument struct {
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	Region     string `firestore:"region,omitempty"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
	Notes      string `firestore:"notes,omitempty"`
}

type trackingDocument struct {
	ID        string    `firestore:"id"`
	Status    string    `firestore:"status"`
	Location  string    `firestore:"location,omitempty"`
	Notes     string    `firestore:"notes,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// OrderRepository persists orders in Firestore.
type OrderRepository struct {
	base *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base: pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil),
	}, nil
}

// Insert creates a new order document, failing on duplicate IDs.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	_, err := r.base.Create(ctx, order.ID, encodeOrder(order))
	return err
}

// Save overwrites the order document.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) error {
	_, err := r.base.Set(ctx, order.ID, encodeOrder(order))
	return err
}

// FindByID loads one order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// List returns orders matching the filter, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderFilter) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if user := strings.TrimSpace(filter.UserID); user != "" {
			query = query.Where("userId", "==", user)
		}
		if pharmacy := strings.TrimSpace(filter.PharmacyID); pharmacy != "" {
			query = query.Where("pharmacyId", "==", pharmacy)
		}
		if filter.Status != "" {
			query = query.Where("status", "==", string(filter.Status))
		}
		query = query.OrderBy("createdAt", firestore.Desc)
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		return query
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}
	return orders, nil
}

// LatestSequenceForYear finds the greatest allocated order number suffix for a
// year by scanning the number range in descending order. Run inside a
// transaction the range read conflicts with concurrent allocations, which is
// what keeps the sequence free of duplicates.
func (r *OrderRepository) LatestSequenceForYear(ctx context.Context, year int) (int64, error) {
	lower := fmt.Sprintf("ORD-%d-", year)
	upper := lower + "\uf8ff"

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("orderNumber", ">=", lower).
			Where("orderNumber", "<", upper).
			OrderBy("orderNumber", firestore.Desc).
			Limit(1)
	})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	suffix := strings.TrimPrefix(docs[0].Data.OrderNumber, lower)
	seq, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("orders.sequence: malformed order number %q: %w", docs[0].Data.OrderNumber, err)
	}
	return seq, nil
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument(item))
	}
	tracking := make([]trackingDocument, 0, len(order.Tracking))
	for _, event := range order.Tracking {
		tracking = append(tracking, trackingDocument{
			ID:        event.ID,
			Status:    string(event.Status),
			Location:  event.Location,
			Notes:     event.Notes,
			CreatedAt: event.CreatedAt.UTC(),
		})
	}

	return orderDocument{
		OrderNumber:       order.OrderNumber,
		RequestID:         order.RequestID,
		UserID:            order.UserID,
		PharmacyID:        order.PharmacyID,
		Items:             items,
		Currency:          order.Currency,
		Subtotal:          order.Subtotal,
		DeliveryFee:       order.DeliveryFee,
		Tax:               order.Tax,
		TotalAmount:       order.TotalAmount,
		DeliveryAddress:   addressDocument(order.DeliveryAddress),
		Status:            string(order.Status),
		DeliveryPartnerID: order.DeliveryPartnerID,
		EstimatedDelivery: timePtrUTC(order.EstimatedDelivery),
		ActualDelivery:    timePtrUTC(order.ActualDelivery),
		PaymentStatus:     string(order.PaymentStatus),
		PaymentMethod:     order.PaymentMethod,
		PaymentIntentID:   order.PaymentIntentID,
		Tracking:          tracking,
		InvoiceRef:        order.InvoiceRef,
		CancelReason:      order.CancelReason,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
		CancelledAt:       timePtrUTC(order.CancelledAt),
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem(item))
	}
	tracking := make([]domain.TrackingEvent, 0, len(doc.Tracking))
	for _, event := range doc.Tracking {
		tracking = append(tracking, domain.TrackingEvent{
			ID:        event.ID,
			Status:    domain.OrderStatus(event.Status),
			Location:  event.Location,
			Notes:     event.Notes,
			CreatedAt: event.CreatedAt,
		})
	}

	return domain.Order{
		ID:                id,
		OrderNumber:       doc.OrderNumber,
		RequestID:         doc.RequestID,
		UserID:            doc.UserID,
		PharmacyID:        doc.PharmacyID,
		Items:             items,
		Currency:          doc.Currency,
		Subtotal:          doc.Subtotal,
		DeliveryFee:       doc.DeliveryFee,
		Tax:               doc.Tax,
		TotalAmount:       doc.TotalAmount,
		DeliveryAddress:   domain.Address(doc.DeliveryAddress),
		Status:            domain.OrderStatus(doc.Status),
		DeliveryPartnerID: doc.DeliveryPartnerID,
		EstimatedDelivery: doc.EstimatedDelivery,
		ActualDelivery:    doc.ActualDelivery,
		PaymentStatus:     domain.PaymentStatus(doc.PaymentStatus),
		PaymentMethod:     doc.PaymentMethod,
		PaymentIntentID:   doc.PaymentIntentID,
		Tracking:          tracking,
		InvoiceRef:        doc.InvoiceRef,
		CancelReason:      doc.CancelReason,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
		CancelledAt:       doc.CancelledAt,
	}
}
