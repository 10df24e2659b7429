package repositories

import (
	"context"
	"time"

	"github.com/medrelay/api/internal/domain"
)

// RepositoryError describes persistence failures in a backend agnostic way.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork coordinates multi-repository work inside one atomic transaction.
// Repository calls made with the context passed to fn join that transaction;
// any error from fn aborts it with no observable mutation.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// RequestFilter narrows medication request listings.
type RequestFilter struct {
	PatientID  string
	PharmacyID string
	Status     domain.RequestStatus
	Limit      int
}

// RequestRepository persists medication requests.
type RequestRepository interface {
	Insert(ctx context.Context, request domain.MedicationRequest) error
	Save(ctx context.Context, request domain.MedicationRequest) error
	FindByID(ctx context.Context, id string) (domain.MedicationRequest, error)
	List(ctx context.Context, filter RequestFilter) ([]domain.MedicationRequest, error)
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	UserID     string
	PharmacyID string
	Status     domain.OrderStatus
	Limit      int
}

// OrderRepository persists orders and answers order-number queries.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Save(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, id string) (domain.Order, error)
	List(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
	// LatestSequenceForYear returns the numeric suffix of the greatest order
	// number allocated in the given year, or 0 when none exists. Inside a
	// transaction the read participates in its conflict detection.
	LatestSequenceForYear(ctx context.Context, year int) (int64, error)
}

// StockDelta describes one guarded quantity adjustment.
type StockDelta struct {
	MedicationID string
	Delta        int
}

// LowStockPage is one page of low stock records with a continuation token.
type LowStockPage struct {
	Records       []domain.StockRecord
	NextPageToken string
}

// StockRepository persists per-medication stock counters.
type StockRepository interface {
	FindByID(ctx context.Context, medicationID string) (domain.StockRecord, error)
	Upsert(ctx context.Context, record domain.StockRecord) (domain.StockRecord, error)
	// AdjustQuantities applies every delta or none. Each adjustment is bounds
	// checked so no counter can go negative; all reads happen before any write
	// so the call can participate in a transaction.
	AdjustQuantities(ctx context.Context, at time.Time, deltas []StockDelta) ([]domain.StockRecord, error)
	SetThreshold(ctx context.Context, medicationID string, threshold int, at time.Time) (domain.StockRecord, error)
	ListLowStock(ctx context.Context, pharmacyID string, pageSize int, pageToken string) (LowStockPage, error)
}

// Registry exposes the repository set backed by one datastore.
type Registry interface {
	Requests() RequestRepository
	Orders() OrderRepository
	Stock() StockRepository
	UnitOfWork() UnitOfWork
}
