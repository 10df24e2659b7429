package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/medrelay/api/internal/domain"
	pfirestore "github.com/medrelay/api/internal/platform/firestore"
	"github.com/medrelay/api/internal/platform/pagination"
	"github.com/medrelay/api/internal/repositories"
)

const stockCollection = "stock"

type stockDocument struct {
	PharmacyID        string    `firestore:"pharmacyId"`
	MedicationName    string    `firestore:"medicationName"`
	QuantityOnHand    int       `firestore:"quantityOnHand"`
	LowStockThreshold int       `firestore:"lowStockThreshold"`
	UnitPrice         int64     `firestore:"unitPrice"`
	Currency          string    `firestore:"currency"`
	UpdatedAt         time.Time `firestore:"updatedAt"`
}

// StockRepository persists per-medication stock counters in Firestore.
type StockRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[stockDocument]
}

// NewStockRepository constructs a Firestore-backed stock repository.
func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	return &StockRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[stockDocument](provider, stockCollection, nil, nil),
	}, nil
}

// FindByID loads the stock record for one medication.
func (r *StockRepository) FindByID(ctx context.Context, medicationID string) (domain.StockRecord, error) {
	doc, err := r.base.Get(ctx, medicationID)
	if err != nil {
		return domain.StockRecord{}, wrapStockLookup("stock.get", medicationID, err)
	}
	return decodeStock(doc.ID, doc.Data), nil
}

// Upsert writes the full stock record, creating it when absent.
func (r *StockRepository) Upsert(ctx context.Context, record domain.StockRecord) (domain.StockRecord, error) {
	if strings.TrimSpace(record.ID) == "" {
		return domain.StockRecord{}, repositories.NewStockError(repositories.StockErrorInvalidDelta, "stock record id is required", nil)
	}
	if record.QuantityOnHand < 0 {
		return domain.StockRecord{}, repositories.NewStockError(repositories.StockErrorInvalidDelta, "quantity on hand cannot be negative", nil)
	}
	if _, err := r.base.Set(ctx, record.ID, encodeStock(record)); err != nil {
		return domain.StockRecord{}, err
	}
	return record, nil
}

// AdjustQuantities applies the guarded deltas inside one transaction. All
// records are read and bounds checked before any write is staged, so either
// every counter moves or none does.
func (r *StockRepository) AdjustQuantities(ctx context.Context, at time.Time, deltas []repositories.StockDelta) ([]domain.StockRecord, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	for _, delta := range deltas {
		if strings.TrimSpace(delta.MedicationID) == "" {
			return nil, repositories.NewStockError(repositories.StockErrorInvalidDelta, "medication id is required", nil)
		}
		if delta.Delta == 0 {
			return nil, repositories.NewStockError(repositories.StockErrorInvalidDelta, fmt.Sprintf("zero delta for medication %s", delta.MedicationID), nil)
		}
	}

	var updated []domain.StockRecord
	err := r.provider.RunTransaction(ctx, func(ctx context.Context) error {
		updated = updated[:0]

		records := make([]domain.StockRecord, 0, len(deltas))
		for _, delta := range deltas {
			record, err := r.FindByID(ctx, delta.MedicationID)
			if err != nil {
				return err
			}
			next := record.QuantityOnHand + delta.Delta
			if next < 0 {
				return &repositories.StockError{
					Op:           "stock.adjust",
					Code:         repositories.StockErrorInsufficient,
					MedicationID: delta.MedicationID,
					Available:    record.QuantityOnHand,
					Requested:    -delta.Delta,
					Message: fmt.Sprintf("medication %s has %d on hand, requested %d",
						delta.MedicationID, record.QuantityOnHand, -delta.Delta),
				}
			}
			record.QuantityOnHand = next
			record.UpdatedAt = at.UTC()
			records = append(records, record)
		}

		for _, record := range records {
			if _, err := r.base.Set(ctx, record.ID, encodeStock(record)); err != nil {
				return err
			}
		}
		updated = append(updated, records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetThreshold updates the low stock threshold for one medication.
func (r *StockRepository) SetThreshold(ctx context.Context, medicationID string, threshold int, at time.Time) (domain.StockRecord, error) {
	if threshold < 0 {
		return domain.StockRecord{}, repositories.NewStockError(repositories.StockErrorInvalidDelta, "threshold cannot be negative", nil)
	}

	var updated domain.StockRecord
	err := r.provider.RunTransaction(ctx, func(ctx context.Context) error {
		record, err := r.FindByID(ctx, medicationID)
		if err != nil {
			return err
		}
		record.LowStockThreshold = threshold
		record.UpdatedAt = at.UTC()
		if _, err := r.base.Set(ctx, record.ID, encodeStock(record)); err != nil {
			return err
		}
		updated = record
		return nil
	})
	if err != nil {
		return domain.StockRecord{}, err
	}
	return updated, nil
}

// ListLowStock pages through records at or below their threshold for a pharmacy.
// Firestore cannot compare two fields in one query, so the threshold filter is
// applied after the read.
func (r *StockRepository) ListLowStock(ctx context.Context, pharmacyID string, pageSize int, pageToken string) (repositories.LowStockPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if pharmacy := strings.TrimSpace(pharmacyID); pharmacy != "" {
			query = query.Where("pharmacyId", "==", pharmacy)
		}
		query = query.OrderBy(firestore.DocumentID, firestore.Asc)
		if token := strings.TrimSpace(pageToken); token != "" {
			if cursor, err := pagination.DecodeToken(token); err == nil && len(cursor.StartAfter) > 0 {
				query = query.StartAfter(cursor.StartAfter...)
			}
		}
		return query
	})
	if err != nil {
		return repositories.LowStockPage{}, err
	}

	page := repositories.LowStockPage{}
	for _, doc := range docs {
		record := decodeStock(doc.ID, doc.Data)
		if !record.LowStock() {
			continue
		}
		if len(page.Records) == pageSize {
			token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{page.Records[pageSize-1].ID}})
			if err != nil {
				return repositories.LowStockPage{}, err
			}
			page.NextPageToken = token
			return page, nil
		}
		page.Records = append(page.Records, record)
	}
	return page, nil
}

func wrapStockLookup(op, medicationID string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return &repositories.StockError{
			Op:           op,
			Code:         repositories.StockErrorNotFound,
			MedicationID: medicationID,
			Message:      fmt.Sprintf("no stock record for medication %s", medicationID),
			Err:          err,
		}
	}
	return err
}

func encodeStock(record domain.StockRecord) stockDocument {
	return stockDocument{
		PharmacyID:        record.PharmacyID,
		MedicationName:    record.MedicationName,
		QuantityOnHand:    record.QuantityOnHand,
		LowStockThreshold: record.LowStockThreshold,
		UnitPrice:         record.UnitPrice,
		Currency:          record.Currency,
		UpdatedAt:         record.UpdatedAt.UTC(),
	}
}

func decodeStock(id string, doc stockDocument) domain.StockRecord {
	return domain.StockRecord{
		ID:                id,
		PharmacyID:        doc.PharmacyID,
		MedicationName:    doc.MedicationName,
		QuantityOnHand:    doc.QuantityOnHand,
		LowStockThreshold: doc.LowStockThreshold,
		UnitPrice:         doc.UnitPrice,
		Currency:          doc.Currency,
		UpdatedAt:         doc.UpdatedAt,
	}
}
