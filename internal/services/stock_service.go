package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/medrelay/api/internal/domain"
	"github.com/medrelay/api/internal/repositories"
)

// StockServiceDeps bundles collaborators required to construct the stock service.
type StockServiceDeps struct {
	Stock  repositories.StockRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type stockService struct {
	stock  repositories.StockRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewStockService wires dependencies into a concrete StockService.
func NewStockService(deps StockServiceDeps) (StockService, error) {
	if deps.Stock == nil {
		return nil, errors.New("stock service: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &stockService{
		stock: deps.Stock,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetStock loads the stock record for one medication.
func (s *stockService) GetStock(ctx context.Context, actor Actor, medicationID string) (StockRecord, error) {
	if !actor.Elevated() {
		return StockRecord{}, fmt.Errorf("%w: only pharmacy staff may read stock levels", ErrForbidden)
	}
	if strings.TrimSpace(medicationID) == "" {
		return StockRecord{}, fmt.Errorf("%w: medication id is required", ErrInvalidInput)
	}
	record, err := s.stock.FindByID(ctx, medicationID)
	if err != nil {
		return StockRecord{}, s.mapStockError(err)
	}
	return record, nil
}

// UpsertStock creates or replaces a stock record.
func (s *stockService) UpsertStock(ctx context.Context, cmd UpsertStockCommand) (StockRecord, error) {
	if !cmd.Actor.Elevated() {
		return StockRecord{}, fmt.Errorf("%w: only pharmacy staff may manage stock", ErrForbidden)
	}
	if strings.TrimSpace(cmd.MedicationID) == "" {
		return StockRecord{}, fmt.Errorf("%w: medication id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.MedicationName) == "" {
		return StockRecord{}, fmt.Errorf("%w: medication name is required", ErrInvalidInput)
	}
	if cmd.QuantityOnHand < 0 {
		return StockRecord{}, fmt.Errorf("%w: quantity on hand cannot be negative", ErrInvalidInput)
	}
	if cmd.LowStockThreshold < 0 {
		return StockRecord{}, fmt.Errorf("%w: low stock threshold cannot be negative", ErrInvalidInput)
	}
	if cmd.UnitPrice < 0 {
		return StockRecord{}, fmt.Errorf("%w: unit price cannot be negative", ErrInvalidInput)
	}

	currency := strings.ToLower(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	record, err := s.stock.Upsert(ctx, domain.StockRecord{
		ID:                strings.TrimSpace(cmd.MedicationID),
		PharmacyID:        strings.TrimSpace(cmd.PharmacyID),
		MedicationName:    strings.TrimSpace(cmd.MedicationName),
		QuantityOnHand:    cmd.QuantityOnHand,
		LowStockThreshold: cmd.LowStockThreshold,
		UnitPrice:         cmd.UnitPrice,
		Currency:          currency,
		UpdatedAt:         s.now(),
	})
	if err != nil {
		return StockRecord{}, s.mapStockError(err)
	}
	return record, nil
}

// Restock adjusts one counter through the guarded primitive, so a negative
// delta can never drive the quantity below zero.
func (s *stockService) Restock(ctx context.Context, cmd RestockCommand) (StockRecord, error) {
	if !cmd.Actor.Elevated() {
		return StockRecord{}, fmt.Errorf("%w: only pharmacy staff may manage stock", ErrForbidden)
	}
	if strings.TrimSpace(cmd.MedicationID) == "" {
		return StockRecord{}, fmt.Errorf("%w: medication id is required", ErrInvalidInput)
	}
	if cmd.Delta == 0 {
		return StockRecord{}, fmt.Errorf("%w: delta cannot be zero", ErrInvalidInput)
	}

	records, err := s.stock.AdjustQuantities(ctx, s.now(), []repositories.StockDelta{{
		MedicationID: strings.TrimSpace(cmd.MedicationID),
		Delta:        cmd.Delta,
	}})
	if err != nil {
		return StockRecord{}, s.mapStockError(err)
	}
	if len(records) == 0 {
		return StockRecord{}, fmt.Errorf("%w: stock record for medication %s", ErrNotFound, cmd.MedicationID)
	}

	record := records[0]
	if record.LowStock() {
		s.logger(ctx, "stock.low", map[string]any{
			"medication": record.ID,
			"on_hand":    record.QuantityOnHand,
			"threshold":  record.LowStockThreshold,
		})
	}
	return record, nil
}

// SetThreshold changes the low stock threshold for one medication.
func (s *stockService) SetThreshold(ctx context.Context, cmd SetThresholdCommand) (StockRecord, error) {
	if !cmd.Actor.Elevated() {
		return StockRecord{}, fmt.Errorf("%w: only pharmacy staff may manage stock", ErrForbidden)
	}
	if strings.TrimSpace(cmd.MedicationID) == "" {
		return StockRecord{}, fmt.Errorf("%w: medication id is required", ErrInvalidInput)
	}
	if cmd.Threshold < 0 {
		return StockRecord{}, fmt.Errorf("%w: threshold cannot be negative", ErrInvalidInput)
	}

	record, err := s.stock.SetThreshold(ctx, strings.TrimSpace(cmd.MedicationID), cmd.Threshold, s.now())
	if err != nil {
		return StockRecord{}, s.mapStockError(err)
	}
	return record, nil
}

// ListLowStock pages through records at or below their reorder threshold.
func (s *stockService) ListLowStock(ctx context.Context, actor Actor, query ListLowStockQuery) (LowStockPage, error) {
	if !actor.Elevated() {
		return LowStockPage{}, fmt.Errorf("%w: only pharmacy staff may read stock levels", ErrForbidden)
	}
	page, err := s.stock.ListLowStock(ctx, strings.TrimSpace(query.PharmacyID), query.PageSize, query.PageToken)
	if err != nil {
		return LowStockPage{}, s.mapStockError(err)
	}
	return page, nil
}

func (s *stockService) mapStockError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorNotFound:
			return fmt.Errorf("%w: stock record for medication %s", ErrNotFound, stockErr.MedicationID)
		case repositories.StockErrorInsufficient:
			return fmt.Errorf("%w: medication %s has %d on hand, requested %d",
				ErrInsufficientStock, stockErr.MedicationID, stockErr.Available, stockErr.Requested)
		case repositories.StockErrorInvalidDelta:
			return fmt.Errorf("%w: %s", ErrInvalidInput, stockErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: stock record", ErrNotFound)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func (s *stockService) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock()
}
