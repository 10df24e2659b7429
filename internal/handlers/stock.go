package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/medrelay/api/internal/platform/auth"
	"github.com/medrelay/api/internal/platform/httpx"
	"github.com/medrelay/api/internal/platform/pagination"
	"github.com/medrelay/api/internal/services"
)

const (
	maxStockBodySize = 8 * 1024

	defaultLowStockPageSize = 50
	maxLowStockPageSize     = 200
)

// StockHandlers exposes pharmacy inventory endpoints.
type StockHandlers struct {
	authn *auth.Authenticator
	stock services.StockService
}

// NewStockHandlers constructs a new StockHandlers instance.
func NewStockHandlers(authn *auth.Authenticator, stock services.StockService) *StockHandlers {
	return &StockHandlers{
		authn: authn,
		stock: stock,
	}
}

// Routes registers the /stock endpoints. Inventory is staff-only, so the
// whole group requires pharmacy or admin roles.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RolePharmacy, auth.RoleAdmin))
	}
	r.Get("/low", h.listLowStock)
	r.Get("/{medicationID}", h.getStock)
	r.Put("/{medicationID}", h.upsertStock)
	r.Post("/{medicationID}:adjust", h.adjustStock)
	r.Post("/{medicationID}:threshold", h.setThreshold)
}

type upsertStockBody struct {
	PharmacyID        string `json:"pharmacyId"`
	MedicationName    string `json:"medicationName"`
	QuantityOnHand    int    `json:"quantityOnHand"`
	LowStockThreshold int    `json:"lowStockThreshold"`
	UnitPrice         int64  `json:"unitPrice"`
	Currency          string `json:"currency"`
}

type adjustStockBody struct {
	Delta int `json:"delta"`
}

type setThresholdBody struct {
	Threshold int `json:"threshold"`
}

type stockPayload struct {
	ID                string `json:"id"`
	PharmacyID        string `json:"pharmacyId"`
	MedicationName    string `json:"medicationName"`
	QuantityOnHand    int    `json:"quantityOnHand"`
	LowStockThreshold int    `json:"lowStockThreshold"`
	UnitPrice         int64  `json:"unitPrice"`
	Currency          string `json:"currency"`
	LowStock          bool   `json:"lowStock"`
	UpdatedAt         string `json:"updatedAt"`
}

type lowStockResponse struct {
	Items         []stockPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

func (h *StockHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	record, err := h.stock.GetStock(ctx, actor, chi.URLParam(r, "medicationID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockPayload(record))
}

func (h *StockHandlers) upsertStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body upsertStockBody
	if err := decodeJSONBody(r, maxStockBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	record, err := h.stock.UpsertStock(ctx, services.UpsertStockCommand{
		Actor:             actor,
		MedicationID:      chi.URLParam(r, "medicationID"),
		PharmacyID:        body.PharmacyID,
		MedicationName:    body.MedicationName,
		QuantityOnHand:    body.QuantityOnHand,
		LowStockThreshold: body.LowStockThreshold,
		UnitPrice:         body.UnitPrice,
		Currency:          body.Currency,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockPayload(record))
}

func (h *StockHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body adjustStockBody
	if err := decodeJSONBody(r, maxStockBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	record, err := h.stock.Restock(ctx, services.RestockCommand{
		Actor:        actor,
		MedicationID: chi.URLParam(r, "medicationID"),
		Delta:        body.Delta,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockPayload(record))
}

func (h *StockHandlers) setThreshold(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body setThresholdBody
	if err := decodeJSONBody(r, maxStockBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	record, err := h.stock.SetThreshold(ctx, services.SetThresholdCommand{
		Actor:        actor,
		MedicationID: chi.URLParam(r, "medicationID"),
		Threshold:    body.Threshold,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildStockPayload(record))
}

func (h *StockHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultLowStockPageSize,
		MaxPageSize:     maxLowStockPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.stock.ListLowStock(ctx, actor, services.ListLowStockQuery{
		PharmacyID: strings.TrimSpace(r.URL.Query().Get("pharmacyId")),
		PageSize:   params.PageSize,
		PageToken:  params.PageToken,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]stockPayload, 0, len(page.Records))
	for _, record := range page.Records {
		items = append(items, buildStockPayload(record))
	}
	writeJSONResponse(w, http.StatusOK, lowStockResponse{
		Items:         items,
		NextPageToken: page.NextPageToken,
	})
}

func buildStockPayload(record services.StockRecord) stockPayload {
	return stockPayload{
		ID:                record.ID,
		PharmacyID:        record.PharmacyID,
		MedicationName:    record.MedicationName,
		QuantityOnHand:    record.QuantityOnHand,
		LowStockThreshold: record.LowStockThreshold,
		UnitPrice:         record.UnitPrice,
		Currency:          record.Currency,
		LowStock:          record.LowStock(),
		UpdatedAt:         formatTime(record.UpdatedAt),
	}
}
