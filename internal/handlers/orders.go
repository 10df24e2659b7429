package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/medrelay/api/internal/platform/auth"
	"github.com/medrelay/api/internal/platform/httpx"
	"github.com/medrelay/api/internal/services"
)

const maxOrderBodySize = 32 * 1024

// OrderHandlers exposes delivery order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	fulfillment services.FulfillmentService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, fulfillment services.FulfillmentService) *OrderHandlers {
	return &OrderHandlers{
		authn:       authn,
		fulfillment: fulfillment,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:pay", h.processPayment)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:advance", h.advanceStatus)
	r.Post("/{orderID}:assign-partner", h.assignPartner)
	r.Post("/{orderID}:set-fee", h.setDeliveryFee)
}

type orderItemBody struct {
	MedicationID   string `json:"medicationId"`
	MedicationName string `json:"medicationName"`
	Quantity       int    `json:"quantity"`
	UnitPrice      int64  `json:"unitPrice"`
}

type addressBody struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type createOrderBody struct {
	RequestID       string          `json:"requestId"`
	Items           []orderItemBody `json:"items"`
	DeliveryAddress addressBody     `json:"deliveryAddress"`
	DeliveryFee     int64           `json:"deliveryFee"`
	Currency        string          `json:"currency"`
	PaymentMethod   string          `json:"paymentMethod"`
}

type processPaymentBody struct {
	PaymentMethod string `json:"paymentMethod"`
}

type cancelOrderBody struct {
	Reason string `json:"reason"`
}

type advanceOrderBody struct {
	Status   string `json:"status"`
	Location string `json:"location"`
	Notes    string `json:"notes"`
}

type assignPartnerBody struct {
	DeliveryPartnerID string `json:"deliveryPartnerId"`
	EstimatedDelivery string `json:"estimatedDelivery"`
}

type setDeliveryFeeBody struct {
	DeliveryFee int64 `json:"deliveryFee"`
}

type orderItemPayload struct {
	MedicationID   string `json:"medicationId"`
	MedicationName string `json:"medicationName"`
	Quantity       int    `json:"quantity"`
	UnitPrice      int64  `json:"unitPrice"`
	LineTotal      int64  `json:"lineTotal"`
}

type trackingEventPayload struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Location  string `json:"location,omitempty"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type orderPayload struct {
	ID                string                 `json:"id"`
	OrderNumber       string                 `json:"orderNumber"`
	RequestID         string                 `json:"requestId"`
	UserID            string                 `json:"userId"`
	PharmacyID        string                 `json:"pharmacyId"`
	Items             []orderItemPayload     `json:"items"`
	Currency          string                 `json:"currency"`
	Subtotal          int64                  `json:"subtotal"`
	DeliveryFee       int64                  `json:"deliveryFee"`
	Tax               int64                  `json:"tax"`
	TotalAmount       int64                  `json:"totalAmount"`
	DeliveryAddress   addressBody            `json:"deliveryAddress"`
	Status            string                 `json:"status"`
	DeliveryPartnerID string                 `json:"deliveryPartnerId,omitempty"`
	EstimatedDelivery string                 `json:"estimatedDelivery,omitempty"`
	ActualDelivery    string                 `json:"actualDelivery,omitempty"`
	PaymentStatus     string                 `json:"paymentStatus"`
	PaymentMethod     string                 `json:"paymentMethod,omitempty"`
	PaymentIntentID   string                 `json:"paymentIntentId,omitempty"`
	Tracking          []trackingEventPayload `json:"tracking,omitempty"`
	InvoiceRef        string                 `json:"invoiceRef,omitempty"`
	CancelReason      string                 `json:"cancelReason,omitempty"`
	CreatedAt         string                 `json:"createdAt"`
	UpdatedAt         string                 `json:"updatedAt"`
	CancelledAt       string                 `json:"cancelledAt,omitempty"`
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body createOrderBody
	if err := decodeJSONBody(r, maxOrderBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.CreateOrderCommand{
		Actor:       actor,
		RequestID:   body.RequestID,
		DeliveryFee: body.DeliveryFee,
		Currency:    body.Currency,
		DeliveryAddress: services.Address{
			Line1:      body.DeliveryAddress.Line1,
			Line2:      body.DeliveryAddress.Line2,
			City:       body.DeliveryAddress.City,
			Region:     body.DeliveryAddress.Region,
			PostalCode: body.DeliveryAddress.PostalCode,
			Phone:      body.DeliveryAddress.Phone,
			Notes:      body.DeliveryAddress.Notes,
		},
	}
	if method := strings.TrimSpace(body.PaymentMethod); method != "" {
		cmd.PaymentMethod = &method
	}
	for _, item := range body.Items {
		cmd.Items = append(cmd.Items, services.OrderItemInput{
			MedicationID:   item.MedicationID,
			MedicationName: item.MedicationName,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
		})
	}

	order, err := h.fulfillment.CreateOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	orders, err := h.fulfillment.ListOrders(ctx, actor, services.ListOrdersQuery{
		UserID:     strings.TrimSpace(query.Get("userId")),
		PharmacyID: strings.TrimSpace(query.Get("pharmacyId")),
		Status:     services.OrderStatus(strings.TrimSpace(query.Get("status"))),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	order, err := h.fulfillment.GetOrder(ctx, actor, chi.URLParam(r, "orderID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) processPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body processPaymentBody
	if err := decodeJSONBody(r, maxOrderBodySize, &body); err != nil && !isEmptyBodyErr(err) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.fulfillment.ProcessPayment(ctx, services.ProcessPaymentCommand{
		Actor:         actor,
		OrderID:       chi.URLParam(r, "orderID"),
		PaymentMethod: strings.TrimSpace(body.PaymentMethod),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body cancelOrderBody
	if err := decodeJSONBody(r, maxOrderBodySize, &body); err != nil && !isEmptyBodyErr(err) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.fulfillment.CancelOrder(ctx, services.CancelOrderCommand{
		Actor:   actor,
		OrderID: chi.URLParam(r, "orderID"),
		Reason:  body.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) advanceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body advanceOrderBody
	if err := decodeJSONBody(r, maxOrderBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.fulfillment.AdvanceOrderStatus(ctx, services.AdvanceOrderCommand{
		Actor:    actor,
		OrderID:  chi.URLParam(r, "orderID"),
		Status:   services.OrderStatus(strings.TrimSpace(body.Status)),
		Location: body.Location,
		Notes:    body.Notes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) assignPartner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body assignPartnerBody
	if err := decodeJSONBody(r, maxOrderBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.AssignDeliveryPartnerCommand{
		Actor:             actor,
		OrderID:           chi.URLParam(r, "orderID"),
		DeliveryPartnerID: strings.TrimSpace(body.DeliveryPartnerID),
	}
	if raw := strings.TrimSpace(body.EstimatedDelivery); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "estimatedDelivery must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.EstimatedDelivery = &ts
	}

	order, err := h.fulfillment.AssignDeliveryPartner(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) setDeliveryFee(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body setDeliveryFeeBody
	if err := decodeJSONBody(r, maxOrderBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.fulfillment.SetDeliveryFee(ctx, services.SetDeliveryFeeCommand{
		Actor:       actor,
		OrderID:     chi.URLParam(r, "orderID"),
		DeliveryFee: body.DeliveryFee,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                order.ID,
		OrderNumber:       order.OrderNumber,
		RequestID:         order.RequestID,
		UserID:            order.UserID,
		PharmacyID:        order.PharmacyID,
		Currency:          order.Currency,
		Subtotal:          order.Subtotal,
		DeliveryFee:       order.DeliveryFee,
		Tax:               order.Tax,
		TotalAmount:       order.TotalAmount,
		Status:            string(order.Status),
		DeliveryPartnerID: stringValue(order.DeliveryPartnerID),
		EstimatedDelivery: formatTimePtr(order.EstimatedDelivery),
		ActualDelivery:    formatTimePtr(order.ActualDelivery),
		PaymentStatus:     string(order.PaymentStatus),
		PaymentMethod:     stringValue(order.PaymentMethod),
		PaymentIntentID:   stringValue(order.PaymentIntentID),
		InvoiceRef:        stringValue(order.InvoiceRef),
		CancelReason:      stringValue(order.CancelReason),
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
		DeliveryAddress: addressBody{
			Line1:      order.DeliveryAddress.Line1,
			Line2:      order.DeliveryAddress.Line2,
			City:       order.DeliveryAddress.City,
			Region:     order.DeliveryAddress.Region,
			PostalCode: order.DeliveryAddress.PostalCode,
			Phone:      order.DeliveryAddress.Phone,
			Notes:      order.DeliveryAddress.Notes,
		},
	}
	payload.Items = make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			MedicationID:   item.MedicationID,
			MedicationName: item.MedicationName,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			LineTotal:      item.LineTotal,
		})
	}
	for _, event := range order.Tracking {
		payload.Tracking = append(payload.Tracking, trackingEventPayload{
			ID:        event.ID,
			Status:    string(event.Status),
			Location:  event.Location,
			Notes:     event.Notes,
			CreatedAt: formatTime(event.CreatedAt),
		})
	}
	return payload
}
