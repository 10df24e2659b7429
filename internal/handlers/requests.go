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

const maxRequestBodySize = 16 * 1024

// RequestHandlers exposes medication request endpoints.
type RequestHandlers struct {
	authn    *auth.Authenticator
	requests services.RequestService
}

// NewRequestHandlers constructs a new RequestHandlers instance.
func NewRequestHandlers(authn *auth.Authenticator, requests services.RequestService) *RequestHandlers {
	return &RequestHandlers{
		authn:    authn,
		requests: requests,
	}
}

// Routes registers the /requests endpoints.
func (h *RequestHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createRequest)
	r.Get("/", h.listRequests)
	r.Get("/{requestID}", h.getRequest)
	r.Post("/{requestID}:respond", h.respondToRequest)
	r.Post("/{requestID}:status", h.updateStatus)
	r.Post("/{requestID}:cancel", h.cancelRequest)
}

type createRequestBody struct {
	PharmacyID     string `json:"pharmacyId"`
	MedicationName string `json:"medicationName"`
	Quantity       int    `json:"quantity"`
	Urgency        string `json:"urgency"`
	Notes          string `json:"notes"`
}

type respondToRequestBody struct {
	Status         string `json:"status"`
	AvailableFrom  string `json:"availableFrom"`
	AvailableUntil string `json:"availableUntil"`
}

type updateRequestStatusBody struct {
	Status string `json:"status"`
}

type cancelRequestBody struct {
	Reason string `json:"reason"`
}

type requestPayload struct {
	ID             string `json:"id"`
	PatientID      string `json:"patientId"`
	PharmacyID     string `json:"pharmacyId"`
	MedicationName string `json:"medicationName"`
	Quantity       int    `json:"quantity"`
	Urgency        string `json:"urgency"`
	Status         string `json:"status"`
	Notes          string `json:"notes,omitempty"`
	RespondedAt    string `json:"respondedAt,omitempty"`
	AvailableFrom  string `json:"availableFrom,omitempty"`
	AvailableUntil string `json:"availableUntil,omitempty"`
	CancelReason   string `json:"cancelReason,omitempty"`
	CreatedAt      string `json:"createdAt"`
	UpdatedAt      string `json:"updatedAt"`
}

type requestListResponse struct {
	Items []requestPayload `json:"items"`
}

func (h *RequestHandlers) createRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body createRequestBody
	if err := decodeJSONBody(r, maxRequestBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	request, err := h.requests.CreateRequest(ctx, services.CreateRequestCommand{
		Actor:          actor,
		PharmacyID:     body.PharmacyID,
		MedicationName: body.MedicationName,
		Quantity:       body.Quantity,
		Urgency:        services.UrgencyTier(strings.TrimSpace(body.Urgency)),
		Notes:          body.Notes,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildRequestPayload(request))
}

func (h *RequestHandlers) listRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	query := r.URL.Query()
	requests, err := h.requests.ListRequests(ctx, actor, services.ListRequestsQuery{
		PatientID:  strings.TrimSpace(query.Get("patientId")),
		PharmacyID: strings.TrimSpace(query.Get("pharmacyId")),
		Status:     services.RequestStatus(strings.TrimSpace(query.Get("status"))),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	items := make([]requestPayload, 0, len(requests))
	for _, request := range requests {
		items = append(items, buildRequestPayload(request))
	}
	writeJSONResponse(w, http.StatusOK, requestListResponse{Items: items})
}

func (h *RequestHandlers) getRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	request, err := h.requests.GetRequest(ctx, actor, chi.URLParam(r, "requestID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRequestPayload(request))
}

func (h *RequestHandlers) respondToRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body respondToRequestBody
	if err := decodeJSONBody(r, maxRequestBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.RespondToRequestCommand{
		Actor:     actor,
		RequestID: chi.URLParam(r, "requestID"),
		Status:    services.RequestStatus(strings.TrimSpace(body.Status)),
	}
	if raw := strings.TrimSpace(body.AvailableFrom); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "availableFrom must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.AvailableFrom = &ts
	}
	if raw := strings.TrimSpace(body.AvailableUntil); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "availableUntil must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.AvailableUntil = &ts
	}

	request, err := h.requests.RespondToRequest(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRequestPayload(request))
}

func (h *RequestHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body updateRequestStatusBody
	if err := decodeJSONBody(r, maxRequestBodySize, &body); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	request, err := h.requests.UpdateRequestStatus(ctx, services.UpdateRequestStatusCommand{
		Actor:     actor,
		RequestID: chi.URLParam(r, "requestID"),
		Status:    services.RequestStatus(strings.TrimSpace(body.Status)),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRequestPayload(request))
}

func (h *RequestHandlers) cancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := actorFromRequest(r)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var body cancelRequestBody
	if err := decodeJSONBody(r, maxRequestBodySize, &body); err != nil && !isEmptyBodyErr(err) {
		writeBodyError(ctx, w, err)
		return
	}

	request, err := h.requests.CancelRequest(ctx, services.CancelRequestCommand{
		Actor:     actor,
		RequestID: chi.URLParam(r, "requestID"),
		Reason:    body.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildRequestPayload(request))
}

func buildRequestPayload(request services.MedicationRequest) requestPayload {
	return requestPayload{
		ID:             request.ID,
		PatientID:      request.PatientID,
		PharmacyID:     request.PharmacyID,
		MedicationName: request.MedicationName,
		Quantity:       request.Quantity,
		Urgency:        string(request.Urgency),
		Status:         string(request.Status),
		Notes:          request.Notes,
		RespondedAt:    formatTimePtr(request.RespondedAt),
		AvailableFrom:  formatTimePtr(request.AvailableFrom),
		AvailableUntil: formatTimePtr(request.AvailableUntil),
		CancelReason:   stringValue(request.CancelReason),
		CreatedAt:      formatTime(request.CreatedAt),
		UpdatedAt:      formatTime(request.UpdatedAt),
	}
}
