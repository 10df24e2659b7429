package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/medrelay/api/internal/domain"
	pfirestore "github.com/medrelay/api/internal/platform/firestore"
	"github.com/medrelay/api/internal/repositories"
)

const requestCollection = "medicationRequests"

type requestDocument struct {
	PatientID      string     `firestore:"patientId"`
	PharmacyID     string     `firestore:"pharmacyId"`
	MedicationName string     `firestore:"medicationName"`
	Quantity       int        `firestore:"quantity"`
	Urgency        string     `firestore:"urgency"`
	Status         string     `firestore:"status"`
	Notes          string     `firestore:"notes,omitempty"`
	RespondedAt    *time.Time `firestore:"respondedAt,omitempty"`
	AvailableFrom  *time.Time `firestore:"availableFrom,omitempty"`
	AvailableUntil *time.Time `firestore:"availableUntil,omitempty"`
	CancelReason   *string    `firestore:"cancelReason,omitempty"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
}

// RequestRepository persists medication requests in Firestore.
type RequestRepository struct {
	base *pfirestore.BaseRepository[requestDocument]
}

// NewRequestRepository constructs a Firestore-backed request repository.
func NewRequestRepository(provider *pfirestore.Provider) (*RequestRepository, error) {
	if provider == nil {
		return nil, errors.New("request repository requires firestore provider")
	}
	return &RequestRepository{
		base: pfirestore.NewBaseRepository[requestDocument](provider, requestCollection, nil, nil),
	}, nil
}

// Insert creates a new request document, failing on duplicate IDs.
func (r *RequestRepository) Insert(ctx context.Context, request domain.MedicationRequest) error {
	_, err := r.base.Create(ctx, request.ID, encodeRequest(request))
	return err
}

// Save overwrites the request document.
func (r *RequestRepository) Save(ctx context.Context, request domain.MedicationRequest) error {
	_, err := r.base.Set(ctx, request.ID, encodeRequest(request))
	return err
}

// FindByID loads one request by its identifier.
func (r *RequestRepository) FindByID(ctx context.Context, id string) (domain.MedicationRequest, error) {
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.MedicationRequest{}, err
	}
	return decodeRequest(doc.ID, doc.Data), nil
}

// List returns requests matching the filter, newest first.
func (r *RequestRepository) List(ctx context.Context, filter repositories.RequestFilter) ([]domain.MedicationRequest, error) {
	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		if patient := strings.TrimSpace(filter.PatientID); patient != "" {
			query = query.Where("patientId", "==", patient)
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

	requests := make([]domain.MedicationRequest, 0, len(docs))
	for _, doc := range docs {
		requests = append(requests, decodeRequest(doc.ID, doc.Data))
	}
	return requests, nil
}

func encodeRequest(request domain.MedicationRequest) requestDocument {
	return requestDocument{
		PatientID:      request.PatientID,
		PharmacyID:     request.PharmacyID,
		MedicationName: request.MedicationName,
		Quantity:       request.Quantity,
		Urgency:        string(request.Urgency),
		Status:         string(request.Status),
		Notes:          request.Notes,
		RespondedAt:    timePtrUTC(request.RespondedAt),
		AvailableFrom:  timePtrUTC(request.AvailableFrom),
		AvailableUntil: timePtrUTC(request.AvailableUntil),
		CancelReason:   request.CancelReason,
		CreatedAt:      request.CreatedAt.UTC(),
		UpdatedAt:      request.UpdatedAt.UTC(),
	}
}

func decodeRequest(id string, doc requestDocument) domain.MedicationRequest {
	return domain.MedicationRequest{
		ID:             id,
		PatientID:      doc.PatientID,
		PharmacyID:     doc.PharmacyID,
		MedicationName: doc.MedicationName,
		Quantity:       doc.Quantity,
		Urgency:        domain.UrgencyTier(doc.Urgency),
		Status:         domain.RequestStatus(doc.Status),
		Notes:          doc.Notes,
		RespondedAt:    doc.RespondedAt,
		AvailableFrom:  doc.AvailableFrom,
		AvailableUntil: doc.AvailableUntil,
		CancelReason:   doc.CancelReason,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

func timePtrUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
