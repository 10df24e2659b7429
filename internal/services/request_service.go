package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/medrelay/api/internal/domain"
	"github.com/medrelay/api/internal/repositories"
)

const (
	eventRequestResponded = "request.responded"
	eventRequestCancelled = "request.cancelled"

	requestIDPrefix = "req_"
)

// RequestServiceDeps bundles collaborators required to construct the request service.
type RequestServiceDeps struct {
	Requests    repositories.RequestRepository
	Notifier    Notifier
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type requestService struct {
	requests repositories.RequestRepository
	notifier Notifier
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewRequestService wires dependencies into a concrete RequestService.
func NewRequestService(deps RequestServiceDeps) (RequestService, error) {
	if deps.Requests == nil {
		return nil, errors.New("request service: request repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &requestService{
		requests: deps.Requests,
		notifier: deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateRequest opens a new pending request for the acting patient.
func (s *requestService) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (MedicationRequest, error) {
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return MedicationRequest{}, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.PharmacyID) == "" {
		return MedicationRequest{}, fmt.Errorf("%w: pharmacy id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.MedicationName) == "" {
		return MedicationRequest{}, fmt.Errorf("%w: medication name is required", ErrInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return MedicationRequest{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}

	urgency := cmd.Urgency
	switch urgency {
	case "":
		urgency = domain.UrgencyRoutine
	case domain.UrgencyRoutine, domain.UrgencyUrgent, domain.UrgencyEmergency:
	default:
		return MedicationRequest{}, fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, urgency)
	}

	now := s.now()
	request := MedicationRequest{
		ID:             requestIDPrefix + s.newID(),
		PatientID:      cmd.Actor.ID,
		PharmacyID:     strings.TrimSpace(cmd.PharmacyID),
		MedicationName: strings.TrimSpace(cmd.MedicationName),
		Quantity:       cmd.Quantity,
		Urgency:        urgency,
		Status:         domain.RequestStatusPending,
		Notes:          strings.TrimSpace(cmd.Notes),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.requests.Insert(ctx, request); err != nil {
		return MedicationRequest{}, s.mapRepositoryError(err, fmt.Sprintf("request %s", request.ID))
	}
	return request, nil
}

// GetRequest loads one request for its owner or for pharmacy staff.
func (s *requestService) GetRequest(ctx context.Context, actor Actor, requestID string) (MedicationRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return MedicationRequest{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	request, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return MedicationRequest{}, s.mapRepositoryError(err, fmt.Sprintf("request %s", requestID))
	}
	if !actor.Elevated() && actor.ID != request.PatientID {
		return MedicationRequest{}, fmt.Errorf("%w: request %s does not belong to actor %s", ErrForbidden, request.ID, actor.ID)
	}
	return request, nil
}

// ListRequests returns requests visible to the actor. Patients only ever see
// their own requests regardless of the supplied filter.
func (s *requestService) ListRequests(ctx context.Context, actor Actor, query ListRequestsQuery) ([]MedicationRequest, error) {
	filter := repositories.RequestFilter{
		PatientID:  strings.TrimSpace(query.PatientID),
		PharmacyID: strings.TrimSpace(query.PharmacyID),
		Status:     query.Status,
		Limit:      query.Limit,
	}
	if !actor.Elevated() {
		filter.PatientID = actor.ID
		filter.PharmacyID = ""
	}
	requests, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err, "requests")
	}
	return requests, nil
}

// RespondToRequest records a pharmacy's availability decision.
func (s *requestService) RespondToRequest(ctx context.Context, cmd RespondToRequestCommand) (MedicationRequest, error) {
	if !cmd.Actor.Elevated() {
		return MedicationRequest{}, fmt.Errorf("%w: only pharmacy staff may respond to requests", ErrForbidden)
	}
	switch cmd.Status {
	case domain.RequestStatusProcessing, domain.RequestStatusAvailable, domain.RequestStatusUnavailable:
	default:
		return MedicationRequest{}, fmt.Errorf("%w: response status must be processing, available or unavailable", ErrInvalidInput)
	}

	request, err := s.transition(ctx, cmd.RequestID, cmd.Status, func(request *MedicationRequest, now time.Time) {
		if cmd.Status != domain.RequestStatusProcessing {
			request.RespondedAt = &now
		}
		if cmd.Status == domain.RequestStatusAvailable {
			request.AvailableFrom = cmd.AvailableFrom
			request.AvailableUntil = cmd.AvailableUntil
		}
	})
	if err != nil {
		return MedicationRequest{}, err
	}

	s.publish(ctx, Notification{
		Event:       eventRequestResponded,
		RecipientID: request.PatientID,
		RequestID:   request.ID,
		OccurredAt:  request.UpdatedAt,
		Data:        map[string]any{"status": string(request.Status)},
	})
	return request, nil
}

// UpdateRequestStatus applies a generic staff-driven status change. Fulfilled
// is reserved for the order workflow and rejected here.
func (s *requestService) UpdateRequestStatus(ctx context.Context, cmd UpdateRequestStatusCommand) (MedicationRequest, error) {
	if !cmd.Actor.Elevated() {
		return MedicationRequest{}, fmt.Errorf("%w: only pharmacy staff may update request status", ErrForbidden)
	}
	if !domain.ValidRequestStatus(cmd.Status) {
		return MedicationRequest{}, fmt.Errorf("%w: unknown request status %q", ErrInvalidInput, cmd.Status)
	}
	if cmd.Status == domain.RequestStatusFulfilled {
		return MedicationRequest{}, fmt.Errorf("%w: requests become fulfilled through order creation only", ErrInvalidState)
	}
	return s.transition(ctx, cmd.RequestID, cmd.Status, nil)
}

// CancelRequest withdraws a request from any non-terminal state.
func (s *requestService) CancelRequest(ctx context.Context, cmd CancelRequestCommand) (MedicationRequest, error) {
	if strings.TrimSpace(cmd.RequestID) == "" {
		return MedicationRequest{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}

	current, err := s.requests.FindByID(ctx, cmd.RequestID)
	if err != nil {
		return MedicationRequest{}, s.mapRepositoryError(err, fmt.Sprintf("request %s", cmd.RequestID))
	}
	if !cmd.Actor.Elevated() && cmd.Actor.ID != current.PatientID {
		return MedicationRequest{}, fmt.Errorf("%w: request %s does not belong to actor %s", ErrForbidden, current.ID, cmd.Actor.ID)
	}
	if domain.RequestStatusTerminal(current.Status) {
		return MedicationRequest{}, fmt.Errorf("%w: cannot cancel a %s request", ErrInvalidState, current.Status)
	}

	reason := strings.TrimSpace(cmd.Reason)
	request, err := s.transition(ctx, cmd.RequestID, domain.RequestStatusCancelled, func(request *MedicationRequest, _ time.Time) {
		if reason != "" {
			request.CancelReason = &reason
		}
	})
	if err != nil {
		return MedicationRequest{}, err
	}

	s.publish(ctx, Notification{
		Event:       eventRequestCancelled,
		RecipientID: request.PatientID,
		RequestID:   request.ID,
		OccurredAt:  request.UpdatedAt,
	})
	return request, nil
}

// transition loads the request, checks the lifecycle edge and persists the
// mutated record.
func (s *requestService) transition(ctx context.Context, requestID string, target RequestStatus, mutate func(*MedicationRequest, time.Time)) (MedicationRequest, error) {
	if strings.TrimSpace(requestID) == "" {
		return MedicationRequest{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}

	request, err := s.requests.FindByID(ctx, requestID)
	if err != nil {
		return MedicationRequest{}, s.mapRepositoryError(err, fmt.Sprintf("request %s", requestID))
	}
	if !domain.CanRequestTransition(request.Status, target) {
		return MedicationRequest{}, fmt.Errorf("%w: request %s cannot move from %s to %s, allowed: %v",
			ErrInvalidTransition, request.ID, request.Status, target,
			domain.AllowedRequestTransitions(request.Status))
	}

	now := s.now()
	request.Status = target
	request.UpdatedAt = now
	if mutate != nil {
		mutate(&request, now)
	}
	if err := s.requests.Save(ctx, request); err != nil {
		return MedicationRequest{}, s.mapRepositoryError(err, fmt.Sprintf("request %s", request.ID))
	}
	return request, nil
}

func (s *requestService) mapRepositoryError(err error, subject string) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %s", ErrNotFound, subject)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

func (s *requestService) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock()
}

func (s *requestService) publish(ctx context.Context, notification Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notification); err != nil {
		s.logger(ctx, "notification.publish.failed", map[string]any{
			"event":   notification.Event,
			"request": notification.RequestID,
			"error":   err.Error(),
		})
	}
}
