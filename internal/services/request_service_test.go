package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/medrelay/api/internal/domain"
)

type requestFixture struct {
	store    *memStore
	repo     *memRequestRepo
	notifier *captureNotifier
	service  RequestService
}

func newRequestFixture(t *testing.T) *requestFixture {
	t.Helper()

	store := newMemStore()
	f := &requestFixture{
		store:    store,
		repo:     &memRequestRepo{store: store},
		notifier: &captureNotifier{},
	}

	seq := 0
	service, err := NewRequestService(RequestServiceDeps{
		Requests: f.repo,
		Notifier: f.notifier,
		Clock:    func() time.Time { return testNow },
		IDGenerator: func() string {
			seq++
			return "FIXED" + string(rune('0'+seq))
		},
	})
	if err != nil {
		t.Fatalf("NewRequestService: %v", err)
	}
	f.service = service
	return f
}

func (f *requestFixture) seedRequest(status RequestStatus) MedicationRequest {
	request := MedicationRequest{
		ID:             "req-1",
		PatientID:      "patient-1",
		PharmacyID:     "pharmacy-1",
		MedicationName: "Metformin 850mg",
		Quantity:       1,
		Urgency:        domain.UrgencyUrgent,
		Status:         status,
		CreatedAt:      testNow.Add(-time.Hour),
		UpdatedAt:      testNow.Add(-time.Hour),
	}
	f.store.requests[request.ID] = request
	return request
}

func TestCreateRequestDefaults(t *testing.T) {
	f := newRequestFixture(t)

	request, err := f.service.CreateRequest(context.Background(), CreateRequestCommand{
		Actor:          Actor{ID: "patient-1", Role: RolePatient},
		PharmacyID:     "pharmacy-1",
		MedicationName: "  Metformin 850mg ",
		Quantity:       2,
		Notes:          "with food",
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if request.Status != domain.RequestStatusPending {
		t.Errorf("status = %s, want pending", request.Status)
	}
	if request.Urgency != domain.UrgencyRoutine {
		t.Errorf("urgency = %s, want routine default", request.Urgency)
	}
	if request.MedicationName != "Metformin 850mg" {
		t.Errorf("medication name not trimmed: %q", request.MedicationName)
	}
	if !strings.HasPrefix(request.ID, "req_") {
		t.Errorf("id = %q, want req_ prefix", request.ID)
	}
	if _, ok := f.store.requests[request.ID]; !ok {
		t.Error("request not persisted")
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f := newRequestFixture(t)

	cases := []struct {
		name string
		cmd  CreateRequestCommand
	}{
		{"missing actor", CreateRequestCommand{PharmacyID: "p", MedicationName: "m", Quantity: 1}},
		{"missing pharmacy", CreateRequestCommand{Actor: Actor{ID: "u"}, MedicationName: "m", Quantity: 1}},
		{"missing medication", CreateRequestCommand{Actor: Actor{ID: "u"}, PharmacyID: "p", Quantity: 1}},
		{"zero quantity", CreateRequestCommand{Actor: Actor{ID: "u"}, PharmacyID: "p", MedicationName: "m"}},
		{"negative quantity", CreateRequestCommand{Actor: Actor{ID: "u"}, PharmacyID: "p", MedicationName: "m", Quantity: -1}},
		{"bad urgency", CreateRequestCommand{Actor: Actor{ID: "u"}, PharmacyID: "p", MedicationName: "m", Quantity: 1, Urgency: "asap"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.service.CreateRequest(context.Background(), tc.cmd); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestGetRequestOwnership(t *testing.T) {
	f := newRequestFixture(t)
	f.seedRequest(domain.RequestStatusPending)

	if _, err := f.service.GetRequest(context.Background(), Actor{ID: "patient-1", Role: RolePatient}, "req-1"); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := f.service.GetRequest(context.Background(), Actor{ID: "patient-2", Role: RolePatient}, "req-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger read err = %v, want ErrForbidden", err)
	}
	if _, err := f.service.GetRequest(context.Background(), Actor{ID: "staff-1", Role: RolePharmacy}, "req-1"); err != nil {
		t.Fatalf("staff read: %v", err)
	}
	if _, err := f.service.GetRequest(context.Background(), Actor{ID: "patient-1", Role: RolePatient}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing read err = %v, want ErrNotFound", err)
	}
}

func TestListRequestsScopesPatients(t *testing.T) {
	f := newRequestFixture(t)
	f.store.requests["req-1"] = MedicationRequest{ID: "req-1", PatientID: "patient-1"}
	f.store.requests["req-2"] = MedicationRequest{ID: "req-2", PatientID: "patient-2"}

	requests, err := f.service.ListRequests(context.Background(), Actor{ID: "patient-1", Role: RolePatient}, ListRequestsQuery{PatientID: "patient-2"})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(requests) != 1 || requests[0].ID != "req-1" {
		t.Errorf("patient saw foreign requests: %+v", requests)
	}
}

func TestRespondToRequestAvailable(t *testing.T) {
	f := newRequestFixture(t)
	f.seedRequest(domain.RequestStatusProcessing)
	from := testNow.Add(time.Hour)
	until := testNow.Add(48 * time.Hour)

	request, err := f.service.RespondToRequest(context.Background(), RespondToRequestCommand{
		Actor:          Actor{ID: "staff-1", Role: RolePharmacy},
		RequestID:      "req-1",
		Status:         domain.RequestStatusAvailable,
		AvailableFrom:  &from,
		AvailableUntil: &until,
	})
	if err != nil {
		t.Fatalf("RespondToRequest: %v", err)
	}
	if request.Status != domain.RequestStatusAvailable {
		t.Errorf("status = %s, want available", request.Status)
	}
	if request.RespondedAt == nil || !request.RespondedAt.Equal(testNow) {
		t.Errorf("responded at = %v, want stamped", request.RespondedAt)
	}
	if request.AvailableFrom == nil || request.AvailableUntil == nil {
		t.Errorf("availability window missing: %+v", request)
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0].Event != "request.responded" {
		t.Errorf("notifications = %+v", f.notifier.published)
	}
}

func TestRespondToRequestRules(t *testing.T) {
	f := newRequestFixture(t)
	f.seedRequest(domain.RequestStatusPending)

	_, err := f.service.RespondToRequest(context.Background(), RespondToRequestCommand{
		Actor: Actor{ID: "patient-1", Role: RolePatient}, RequestID: "req-1", Status: domain.RequestStatusAvailable,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient respond err = %v, want ErrForbidden", err)
	}

	_, err = f.service.RespondToRequest(context.Background(), RespondToRequestCommand{
		Actor: Actor{ID: "staff-1", Role: RolePharmacy}, RequestID: "req-1", Status: domain.RequestStatusFulfilled,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("fulfilled respond err = %v, want ErrInvalidInput", err)
	}

	// pending must pass through processing before a decision.
	_, err = f.service.RespondToRequest(context.Background(), RespondToRequestCommand{
		Actor: Actor{ID: "staff-1", Role: RolePharmacy}, RequestID: "req-1", Status: domain.RequestStatusAvailable,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending->available err = %v, want ErrInvalidTransition", err)
	}
	if !strings.Contains(err.Error(), "allowed") {
		t.Errorf("error should list allowed transitions: %v", err)
	}
}

func TestUpdateRequestStatus(t *testing.T) {
	f := newRequestFixture(t)
	f.seedRequest(domain.RequestStatusPending)
	staff := Actor{ID: "staff-1", Role: RolePharmacy}

	request, err := f.service.UpdateRequestStatus(context.Background(), UpdateRequestStatusCommand{
		Actor: staff, RequestID: "req-1", Status: domain.RequestStatusProcessing,
	})
	if err != nil {
		t.Fatalf("UpdateRequestStatus: %v", err)
	}
	if request.Status != domain.RequestStatusProcessing {
		t.Errorf("status = %s, want processing", request.Status)
	}

	if _, err := f.service.UpdateRequestStatus(context.Background(), UpdateRequestStatusCommand{
		Actor: staff, RequestID: "req-1", Status: domain.RequestStatusFulfilled,
	}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("fulfilled via status update err = %v, want ErrInvalidState", err)
	}

	if _, err := f.service.UpdateRequestStatus(context.Background(), UpdateRequestStatusCommand{
		Actor: staff, RequestID: "req-1", Status: "archived",
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown status err = %v, want ErrInvalidInput", err)
	}

	if _, err := f.service.UpdateRequestStatus(context.Background(), UpdateRequestStatusCommand{
		Actor: Actor{ID: "patient-1", Role: RolePatient}, RequestID: "req-1", Status: domain.RequestStatusProcessing,
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient status update err = %v, want ErrForbidden", err)
	}
}

func TestCancelRequest(t *testing.T) {
	f := newRequestFixture(t)
	f.seedRequest(domain.RequestStatusAvailable)

	request, err := f.service.CancelRequest(context.Background(), CancelRequestCommand{
		Actor:     Actor{ID: "patient-1", Role: RolePatient},
		RequestID: "req-1",
		Reason:    "found elsewhere",
	})
	if err != nil {
		t.Fatalf("CancelRequest: %v", err)
	}
	if request.Status != domain.RequestStatusCancelled {
		t.Errorf("status = %s, want cancelled", request.Status)
	}
	if request.CancelReason == nil || *request.CancelReason != "found elsewhere" {
		t.Errorf("cancel reason = %v", request.CancelReason)
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0].Event != "request.cancelled" {
		t.Errorf("notifications = %+v", f.notifier.published)
	}
}

func TestCancelRequestGuards(t *testing.T) {
	f := newRequestFixture(t)
	f.seedRequest(domain.RequestStatusPending)

	if _, err := f.service.CancelRequest(context.Background(), CancelRequestCommand{
		Actor: Actor{ID: "patient-2", Role: RolePatient}, RequestID: "req-1",
	}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger cancel err = %v, want ErrForbidden", err)
	}

	for _, status := range []RequestStatus{domain.RequestStatusFulfilled, domain.RequestStatusCancelled} {
		f.seedRequest(status)
		_, err := f.service.CancelRequest(context.Background(), CancelRequestCommand{
			Actor: Actor{ID: "patient-1", Role: RolePatient}, RequestID: "req-1",
		})
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("cancel %s err = %v, want ErrInvalidState", status, err)
		}
		if !strings.Contains(err.Error(), string(status)) {
			t.Errorf("error should name the terminal state: %v", err)
		}
	}
}
