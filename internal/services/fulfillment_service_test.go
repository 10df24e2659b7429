package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/medrelay/api/internal/domain"
	"github.com/medrelay/api/internal/payments"
	"github.com/medrelay/api/internal/repositories"
)

var testNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

// memStore is the shared backing state for the in-memory repositories.
type memStore struct {
	requests map[string]MedicationRequest
	orders   map[string]Order
	stock    map[string]StockRecord
}

func newMemStore() *memStore {
	return &memStore{
		requests: map[string]MedicationRequest{},
		orders:   map[string]Order{},
		stock:    map[string]StockRecord{},
	}
}

func (m *memStore) snapshot() *memStore {
	clone := newMemStore()
	for k, v := range m.requests {
		clone.requests[k] = v
	}
	for k, v := range m.orders {
		clone.orders[k] = v
	}
	for k, v := range m.stock {
		clone.stock[k] = v
	}
	return clone
}

func (m *memStore) restore(snap *memStore) {
	m.requests = snap.requests
	m.orders = snap.orders
	m.stock = snap.stock
}

type notFoundError struct{ subject string }

func (e notFoundError) Error() string      { return e.subject + " not found" }
func (notFoundError) IsNotFound() bool     { return true }
func (notFoundError) IsConflict() bool     { return false }
func (notFoundError) IsUnavailable() bool  { return false }

type conflictError struct{ subject string }

func (e conflictError) Error() string      { return e.subject + " conflict" }
func (conflictError) IsNotFound() bool     { return false }
func (conflictError) IsConflict() bool     { return true }
func (conflictError) IsUnavailable() bool  { return false }

type memRequestRepo struct {
	store  *memStore
	saveFn func(request MedicationRequest) error
}

func (r *memRequestRepo) Insert(_ context.Context, request MedicationRequest) error {
	if _, exists := r.store.requests[request.ID]; exists {
		return conflictError{subject: "request " + request.ID}
	}
	r.store.requests[request.ID] = request
	return nil
}

func (r *memRequestRepo) Save(_ context.Context, request MedicationRequest) error {
	if r.saveFn != nil {
		if err := r.saveFn(request); err != nil {
			return err
		}
	}
	if _, exists := r.store.requests[request.ID]; !exists {
		return notFoundError{subject: "request " + request.ID}
	}
	r.store.requests[request.ID] = request
	return nil
}

func (r *memRequestRepo) FindByID(_ context.Context, id string) (MedicationRequest, error) {
	request, ok := r.store.requests[id]
	if !ok {
		return MedicationRequest{}, notFoundError{subject: "request " + id}
	}
	return request, nil
}

func (r *memRequestRepo) List(_ context.Context, filter repositories.RequestFilter) ([]MedicationRequest, error) {
	var out []MedicationRequest
	for _, request := range r.store.requests {
		if filter.PatientID != "" && request.PatientID != filter.PatientID {
			continue
		}
		if filter.PharmacyID != "" && request.PharmacyID != filter.PharmacyID {
			continue
		}
		if filter.Status != "" && request.Status != filter.Status {
			continue
		}
		out = append(out, request)
	}
	return out, nil
}

type memOrderRepo struct {
	store    *memStore
	insertFn func(order Order) error
}

func (r *memOrderRepo) Insert(_ context.Context, order Order) error {
	if r.insertFn != nil {
		if err := r.insertFn(order); err != nil {
			return err
		}
	}
	if _, exists := r.store.orders[order.ID]; exists {
		return conflictError{subject: "order " + order.ID}
	}
	r.store.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) Save(_ context.Context, order Order) error {
	if _, exists := r.store.orders[order.ID]; !exists {
		return notFoundError{subject: "order " + order.ID}
	}
	r.store.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, id string) (Order, error) {
	order, ok := r.store.orders[id]
	if !ok {
		return Order{}, notFoundError{subject: "order " + id}
	}
	return order, nil
}

func (r *memOrderRepo) List(_ context.Context, filter repositories.OrderFilter) ([]Order, error) {
	var out []Order
	for _, order := range r.store.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.PharmacyID != "" && order.PharmacyID != filter.PharmacyID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (r *memOrderRepo) LatestSequenceForYear(_ context.Context, year int) (int64, error) {
	prefix := fmt.Sprintf("ORD-%d-", year)
	var max int64
	for _, order := range r.store.orders {
		if !strings.HasPrefix(order.OrderNumber, prefix) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimPrefix(order.OrderNumber, prefix), 10, 64)
		if err != nil {
			continue
		}
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

type memStockRepo struct {
	store *memStore
}

func (r *memStockRepo) FindByID(_ context.Context, medicationID string) (StockRecord, error) {
	record, ok := r.store.stock[medicationID]
	if !ok {
		return StockRecord{}, &repositories.StockError{
			Op:           "stock.get",
			Code:         repositories.StockErrorNotFound,
			MedicationID: medicationID,
			Message:      "no stock record for medication " + medicationID,
		}
	}
	return record, nil
}

func (r *memStockRepo) Upsert(_ context.Context, record StockRecord) (StockRecord, error) {
	r.store.stock[record.ID] = record
	return record, nil
}

func (r *memStockRepo) AdjustQuantities(_ context.Context, at time.Time, deltas []repositories.StockDelta) ([]StockRecord, error) {
	adjusted := make([]StockRecord, 0, len(deltas))
	for _, delta := range deltas {
		record, ok := r.store.stock[delta.MedicationID]
		if !ok {
			return nil, &repositories.StockError{
				Op:           "stock.adjust",
				Code:         repositories.StockErrorNotFound,
				MedicationID: delta.MedicationID,
				Message:      "no stock record for medication " + delta.MedicationID,
			}
		}
		next := record.QuantityOnHand + delta.Delta
		if next < 0 {
			return nil, &repositories.StockError{
				Op:           "stock.adjust",
				Code:         repositories.StockErrorInsufficient,
				MedicationID: delta.MedicationID,
				Available:    record.QuantityOnHand,
				Requested:    -delta.Delta,
			}
		}
		record.QuantityOnHand = next
		record.UpdatedAt = at
		adjusted = append(adjusted, record)
	}
	for _, record := range adjusted {
		r.store.stock[record.ID] = record
	}
	return adjusted, nil
}

func (r *memStockRepo) SetThreshold(_ context.Context, medicationID string, threshold int, at time.Time) (StockRecord, error) {
	record, ok := r.store.stock[medicationID]
	if !ok {
		return StockRecord{}, &repositories.StockError{
			Code:         repositories.StockErrorNotFound,
			MedicationID: medicationID,
		}
	}
	record.LowStockThreshold = threshold
	record.UpdatedAt = at
	r.store.stock[medicationID] = record
	return record, nil
}

func (r *memStockRepo) ListLowStock(_ context.Context, pharmacyID string, pageSize int, pageToken string) (repositories.LowStockPage, error) {
	page := repositories.LowStockPage{}
	for _, record := range r.store.stock {
		if pharmacyID != "" && record.PharmacyID != pharmacyID {
			continue
		}
		if record.LowStock() {
			page.Records = append(page.Records, record)
		}
	}
	return page, nil
}

// memUnitOfWork mimics transactional semantics: a failed closure restores the
// pre-transaction snapshot so no partial mutation stays observable.
type memUnitOfWork struct {
	store *memStore
	runs  int
}

func (u *memUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	u.runs++
	snap := u.store.snapshot()
	if err := fn(ctx); err != nil {
		u.store.restore(snap)
		return err
	}
	return nil
}

type stubGateway struct {
	createFn  func(req payments.CreateIntentRequest) (payments.Intent, error)
	confirmFn func(intentID string) (payments.Intent, error)
	refundFn  func(req payments.RefundRequest) (payments.Refund, error)

	createCalls  int
	confirmCalls int
	refundCalls  int
	lastRefund   payments.RefundRequest
}

func (g *stubGateway) CreateIntent(_ context.Context, req payments.CreateIntentRequest) (payments.Intent, error) {
	g.createCalls++
	if g.createFn != nil {
		return g.createFn(req)
	}
	return payments.Intent{ID: "pi_test", Status: payments.StatusPending, Amount: req.Amount, Currency: req.Currency}, nil
}

func (g *stubGateway) ConfirmIntent(_ context.Context, intentID string) (payments.Intent, error) {
	g.confirmCalls++
	if g.confirmFn != nil {
		return g.confirmFn(intentID)
	}
	return payments.Intent{ID: intentID, Status: payments.StatusSucceeded}, nil
}

func (g *stubGateway) CreateRefund(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
	g.refundCalls++
	g.lastRefund = req
	if g.refundFn != nil {
		return g.refundFn(req)
	}
	return payments.Refund{ID: "re_test", Status: payments.StatusRefunded}, nil
}

type captureNotifier struct {
	published []Notification
	err       error
}

func (n *captureNotifier) Publish(_ context.Context, notification Notification) error {
	if n.err != nil {
		return n.err
	}
	n.published = append(n.published, notification)
	return nil
}

type fulfillmentFixture struct {
	store    *memStore
	requests *memRequestRepo
	orders   *memOrderRepo
	stock    *memStockRepo
	uow      *memUnitOfWork
	gateway  *stubGateway
	notifier *captureNotifier
	service  FulfillmentService
}

func newFulfillmentFixture(t *testing.T) *fulfillmentFixture {
	t.Helper()

	store := newMemStore()
	f := &fulfillmentFixture{
		store:    store,
		requests: &memRequestRepo{store: store},
		orders:   &memOrderRepo{store: store},
		stock:    &memStockRepo{store: store},
		uow:      &memUnitOfWork{store: store},
		gateway:  &stubGateway{},
		notifier: &captureNotifier{},
	}

	seq := 0
	service, err := NewFulfillmentService(FulfillmentServiceDeps{
		Requests:   f.requests,
		Orders:     f.orders,
		Stock:      f.stock,
		UnitOfWork: f.uow,
		Gateway:    f.gateway,
		Notifier:   f.notifier,
		Clock:      func() time.Time { return testNow },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("TEST%04d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	f.service = service
	return f
}

func (f *fulfillmentFixture) seedAvailableRequest() MedicationRequest {
	request := MedicationRequest{
		ID:             "req-1",
		PatientID:      "patient-1",
		PharmacyID:     "pharmacy-1",
		MedicationName: "Amoxicillin 500mg",
		Quantity:       2,
		Urgency:        domain.UrgencyRoutine,
		Status:         domain.RequestStatusAvailable,
		CreatedAt:      testNow.Add(-time.Hour),
		UpdatedAt:      testNow.Add(-time.Hour),
	}
	f.store.requests[request.ID] = request
	return request
}

func (f *fulfillmentFixture) seedStock(medicationID string, quantity int) StockRecord {
	record := StockRecord{
		ID:             medicationID,
		PharmacyID:     "pharmacy-1",
		MedicationName: "Amoxicillin 500mg",
		QuantityOnHand: quantity,
		UnitPrice:      599,
		Currency:       "usd",
		UpdatedAt:      testNow.Add(-time.Hour),
	}
	f.store.stock[medicationID] = record
	return record
}

func defaultCreateCommand() CreateOrderCommand {
	return CreateOrderCommand{
		Actor:     Actor{ID: "patient-1", Role: RolePatient},
		RequestID: "req-1",
		Items: []OrderItemInput{{
			MedicationID:   "med-1",
			MedicationName: "Amoxicillin 500mg",
			Quantity:       2,
			UnitPrice:      599,
		}},
		DeliveryAddress: Address{Line1: "12 Hill Road", City: "Springfield"},
		DeliveryFee:     300,
	}
}

func TestCreateOrderSuccess(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)

	order, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.Subtotal != 1198 || order.Tax != 60 || order.DeliveryFee != 300 || order.TotalAmount != 1558 {
		t.Errorf("totals = %d/%d/%d/%d, want 1198/60/300/1558",
			order.Subtotal, order.Tax, order.DeliveryFee, order.TotalAmount)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Errorf("status = %s, want confirmed", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Errorf("payment status = %s, want pending", order.PaymentStatus)
	}
	if order.OrderNumber != "ORD-2025-000001" {
		t.Errorf("order number = %s, want ORD-2025-000001", order.OrderNumber)
	}
	if len(order.Tracking) != 1 || order.Tracking[0].Notes != "created from approved request" {
		t.Errorf("tracking = %+v", order.Tracking)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 98 {
		t.Errorf("stock on hand = %d, want 98", got)
	}
	if got := f.store.requests["req-1"].Status; got != domain.RequestStatusFulfilled {
		t.Errorf("request status = %s, want fulfilled", got)
	}
	if f.store.requests["req-1"].RespondedAt == nil {
		t.Error("request response timestamp not stamped")
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0].Event != "request.fulfilled" {
		t.Errorf("notifications = %+v", f.notifier.published)
	}
}

func TestCreateOrderRequestNotFound(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedStock("med-1", 100)

	_, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateOrderRequestNotAvailable(t *testing.T) {
	f := newFulfillmentFixture(t)
	request := f.seedAvailableRequest()
	request.Status = domain.RequestStatusPending
	f.store.requests[request.ID] = request
	f.seedStock("med-1", 100)

	_, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if !strings.Contains(err.Error(), "pending") || !strings.Contains(err.Error(), "available") {
		t.Errorf("error should name actual and required state: %v", err)
	}
}

func TestCreateOrderForbidden(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)

	cmd := defaultCreateCommand()
	cmd.Actor = Actor{ID: "patient-2", Role: RolePatient}

	_, err := f.service.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if got := f.store.requests["req-1"].Status; got != domain.RequestStatusAvailable {
		t.Errorf("request mutated on forbidden call: %s", got)
	}
}

func TestCreateOrderInsufficientStockIsAtomic(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)
	f.seedStock("med-2", 1)

	cmd := defaultCreateCommand()
	cmd.Items = append(cmd.Items, OrderItemInput{
		MedicationID: "med-2", MedicationName: "Ibuprofen", Quantity: 5, UnitPrice: 250,
	})

	before := f.store.snapshot()
	_, err := f.service.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	if !strings.Contains(err.Error(), "has 1 on hand, requested 5") {
		t.Errorf("error should name available vs requested: %v", err)
	}

	if got := f.store.stock["med-1"].QuantityOnHand; got != before.stock["med-1"].QuantityOnHand {
		t.Errorf("med-1 stock mutated: %d", got)
	}
	if got := f.store.requests["req-1"]; got != before.requests["req-1"] {
		t.Errorf("request mutated: %+v", got)
	}
	if len(f.store.orders) != 0 {
		t.Errorf("order materialized despite failure: %d", len(f.store.orders))
	}
}

func TestCreateOrderStockRecordMissing(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()

	_, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if got := f.store.requests["req-1"].Status; got != domain.RequestStatusAvailable {
		t.Errorf("request mutated: %s", got)
	}
}

func TestCreateOrderInsertFailureRollsBack(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)
	f.orders.insertFn = func(Order) error { return errors.New("write rejected") }

	_, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if err == nil {
		t.Fatal("expected insert failure to surface")
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 100 {
		t.Errorf("stock decrement leaked: %d", got)
	}
	if got := f.store.requests["req-1"].Status; got != domain.RequestStatusAvailable {
		t.Errorf("request transition leaked: %s", got)
	}
	if len(f.store.orders) != 0 {
		t.Errorf("order leaked: %d", len(f.store.orders))
	}
}

func TestCreateOrderSequenceContinuesFromMax(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)
	f.store.orders["ord_existing"] = Order{ID: "ord_existing", OrderNumber: "ORD-2025-000041"}

	order, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.OrderNumber != "ORD-2025-000042" {
		t.Errorf("order number = %s, want ORD-2025-000042", order.OrderNumber)
	}
}

func TestCreateOrderRetriesNumberConflict(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)

	failures := 2
	f.orders.insertFn = func(Order) error {
		if failures > 0 {
			failures--
			return conflictError{subject: "order number"}
		}
		return nil
	}

	order, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder after retries: %v", err)
	}
	if f.uow.runs != 3 {
		t.Errorf("transaction attempts = %d, want 3", f.uow.runs)
	}
	if order.OrderNumber == "" {
		t.Error("order number missing after retry")
	}
}

func TestCreateOrderConflictExhaustsRetries(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)
	f.orders.insertFn = func(Order) error { return conflictError{subject: "order number"} }

	_, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if f.uow.runs != 3 {
		t.Errorf("transaction attempts = %d, want 3", f.uow.runs)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 100 {
		t.Errorf("stock mutated after exhausted retries: %d", got)
	}
}

func TestCreateOrderDoubleFulfillmentGuard(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)

	first, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}

	_, err = f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second call err = %v, want ErrInvalidState", err)
	}
	if got := f.store.orders[first.ID]; got.OrderNumber != first.OrderNumber {
		t.Errorf("first order mutated: %+v", got)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 98 {
		t.Errorf("stock decremented twice: %d", got)
	}
}

func seedConfirmedOrder(f *fulfillmentFixture) Order {
	order := Order{
		ID:          "ord-1",
		OrderNumber: "ORD-2025-000007",
		RequestID:   "req-1",
		UserID:      "patient-1",
		PharmacyID:  "pharmacy-1",
		Items: []OrderItem{{
			MedicationID:   "med-1",
			MedicationName: "Amoxicillin 500mg",
			Quantity:       2,
			UnitPrice:      599,
			LineTotal:      1198,
		}},
		Currency:      "usd",
		Subtotal:      1198,
		DeliveryFee:   300,
		Tax:           60,
		TotalAmount:   1558,
		Status:        domain.OrderStatusConfirmed,
		PaymentStatus: domain.PaymentStatusPending,
		Tracking: []TrackingEvent{{
			ID: "trk-1", Status: domain.OrderStatusConfirmed, CreatedAt: testNow.Add(-time.Hour),
		}},
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
	f.store.orders[order.ID] = order
	return order
}

func TestProcessPaymentSuccess(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)

	order, err := f.service.ProcessPayment(context.Background(), ProcessPaymentCommand{
		Actor:         Actor{ID: "patient-1", Role: RolePatient},
		OrderID:       "ord-1",
		PaymentMethod: "pm_card",
	})
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Errorf("payment status = %s, want paid", order.PaymentStatus)
	}
	if order.PaymentIntentID == nil || *order.PaymentIntentID != "pi_test" {
		t.Errorf("intent id = %v", order.PaymentIntentID)
	}
	if order.PaymentMethod == nil || *order.PaymentMethod != "pm_card" {
		t.Errorf("payment method = %v", order.PaymentMethod)
	}
	if f.gateway.createCalls != 1 || f.gateway.confirmCalls != 1 {
		t.Errorf("gateway calls = %d/%d, want 1/1", f.gateway.createCalls, f.gateway.confirmCalls)
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0].Event != "order.payment_received" {
		t.Errorf("notifications = %+v", f.notifier.published)
	}
}

func TestProcessPaymentAlreadyPaid(t *testing.T) {
	f := newFulfillmentFixture(t)
	order := seedConfirmedOrder(f)
	order.PaymentStatus = domain.PaymentStatusPaid
	f.store.orders[order.ID] = order

	_, err := f.service.ProcessPayment(context.Background(), ProcessPaymentCommand{
		Actor:         Actor{ID: "patient-1", Role: RolePatient},
		OrderID:       "ord-1",
		PaymentMethod: "pm_card",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if !strings.Contains(err.Error(), "already paid") {
		t.Errorf("error = %v, want already paid message", err)
	}
	if f.gateway.createCalls != 0 {
		t.Errorf("gateway called %d times on already-paid order", f.gateway.createCalls)
	}
}

func TestProcessPaymentCancelledOrder(t *testing.T) {
	f := newFulfillmentFixture(t)
	order := seedConfirmedOrder(f)
	order.Status = domain.OrderStatusCancelled
	f.store.orders[order.ID] = order

	_, err := f.service.ProcessPayment(context.Background(), ProcessPaymentCommand{
		Actor:         Actor{ID: "patient-1", Role: RolePatient},
		OrderID:       "ord-1",
		PaymentMethod: "pm_card",
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	if !strings.Contains(err.Error(), "cancelled") {
		t.Errorf("error = %v, want cancelled order message", err)
	}
}

func TestProcessPaymentGatewayFailureRecorded(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)
	f.gateway.createFn = func(payments.CreateIntentRequest) (payments.Intent, error) {
		return payments.Intent{}, errors.New("card declined")
	}

	_, err := f.service.ProcessPayment(context.Background(), ProcessPaymentCommand{
		Actor:         Actor{ID: "patient-1", Role: RolePatient},
		OrderID:       "ord-1",
		PaymentMethod: "pm_card",
	})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("err = %v, want ErrPaymentFailed", err)
	}
	if got := f.store.orders["ord-1"].PaymentStatus; got != domain.PaymentStatusFailed {
		t.Errorf("payment status = %s, want failed durably recorded", got)
	}
}

func TestProcessPaymentConfirmFailureKeepsIntentID(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)
	f.gateway.confirmFn = func(string) (payments.Intent, error) {
		return payments.Intent{}, errors.New("requires action")
	}

	_, err := f.service.ProcessPayment(context.Background(), ProcessPaymentCommand{
		Actor:         Actor{ID: "patient-1", Role: RolePatient},
		OrderID:       "ord-1",
		PaymentMethod: "pm_card",
	})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("err = %v, want ErrPaymentFailed", err)
	}
	saved := f.store.orders["ord-1"]
	if saved.PaymentStatus != domain.PaymentStatusFailed {
		t.Errorf("payment status = %s, want failed", saved.PaymentStatus)
	}
	if saved.PaymentIntentID == nil || *saved.PaymentIntentID != "pi_test" {
		t.Errorf("intent id = %v, want recorded for reconciliation", saved.PaymentIntentID)
	}
}

func TestCancelOrderRestoresStockAndRefunds(t *testing.T) {
	f := newFulfillmentFixture(t)
	request := f.seedAvailableRequest()
	request.Status = domain.RequestStatusFulfilled
	f.store.requests[request.ID] = request
	f.seedStock("med-1", 98)

	order := seedConfirmedOrder(f)
	intentID := "pi_paid"
	order.PaymentStatus = domain.PaymentStatusPaid
	order.PaymentIntentID = &intentID
	f.store.orders[order.ID] = order

	cancelled, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "patient-1", Role: RolePatient},
		OrderID: "ord-1",
		Reason:  "no longer needed",
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.PaymentStatus != domain.PaymentStatusRefunded {
		t.Errorf("payment status = %s, want refunded", cancelled.PaymentStatus)
	}
	if f.gateway.refundCalls != 1 || f.gateway.lastRefund.IntentID != "pi_paid" {
		t.Errorf("refund calls = %d, last = %+v", f.gateway.refundCalls, f.gateway.lastRefund)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 100 {
		t.Errorf("stock = %d, want 100 restored", got)
	}
	if got := f.store.requests["req-1"].Status; got != domain.RequestStatusAvailable {
		t.Errorf("request status = %s, want available", got)
	}
	last := cancelled.Tracking[len(cancelled.Tracking)-1]
	if last.Status != domain.OrderStatusCancelled || last.Notes != "no longer needed" {
		t.Errorf("tracking tail = %+v", last)
	}
	if len(f.notifier.published) != 1 || f.notifier.published[0].Event != "order.cancelled" {
		t.Errorf("notifications = %+v", f.notifier.published)
	}
}

func TestCancelOrderUnpaidSkipsRefund(t *testing.T) {
	f := newFulfillmentFixture(t)
	request := f.seedAvailableRequest()
	request.Status = domain.RequestStatusFulfilled
	f.store.requests[request.ID] = request
	f.seedStock("med-1", 98)
	seedConfirmedOrder(f)

	cancelled, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "patient-1", Role: RolePatient},
		OrderID: "ord-1",
	})
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if f.gateway.refundCalls != 0 {
		t.Errorf("refund issued for unpaid order")
	}
	if cancelled.PaymentStatus != domain.PaymentStatusPending {
		t.Errorf("payment status = %s, want pending untouched", cancelled.PaymentStatus)
	}
	last := cancelled.Tracking[len(cancelled.Tracking)-1]
	if last.Notes != "order cancelled" {
		t.Errorf("default cancel note = %q", last.Notes)
	}
}

func TestCancelOrderTerminalStates(t *testing.T) {
	cases := []struct {
		name    string
		status  OrderStatus
		message string
	}{
		{name: "cancelled", status: domain.OrderStatusCancelled, message: "cannot update a cancelled order"},
		{name: "delivered", status: domain.OrderStatusDelivered, message: "already delivered"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFulfillmentFixture(t)
			order := seedConfirmedOrder(f)
			order.Status = tc.status
			f.store.orders[order.ID] = order

			_, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
				Actor:   Actor{ID: "patient-1", Role: RolePatient},
				OrderID: "ord-1",
			})
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Errorf("error = %v, want %q", err, tc.message)
			}
		})
	}
}

func TestCancelOrderAuthorization(t *testing.T) {
	f := newFulfillmentFixture(t)
	request := f.seedAvailableRequest()
	request.Status = domain.RequestStatusFulfilled
	f.store.requests[request.ID] = request
	f.seedStock("med-1", 98)
	seedConfirmedOrder(f)

	_, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "patient-2", Role: RolePatient},
		OrderID: "ord-1",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger err = %v, want ErrForbidden", err)
	}

	if _, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "staff-1", Role: RolePharmacy},
		OrderID: "ord-1",
	}); err != nil {
		t.Fatalf("pharmacy staff cancel: %v", err)
	}
}

func TestCancelOrderRefundFailureAbortsEverything(t *testing.T) {
	f := newFulfillmentFixture(t)
	request := f.seedAvailableRequest()
	request.Status = domain.RequestStatusFulfilled
	f.store.requests[request.ID] = request
	f.seedStock("med-1", 98)

	order := seedConfirmedOrder(f)
	intentID := "pi_paid"
	order.PaymentStatus = domain.PaymentStatusPaid
	order.PaymentIntentID = &intentID
	f.store.orders[order.ID] = order

	f.gateway.refundFn = func(payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{}, errors.New("gateway down")
	}

	_, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "patient-1", Role: RolePatient},
		OrderID: "ord-1",
	})
	if !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("err = %v, want ErrPaymentFailed", err)
	}
	if got := f.store.orders["ord-1"].Status; got != domain.OrderStatusConfirmed {
		t.Errorf("order status = %s, want confirmed untouched", got)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 98 {
		t.Errorf("stock = %d, want 98 untouched", got)
	}
}

func TestStockConservationAcrossCreateAndCancel(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)

	order, err := f.service.CreateOrder(context.Background(), defaultCreateCommand())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 98 {
		t.Fatalf("stock after create = %d, want 98", got)
	}

	if _, err := f.service.CancelOrder(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "patient-1", Role: RolePatient},
		OrderID: order.ID,
	}); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if got := f.store.stock["med-1"].QuantityOnHand; got != 100 {
		t.Errorf("stock after cancel = %d, want 100 conserved", got)
	}
	if got := f.store.requests["req-1"].Status; got != domain.RequestStatusAvailable {
		t.Errorf("request status = %s, want available for re-ordering", got)
	}
}

func TestAdvanceOrderStatusHappyPath(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)

	actor := Actor{ID: "staff-1", Role: RolePharmacy}

	order, err := f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: actor, OrderID: "ord-1", Status: domain.OrderStatusPacked, Location: "pharmacy-1",
	})
	if err != nil {
		t.Fatalf("advance to packed: %v", err)
	}
	if order.Status != domain.OrderStatusPacked {
		t.Errorf("status = %s, want packed", order.Status)
	}
	last := order.Tracking[len(order.Tracking)-1]
	if last.Status != domain.OrderStatusPacked || last.Location != "pharmacy-1" {
		t.Errorf("tracking tail = %+v", last)
	}

	if _, err := f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: actor, OrderID: "ord-1", Status: domain.OrderStatusOutForDelivery,
	}); err != nil {
		t.Fatalf("advance to out_for_delivery: %v", err)
	}

	order, err = f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: actor, OrderID: "ord-1", Status: domain.OrderStatusDelivered,
	})
	if err != nil {
		t.Fatalf("advance to delivered: %v", err)
	}
	if order.ActualDelivery == nil || !order.ActualDelivery.Equal(testNow) {
		t.Errorf("actual delivery = %v, want stamped", order.ActualDelivery)
	}
}

func TestAdvanceOrderStatusRejectsBadTransitions(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)
	actor := Actor{ID: "staff-1", Role: RolePharmacy}

	_, err := f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: actor, OrderID: "ord-1", Status: domain.OrderStatusDelivered,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirmed->delivered err = %v, want ErrInvalidTransition", err)
	}
	if !strings.Contains(err.Error(), "allowed") {
		t.Errorf("error should list allowed transitions: %v", err)
	}

	_, err = f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: actor, OrderID: "ord-1", Status: domain.OrderStatusCancelled,
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("cancel via advance err = %v, want ErrInvalidInput", err)
	}

	_, err = f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: Actor{ID: "patient-1", Role: RolePatient}, OrderID: "ord-1", Status: domain.OrderStatusPacked,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient advance err = %v, want ErrForbidden", err)
	}
}

func TestAdvanceOrderStatusTerminalMessages(t *testing.T) {
	f := newFulfillmentFixture(t)
	order := seedConfirmedOrder(f)
	order.Status = domain.OrderStatusDelivered
	f.store.orders[order.ID] = order

	_, err := f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: Actor{ID: "staff-1", Role: RolePharmacy}, OrderID: "ord-1", Status: domain.OrderStatusPacked,
	})
	if !errors.Is(err, ErrInvalidState) || !strings.Contains(err.Error(), "already delivered") {
		t.Fatalf("err = %v, want already delivered", err)
	}

	order.Status = domain.OrderStatusCancelled
	f.store.orders[order.ID] = order
	_, err = f.service.AdvanceOrderStatus(context.Background(), AdvanceOrderCommand{
		Actor: Actor{ID: "staff-1", Role: RolePharmacy}, OrderID: "ord-1", Status: domain.OrderStatusPacked,
	})
	if !errors.Is(err, ErrInvalidState) || !strings.Contains(err.Error(), "cannot update a cancelled order") {
		t.Fatalf("err = %v, want cancelled order message", err)
	}
}

func TestSetDeliveryFeeRecomputesTotal(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)

	order, err := f.service.SetDeliveryFee(context.Background(), SetDeliveryFeeCommand{
		Actor: Actor{ID: "staff-1", Role: RolePharmacy}, OrderID: "ord-1", DeliveryFee: 500,
	})
	if err != nil {
		t.Fatalf("SetDeliveryFee: %v", err)
	}
	if order.DeliveryFee != 500 || order.TotalAmount != 1198+500+60 {
		t.Errorf("fee/total = %d/%d, want 500/1758", order.DeliveryFee, order.TotalAmount)
	}

	paid := f.store.orders["ord-1"]
	paid.PaymentStatus = domain.PaymentStatusPaid
	f.store.orders["ord-1"] = paid
	if _, err := f.service.SetDeliveryFee(context.Background(), SetDeliveryFeeCommand{
		Actor: Actor{ID: "staff-1", Role: RolePharmacy}, OrderID: "ord-1", DeliveryFee: 100,
	}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("fee change after payment err = %v, want ErrInvalidState", err)
	}
}

func TestAssignDeliveryPartner(t *testing.T) {
	f := newFulfillmentFixture(t)
	seedConfirmedOrder(f)
	eta := testNow.Add(4 * time.Hour)

	order, err := f.service.AssignDeliveryPartner(context.Background(), AssignDeliveryPartnerCommand{
		Actor:             Actor{ID: "staff-1", Role: RolePharmacy},
		OrderID:           "ord-1",
		DeliveryPartnerID: "partner-9",
		EstimatedDelivery: &eta,
	})
	if err != nil {
		t.Fatalf("AssignDeliveryPartner: %v", err)
	}
	if order.DeliveryPartnerID == nil || *order.DeliveryPartnerID != "partner-9" {
		t.Errorf("partner = %v", order.DeliveryPartnerID)
	}
	if order.EstimatedDelivery == nil || !order.EstimatedDelivery.Equal(eta) {
		t.Errorf("eta = %v", order.EstimatedDelivery)
	}

	delivered := f.store.orders["ord-1"]
	delivered.Status = domain.OrderStatusOutForDelivery
	f.store.orders["ord-1"] = delivered
	if _, err := f.service.AssignDeliveryPartner(context.Background(), AssignDeliveryPartnerCommand{
		Actor:             Actor{ID: "staff-1", Role: RolePharmacy},
		OrderID:           "ord-1",
		DeliveryPartnerID: "partner-9",
	}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("assign while out for delivery err = %v, want ErrInvalidState", err)
	}
}

func TestListOrdersScopesPatients(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.store.orders["ord-1"] = Order{ID: "ord-1", UserID: "patient-1"}
	f.store.orders["ord-2"] = Order{ID: "ord-2", UserID: "patient-2"}

	orders, err := f.service.ListOrders(context.Background(), Actor{ID: "patient-1", Role: RolePatient}, ListOrdersQuery{UserID: "patient-2"})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "ord-1" {
		t.Errorf("patient saw foreign orders: %+v", orders)
	}

	orders, err = f.service.ListOrders(context.Background(), Actor{ID: "staff-1", Role: RoleAdmin}, ListOrdersQuery{})
	if err != nil {
		t.Fatalf("ListOrders admin: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("admin orders = %d, want 2", len(orders))
	}
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	f := newFulfillmentFixture(t)
	f.seedAvailableRequest()
	f.seedStock("med-1", 100)
	f.notifier.err = errors.New("dispatcher offline")

	if _, err := f.service.CreateOrder(context.Background(), defaultCreateCommand()); err != nil {
		t.Fatalf("notification failure must not surface: %v", err)
	}
}
