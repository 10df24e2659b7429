package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/medrelay/api/internal/domain"
	"github.com/medrelay/api/internal/payments"
	"github.com/medrelay/api/internal/repositories"
)

const (
	eventRequestFulfilled   = "request.fulfilled"
	eventOrderCancelled     = "order.cancelled"
	eventPaymentReceived    = "order.payment_received"
	eventOrderStatusUpdated = "order.status_updated"

	orderIDPrefix    = "ord_"
	trackingIDPrefix = "trk_"

	defaultCurrency     = "usd"
	defaultCancelNote   = "order cancelled"
	orderCreatedNote    = "created from approved request"
	orderNumberAttempts = 3
)

// FulfillmentServiceDeps bundles collaborators required to construct the
// fulfillment workflow.
type FulfillmentServiceDeps struct {
	Requests    repositories.RequestRepository
	Orders      repositories.OrderRepository
	Stock       repositories.StockRepository
	UnitOfWork  repositories.UnitOfWork
	Gateway     payments.Gateway
	Notifier    Notifier
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	requests   repositories.RequestRepository
	orders     repositories.OrderRepository
	stock      repositories.StockRepository
	unitOfWork repositories.UnitOfWork
	gateway    payments.Gateway
	notifier   Notifier
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewFulfillmentService wires dependencies into a concrete FulfillmentService.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Requests == nil {
		return nil, errors.New("fulfillment service: request repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}
	if deps.Stock == nil {
		return nil, errors.New("fulfillment service: stock repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("fulfillment service: payment gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &fulfillmentService{
		requests:   deps.Requests,
		orders:     deps.Orders,
		stock:      deps.Stock,
		unitOfWork: unit,
		gateway:    deps.Gateway,
		notifier:   deps.Notifier,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateOrder materializes an order from an available request inside one
// atomic transaction: stock is decremented, the order inserted and the request
// marked fulfilled together, or nothing happens at all.
func (s *fulfillmentService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.RequestID) == "" {
		return Order{}, fmt.Errorf("%w: request id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.Actor.ID) == "" {
		return Order{}, fmt.Errorf("%w: actor is required", ErrInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order requires at least one line item", ErrInvalidInput)
	}
	if cmd.DeliveryFee < 0 {
		return Order{}, fmt.Errorf("%w: delivery fee cannot be negative", ErrInvalidInput)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.MedicationID) == "" {
			return Order{}, fmt.Errorf("%w: line item medication id is required", ErrInvalidInput)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: line item quantity must be positive", ErrInvalidInput)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: line item unit price cannot be negative", ErrInvalidInput)
		}
		items = append(items, domain.OrderItem{
			MedicationID:   strings.TrimSpace(item.MedicationID),
			MedicationName: strings.TrimSpace(item.MedicationName),
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			LineTotal:      item.UnitPrice * int64(item.Quantity),
		})
	}

	currency := strings.ToLower(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	var (
		order   Order
		request MedicationRequest
		err     error
	)
	for attempt := 1; ; attempt++ {
		order, request, err = s.createOrderOnce(ctx, cmd, items, currency)
		if err == nil {
			break
		}
		if errors.Is(err, ErrConflict) && attempt < orderNumberAttempts {
			continue
		}
		return Order{}, err
	}

	s.publish(ctx, Notification{
		Event:       eventRequestFulfilled,
		RecipientID: request.PatientID,
		RequestID:   request.ID,
		OrderID:     order.ID,
		OccurredAt:  order.CreatedAt,
		Data: map[string]any{
			"orderNumber": order.OrderNumber,
			"totalAmount": order.TotalAmount,
		},
	})
	return order, nil
}

func (s *fulfillmentService) createOrderOnce(ctx context.Context, cmd CreateOrderCommand, items []domain.OrderItem, currency string) (Order, MedicationRequest, error) {
	var (
		order   Order
		request MedicationRequest
	)

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		var err error
		request, err = s.requests.FindByID(txCtx, cmd.RequestID)
		if err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("request %s", cmd.RequestID))
		}
		if request.Status != domain.RequestStatusAvailable {
			return fmt.Errorf("%w: request %s is %s, must be %s",
				ErrInvalidState, request.ID, request.Status, domain.RequestStatusAvailable)
		}
		if request.PatientID != cmd.Actor.ID {
			return fmt.Errorf("%w: request %s does not belong to actor %s",
				ErrForbidden, request.ID, cmd.Actor.ID)
		}

		now := s.now()
		seq, err := s.orders.LatestSequenceForYear(txCtx, now.Year())
		if err != nil {
			return s.mapRepositoryError(err, "order number sequence")
		}

		if _, err := s.stock.AdjustQuantities(txCtx, now, negateDeltas(items)); err != nil {
			return s.mapStockError(err)
		}

		totals := domain.PriceOrder(items, cmd.DeliveryFee)
		order = Order{
			ID:              orderIDPrefix + s.newID(),
			OrderNumber:     formatOrderNumber(now.Year(), seq+1),
			RequestID:       request.ID,
			UserID:          request.PatientID,
			PharmacyID:      request.PharmacyID,
			Items:           items,
			Currency:        currency,
			Subtotal:        totals.Subtotal,
			DeliveryFee:     totals.DeliveryFee,
			Tax:             totals.Tax,
			TotalAmount:     totals.Total,
			DeliveryAddress: cmd.DeliveryAddress,
			Status:          domain.OrderStatusConfirmed,
			PaymentStatus:   domain.PaymentStatusPending,
			PaymentMethod:   cmd.PaymentMethod,
			Tracking: []TrackingEvent{{
				ID:        trackingIDPrefix + s.newID(),
				Status:    domain.OrderStatusConfirmed,
				Notes:     orderCreatedNote,
				CreatedAt: now,
			}},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("order %s", order.ID))
		}

		request.Status = domain.RequestStatusFulfilled
		request.RespondedAt = &now
		request.UpdatedAt = now
		if err := s.requests.Save(txCtx, request); err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("request %s", request.ID))
		}
		return nil
	})
	if err != nil {
		return Order{}, MedicationRequest{}, err
	}
	return order, request, nil
}

// ProcessPayment charges the order through the gateway. A gateway failure is
// durably recorded as paymentStatus=failed before the error is surfaced.
func (s *fulfillmentService) ProcessPayment(ctx context.Context, cmd ProcessPaymentCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	method := strings.TrimSpace(cmd.PaymentMethod)
	if method == "" {
		return Order{}, fmt.Errorf("%w: payment method is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", cmd.OrderID))
	}
	if err := s.authorizeOrderAccess(cmd.Actor, order); err != nil {
		return Order{}, err
	}
	if order.PaymentStatus == domain.PaymentStatusPaid {
		return Order{}, fmt.Errorf("%w: order %s already paid", ErrInvalidState, order.ID)
	}
	if order.Status == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: cannot pay a cancelled order", ErrInvalidState)
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.CreateIntentRequest{
		Amount:         order.TotalAmount,
		Currency:       order.Currency,
		PaymentMethod:  method,
		Description:    fmt.Sprintf("medication order %s", order.OrderNumber),
		IdempotencyKey: order.ID,
		Metadata: map[string]string{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		},
	})
	if err != nil {
		s.recordPaymentFailure(ctx, order, method, nil)
		return Order{}, fmt.Errorf("%w: create intent: %v", ErrPaymentFailed, err)
	}

	confirmed, err := s.gateway.ConfirmIntent(ctx, intent.ID)
	if err != nil {
		s.recordPaymentFailure(ctx, order, method, &intent.ID)
		return Order{}, fmt.Errorf("%w: confirm intent: %v", ErrPaymentFailed, err)
	}

	now := s.now()
	order.PaymentStatus = domain.PaymentStatusPaid
	order.PaymentMethod = &method
	order.PaymentIntentID = &confirmed.ID
	order.UpdatedAt = now
	if err := s.orders.Save(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", order.ID))
	}

	s.publish(ctx, Notification{
		Event:       eventPaymentReceived,
		RecipientID: order.UserID,
		OrderID:     order.ID,
		OccurredAt:  now,
		Data: map[string]any{
			"orderNumber": order.OrderNumber,
			"amount":      order.TotalAmount,
		},
	})
	return order, nil
}

// recordPaymentFailure persists the failed attempt so it stays visible even
// though the charge is not retried.
func (s *fulfillmentService) recordPaymentFailure(ctx context.Context, order Order, method string, intentID *string) {
	order.PaymentStatus = domain.PaymentStatusFailed
	order.PaymentMethod = &method
	if intentID != nil {
		order.PaymentIntentID = intentID
	}
	order.UpdatedAt = s.now()
	if err := s.orders.Save(ctx, order); err != nil {
		s.logger(ctx, "order.payment.failure_record_failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
	}
}

// CancelOrder compensates a committed creation: stock is restored from the
// recorded line items, a paid order is refunded, the order becomes terminal
// and the request returns to available.
func (s *fulfillmentService) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", cmd.OrderID))
	}
	if err := s.authorizeOrderAccess(cmd.Actor, order); err != nil {
		return Order{}, err
	}
	if err := checkOrderNotTerminal(order); err != nil {
		return Order{}, err
	}

	// The refund happens before the local commit. A crash in between leaves
	// paymentStatus stale relative to the gateway; operators reconcile
	// out-of-band.
	refunded := false
	if order.PaymentStatus == domain.PaymentStatusPaid && order.PaymentIntentID != nil {
		if _, err := s.gateway.CreateRefund(ctx, payments.RefundRequest{
			IntentID:       *order.PaymentIntentID,
			Reason:         cmd.Reason,
			IdempotencyKey: "refund-" + order.ID,
		}); err != nil {
			return Order{}, fmt.Errorf("%w: refund: %v", ErrPaymentFailed, err)
		}
		refunded = true
	}

	var cancelled Order
	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("order %s", cmd.OrderID))
		}
		if err := checkOrderNotTerminal(current); err != nil {
			return err
		}

		request, err := s.requests.FindByID(txCtx, current.RequestID)
		if err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("request %s", current.RequestID))
		}

		now := s.now()
		if _, err := s.stock.AdjustQuantities(txCtx, now, restoreDeltas(current.Items)); err != nil {
			return s.mapStockError(err)
		}

		reason := strings.TrimSpace(cmd.Reason)
		note := reason
		if note == "" {
			note = defaultCancelNote
		}
		current.Status = domain.OrderStatusCancelled
		if refunded {
			current.PaymentStatus = domain.PaymentStatusRefunded
		}
		if reason != "" {
			current.CancelReason = &reason
		}
		current.CancelledAt = &now
		current.UpdatedAt = now
		current.Tracking = append(current.Tracking, TrackingEvent{
			ID:        trackingIDPrefix + s.newID(),
			Status:    domain.OrderStatusCancelled,
			Notes:     note,
			CreatedAt: now,
		})
		if err := s.orders.Save(txCtx, current); err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("order %s", current.ID))
		}

		request.Status = domain.RequestStatusAvailable
		request.UpdatedAt = now
		if err := s.requests.Save(txCtx, request); err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("request %s", request.ID))
		}

		cancelled = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publish(ctx, Notification{
		Event:       eventOrderCancelled,
		RecipientID: cancelled.UserID,
		RequestID:   cancelled.RequestID,
		OrderID:     cancelled.ID,
		OccurredAt:  cancelled.UpdatedAt,
		Data: map[string]any{
			"orderNumber": cancelled.OrderNumber,
			"refunded":    refunded,
		},
	})
	return cancelled, nil
}

// AdvanceOrderStatus moves an order one step along the delivery lifecycle.
func (s *fulfillmentService) AdvanceOrderStatus(ctx context.Context, cmd AdvanceOrderCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if !cmd.Actor.Elevated() {
		return Order{}, fmt.Errorf("%w: only pharmacy staff may update delivery status", ErrForbidden)
	}
	if !domain.ValidOrderStatus(cmd.Status) {
		return Order{}, fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, cmd.Status)
	}
	if cmd.Status == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: cancellation must go through the cancel operation", ErrInvalidInput)
	}

	var updated Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.FindByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("order %s", cmd.OrderID))
		}
		if err := checkOrderNotTerminal(order); err != nil {
			return err
		}
		if !domain.CanOrderTransition(order.Status, cmd.Status) {
			return fmt.Errorf("%w: order %s cannot move from %s to %s, allowed: %v",
				ErrInvalidTransition, order.ID, order.Status, cmd.Status,
				domain.AllowedOrderTransitions(order.Status))
		}

		now := s.now()
		order.Status = cmd.Status
		if cmd.Status == domain.OrderStatusDelivered {
			order.ActualDelivery = &now
		}
		order.UpdatedAt = now
		order.Tracking = append(order.Tracking, TrackingEvent{
			ID:        trackingIDPrefix + s.newID(),
			Status:    cmd.Status,
			Location:  strings.TrimSpace(cmd.Location),
			Notes:     strings.TrimSpace(cmd.Notes),
			CreatedAt: now,
		})
		if err := s.orders.Save(txCtx, order); err != nil {
			return s.mapRepositoryError(err, fmt.Sprintf("order %s", order.ID))
		}
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publish(ctx, Notification{
		Event:       eventOrderStatusUpdated,
		RecipientID: updated.UserID,
		OrderID:     updated.ID,
		OccurredAt:  updated.UpdatedAt,
		Data: map[string]any{
			"orderNumber": updated.OrderNumber,
			"status":      string(updated.Status),
		},
	})
	return updated, nil
}

// AssignDeliveryPartner attaches a delivery partner while the order is still
// at the pharmacy.
func (s *fulfillmentService) AssignDeliveryPartner(ctx context.Context, cmd AssignDeliveryPartnerCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	partnerID := strings.TrimSpace(cmd.DeliveryPartnerID)
	if partnerID == "" {
		return Order{}, fmt.Errorf("%w: delivery partner id is required", ErrInvalidInput)
	}
	if !cmd.Actor.Elevated() {
		return Order{}, fmt.Errorf("%w: only pharmacy staff may assign delivery partners", ErrForbidden)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", cmd.OrderID))
	}
	if order.Status != domain.OrderStatusConfirmed && order.Status != domain.OrderStatusPacked {
		return Order{}, fmt.Errorf("%w: order %s is %s, partner can only be assigned while confirmed or packed",
			ErrInvalidState, order.ID, order.Status)
	}

	order.DeliveryPartnerID = &partnerID
	if cmd.EstimatedDelivery != nil {
		estimate := cmd.EstimatedDelivery.UTC()
		order.EstimatedDelivery = &estimate
	}
	order.UpdatedAt = s.now()
	if err := s.orders.Save(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", order.ID))
	}
	return order, nil
}

// SetDeliveryFee changes the delivery fee before payment and recomputes the
// order total.
func (s *fulfillmentService) SetDeliveryFee(ctx context.Context, cmd SetDeliveryFeeCommand) (Order, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if cmd.DeliveryFee < 0 {
		return Order{}, fmt.Errorf("%w: delivery fee cannot be negative", ErrInvalidInput)
	}
	if !cmd.Actor.Elevated() {
		return Order{}, fmt.Errorf("%w: only pharmacy staff may change delivery fees", ErrForbidden)
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", cmd.OrderID))
	}
	if err := checkOrderNotTerminal(order); err != nil {
		return Order{}, err
	}
	if order.PaymentStatus != domain.PaymentStatusPending && order.PaymentStatus != domain.PaymentStatusFailed {
		return Order{}, fmt.Errorf("%w: delivery fee cannot change once payment is %s", ErrInvalidState, order.PaymentStatus)
	}

	order.DeliveryFee = cmd.DeliveryFee
	order.TotalAmount = order.Subtotal + order.DeliveryFee + order.Tax
	order.UpdatedAt = s.now()
	if err := s.orders.Save(ctx, order); err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", order.ID))
	}
	return order, nil
}

// GetOrder loads one order for its owner or for pharmacy staff.
func (s *fulfillmentService) GetOrder(ctx context.Context, actor Actor, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err, fmt.Sprintf("order %s", orderID))
	}
	if err := s.authorizeOrderAccess(actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ListOrders returns orders visible to the actor. Patients only ever see
// their own orders regardless of the supplied filter.
func (s *fulfillmentService) ListOrders(ctx context.Context, actor Actor, query ListOrdersQuery) ([]Order, error) {
	filter := repositories.OrderFilter{
		UserID:     strings.TrimSpace(query.UserID),
		PharmacyID: strings.TrimSpace(query.PharmacyID),
		Status:     query.Status,
		Limit:      query.Limit,
	}
	if !actor.Elevated() {
		filter.UserID = actor.ID
		filter.PharmacyID = ""
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, s.mapRepositoryError(err, "orders")
	}
	return orders, nil
}

func (s *fulfillmentService) authorizeOrderAccess(actor Actor, order Order) error {
	if actor.Elevated() {
		return nil
	}
	if strings.TrimSpace(actor.ID) == "" || actor.ID != order.UserID {
		return fmt.Errorf("%w: order %s does not belong to actor %s", ErrForbidden, order.ID, actor.ID)
	}
	return nil
}

func checkOrderNotTerminal(order Order) error {
	switch order.Status {
	case domain.OrderStatusCancelled:
		return fmt.Errorf("%w: cannot update a cancelled order", ErrInvalidState)
	case domain.OrderStatusDelivered:
		return fmt.Errorf("%w: already delivered", ErrInvalidState)
	default:
		return nil
	}
}

// negateDeltas merges line items into per-medication decrements.
func negateDeltas(items []domain.OrderItem) []repositories.StockDelta {
	return mergeDeltas(items, -1)
}

// restoreDeltas merges line items into per-medication increments, restoring
// exactly the recorded quantities.
func restoreDeltas(items []domain.OrderItem) []repositories.StockDelta {
	return mergeDeltas(items, 1)
}

func mergeDeltas(items []domain.OrderItem, sign int) []repositories.StockDelta {
	index := make(map[string]int, len(items))
	deltas := make([]repositories.StockDelta, 0, len(items))
	for _, item := range items {
		if at, ok := index[item.MedicationID]; ok {
			deltas[at].Delta += sign * item.Quantity
			continue
		}
		index[item.MedicationID] = len(deltas)
		deltas = append(deltas, repositories.StockDelta{
			MedicationID: item.MedicationID,
			Delta:        sign * item.Quantity,
		})
	}
	return deltas
}

func formatOrderNumber(year int, seq int64) string {
	return fmt.Sprintf("ORD-%d-%06d", year, seq)
}

func (s *fulfillmentService) mapStockError(err error) error {
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
	return s.mapRepositoryError(err, "stock")
}

func (s *fulfillmentService) mapRepositoryError(err error, subject string) error {
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

func (s *fulfillmentService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *fulfillmentService) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock()
}

func (s *fulfillmentService) publish(ctx context.Context, notification Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notification); err != nil {
		s.logger(ctx, "notification.publish.failed", map[string]any{
			"event": notification.Event,
			"order": notification.OrderID,
			"error": err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}
