package domain

// requestTransitions defines the allowed edges of the request lifecycle.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:     {RequestStatusProcessing, RequestStatusUnavailable, RequestStatusCancelled},
	RequestStatusProcessing:  {RequestStatusAvailable, RequestStatusUnavailable, RequestStatusCancelled},
	RequestStatusAvailable:   {RequestStatusFulfilled, RequestStatusCancelled},
	RequestStatusUnavailable: {RequestStatusCancelled},
	RequestStatusFulfilled:   {},
	RequestStatusCancelled:   {},
}

// orderTransitions defines the allowed edges of the delivery lifecycle.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusConfirmed:      {OrderStatusPacked, OrderStatusCancelled},
	OrderStatusPacked:         {OrderStatusOutForDelivery, OrderStatusCancelled},
	OrderStatusOutForDelivery: {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:      {},
	OrderStatusCancelled:      {},
}

// CanRequestTransition reports whether a request may move from one status to another.
func CanRequestTransition(from, to RequestStatus) bool {
	for _, allowed := range requestTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedRequestTransitions returns the outgoing edges for a request status.
func AllowedRequestTransitions(from RequestStatus) []RequestStatus {
	allowed := requestTransitions[from]
	out := make([]RequestStatus, len(allowed))
	copy(out, allowed)
	return out
}

// RequestStatusTerminal reports whether a request status has no outgoing edges.
func RequestStatusTerminal(status RequestStatus) bool {
	return len(requestTransitions[status]) == 0
}

// ValidRequestStatus reports whether the value is a known request status.
func ValidRequestStatus(status RequestStatus) bool {
	_, ok := requestTransitions[status]
	return ok
}

// CanOrderTransition reports whether an order may move from one status to another.
func CanOrderTransition(from, to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedOrderTransitions returns the outgoing edges for an order status.
func AllowedOrderTransitions(from OrderStatus) []OrderStatus {
	allowed := orderTransitions[from]
	out := make([]OrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

// OrderStatusTerminal reports whether an order status has no outgoing edges.
func OrderStatusTerminal(status OrderStatus) bool {
	return len(orderTransitions[status]) == 0
}

// ValidOrderStatus reports whether the value is a known order status.
func ValidOrderStatus(status OrderStatus) bool {
	_, ok := orderTransitions[status]
	return ok
}
