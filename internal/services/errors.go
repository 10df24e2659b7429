package services

import "errors"

// Typed failure kinds shared by the workflow services. Callers classify with
// errors.Is; the wrapped message carries the specifics.
var (
	// ErrInvalidInput signals the caller provided malformed data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound indicates a referenced request, order or stock record is absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor lacks ownership or role for the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState indicates the operation is not permitted in the current lifecycle state.
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition indicates the target status is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInsufficientStock indicates a requested quantity exceeds what is on hand.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPaymentFailed indicates a gateway charge or refund failed.
	ErrPaymentFailed = errors.New("payment failed")
	// ErrConflict indicates a concurrent-update race that exhausted its retries.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable indicates a transient backend outage.
	ErrUnavailable = errors.New("backend unavailable")
)
