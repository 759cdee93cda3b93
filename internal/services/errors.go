package services

import (
	"errors"
	"sort"
	"strings"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

var (
	// ErrOutOfStock indicates the requested quantity exceeds the item's available stock.
	ErrOutOfStock = errors.New("cart: out of stock")
	// ErrItemNotFound indicates the catalog does not list the requested item.
	ErrItemNotFound = errors.New("catalog: item not found")
	// ErrCatalogFetch indicates the catalog provider could not be reached.
	ErrCatalogFetch = errors.New("catalog: fetch failed")

	// ErrValidation indicates the buyer form or cart is not ready for checkout.
	ErrValidation = errors.New("checkout: validation failed")
	// ErrIntentCreation indicates the backend did not create a usable payment intent.
	ErrIntentCreation = errors.New("checkout: intent creation failed")
	// ErrPaymentAborted indicates the buyer dismissed the gateway or the gateway reported failure.
	ErrPaymentAborted = errors.New("checkout: payment aborted")
	// ErrVerificationFailed indicates the backend rejected or could not verify the payment assertion.
	ErrVerificationFailed = errors.New("checkout: verification failed")
	// ErrCheckoutInProgress indicates a checkout attempt is already running for the widget.
	ErrCheckoutInProgress = errors.New("checkout: attempt already in progress")
	// ErrCheckoutBusy indicates the session is waiting on a backend call and cannot be changed.
	ErrCheckoutBusy = errors.New("checkout: waiting on backend")
	// ErrCheckoutNotFailed indicates retry was requested for a session that has not failed.
	ErrCheckoutNotFailed = errors.New("checkout: session has not failed")
	// ErrCheckoutNotAwaitingPayment indicates a payment callback arrived for no pending intent.
	ErrCheckoutNotAwaitingPayment = errors.New("checkout: no payment is awaited")

	// ErrWidgetSessionNotFound indicates the widget session expired or never existed.
	ErrWidgetSessionNotFound = errors.New("widget: session not found")

	errCheckoutFailed = errors.New("checkout: failed")
)

// ValidationError lists the fields blocking checkout.
type ValidationError struct {
	fields map[string]string
}

func newValidationError() *ValidationError {
	return &ValidationError{fields: make(map[string]string)}
}

func (e *ValidationError) add(field, message string) {
	e.fields[field] = message
}

func (e *ValidationError) empty() bool {
	return e == nil || len(e.fields) == 0
}

// Fields returns a copy of the field to message map.
func (e *ValidationError) Fields() map[string]string {
	if e == nil {
		return nil
	}
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

func (e *ValidationError) Error() string {
	if e.empty() {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// CheckoutError terminates a checkout session in the failed phase.
type CheckoutError struct {
	Reason domain.FailureReason
	Err    error
}

func newCheckoutError(reason domain.FailureReason, err error) *CheckoutError {
	return &CheckoutError{Reason: reason, Err: err}
}

func (e *CheckoutError) Error() string {
	base := reasonSentinel(e.Reason)
	if e.Err == nil {
		return base.Error()
	}
	return base.Error() + ": " + e.Err.Error()
}

func (e *CheckoutError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the failure reason.
func (e *CheckoutError) Is(target error) bool {
	return target == reasonSentinel(e.Reason)
}

func reasonSentinel(reason domain.FailureReason) error {
	switch reason {
	case domain.FailureReasonIntentCreation:
		return ErrIntentCreation
	case domain.FailureReasonPaymentAborted:
		return ErrPaymentAborted
	case domain.FailureReasonVerificationFailed:
		return ErrVerificationFailed
	default:
		return errCheckoutFailed
	}
}

// FailureMessage returns the buyer-facing text for a failure reason.
func FailureMessage(reason domain.FailureReason) string {
	switch reason {
	case domain.FailureReasonIntentCreation:
		return "We could not start the payment. Please try again."
	case domain.FailureReasonPaymentAborted:
		return "Payment was cancelled. Your cart is still here when you are ready."
	case domain.FailureReasonVerificationFailed:
		return "We could not confirm your payment. If you were charged, contact support before retrying."
	default:
		return ""
	}
}
