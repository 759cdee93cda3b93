package domain

import "time"

// CategoryAll is the catalog pseudo-category that disables category filtering.
const CategoryAll = "All"

// Item is a purchasable catalog entry. Prices are whole currency units.
type Item struct {
	ID             string
	Name           string
	UnitPrice      int64
	AvailableStock int
	Category       string
	ImageRef       string
}

// LineItem stores a single cart entry. UnitPrice is captured when the item is first added.
type LineItem struct {
	ItemID    string
	Name      string
	UnitPrice int64
	Quantity  int
}

// Total returns the line amount.
func (l LineItem) Total() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// CartSnapshot is a read-only copy of the cart lines in insertion order.
type CartSnapshot struct {
	Lines []LineItem
}

// Subtotal sums price times quantity over every line.
func (c CartSnapshot) Subtotal() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.Total()
	}
	return total
}

// ItemCount sums quantities over every line.
func (c CartSnapshot) ItemCount() int {
	count := 0
	for _, line := range c.Lines {
		count += line.Quantity
	}
	return count
}

// IsEmpty reports whether the cart has no lines.
func (c CartSnapshot) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Clone returns a snapshot backed by its own slice.
func (c CartSnapshot) Clone() CartSnapshot {
	if len(c.Lines) == 0 {
		return CartSnapshot{}
	}
	lines := make([]LineItem, len(c.Lines))
	copy(lines, c.Lines)
	return CartSnapshot{Lines: lines}
}

// BuyerInfo identifies the person placing the order.
type BuyerInfo struct {
	Name         string
	Organization string
	Tier         string
}

// OrderDraft is the frozen order at checkout start. It is never mutated once built.
type OrderDraft struct {
	ID          string
	Buyer       BuyerInfo
	Cart        CartSnapshot
	Subtotal    int64
	DeliveryFee int64
	Total       int64
	Currency    string
	CreatedAt   time.Time
}

// NewOrderDraft freezes the buyer and cart and prices them once.
func NewOrderDraft(id string, buyer BuyerInfo, cart CartSnapshot, currency string, at time.Time) OrderDraft {
	cart = cart.Clone()
	breakdown := PriceCart(cart)
	return OrderDraft{
		ID:          id,
		Buyer:       buyer,
		Cart:        cart,
		Subtotal:    breakdown.Subtotal,
		DeliveryFee: breakdown.DeliveryFee,
		Total:       breakdown.Total,
		Currency:    currency,
		CreatedAt:   at,
	}
}

// CheckoutPhase enumerates the checkout session lifecycle.
type CheckoutPhase string

const (
	CheckoutPhaseIdle            CheckoutPhase = "idle"
	CheckoutPhaseIntentRequested CheckoutPhase = "intent_requested"
	CheckoutPhaseAwaitingPayment CheckoutPhase = "awaiting_payment"
	CheckoutPhaseVerifying       CheckoutPhase = "verifying"
	CheckoutPhaseSettled         CheckoutPhase = "settled"
	CheckoutPhaseFailed          CheckoutPhase = "failed"
)

// InFlight reports whether the phase is waiting on an external party.
func (p CheckoutPhase) InFlight() bool {
	switch p {
	case CheckoutPhaseIntentRequested, CheckoutPhaseAwaitingPayment, CheckoutPhaseVerifying:
		return true
	default:
		return false
	}
}

// FailureReason explains why a checkout session ended in the failed phase.
type FailureReason string

const (
	FailureReasonNone               FailureReason = ""
	FailureReasonIntentCreation     FailureReason = "intent_creation_error"
	FailureReasonPaymentAborted     FailureReason = "payment_aborted"
	FailureReasonVerificationFailed FailureReason = "verification_failed"
)

// PaymentIntent is the backend reference for a pending payment attempt.
type PaymentIntent struct {
	Ref          string
	Amount       int64
	Currency     string
	GatewayKey   string
	ClientSecret string
	Provider     string
}

// PaymentAssertion is the gateway's signed claim that the intent was paid.
type PaymentAssertion struct {
	IntentRef  string
	PaymentRef string
	Signature  string
}

// Verification carries the backend verdict on a payment assertion.
type Verification struct {
	Verified bool
	Reason   string
}

// Settlement records a verified order.
type Settlement struct {
	Draft      OrderDraft
	Intent     PaymentIntent
	PaymentRef string
	SettledAt  time.Time
}
