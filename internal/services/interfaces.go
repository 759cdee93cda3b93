package services

import (
	"context"
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

// CatalogProvider lists every purchasable item.
type CatalogProvider interface {
	FetchAll(ctx context.Context) ([]domain.Item, error)
}

// CheckoutBackend creates payment intents for drafts and verifies gateway assertions.
type CheckoutBackend interface {
	CreateIntent(ctx context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error)
	Verify(ctx context.Context, assertion domain.PaymentAssertion) (domain.Verification, error)
}

// AuthorizationRequest carries what the buyer's browser needs to open the gateway UI.
type AuthorizationRequest struct {
	GatewayKey   string
	ClientSecret string
	Provider     string
	Amount       int64
	Currency     string
	IntentRef    string
	BuyerName    string
	MerchantName string
	Description  string
}

// AuthorizationOutcome resolves a pending authorization. A non-nil Err means the payment was aborted.
type AuthorizationOutcome struct {
	Assertion domain.PaymentAssertion
	Err       error
}

// PaymentGateway starts a client-side authorization. The returned channel yields exactly one
// outcome, or nothing when ctx is cancelled first.
type PaymentGateway interface {
	Authorize(ctx context.Context, req AuthorizationRequest) (<-chan AuthorizationOutcome, error)
}

// PaymentCallbacks resolves pending authorizations from browser or webhook callbacks.
type PaymentCallbacks interface {
	Complete(ctx context.Context, assertion domain.PaymentAssertion) error
	Fail(ctx context.Context, intentRef string, reason string) error
}

// SettlementPublisher emits an event after an order settles.
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, settlement domain.Settlement) (string, error)
}

// CheckoutRecorder receives checkout outcome measurements.
type CheckoutRecorder interface {
	RecordCheckoutOutcome(ctx context.Context, outcome string, amount int64, currency string)
}

// CatalogService exposes the catalog to the widget.
type CatalogService interface {
	List(ctx context.Context, query CatalogQuery) (CatalogListing, error)
	FindItem(ctx context.Context, itemID string) (domain.Item, error)
}

// CatalogQuery filters and pages the catalog.
type CatalogQuery struct {
	Category  string
	Search    string
	PageSize  int
	PageToken string
}

// CatalogListing is one page of catalog items. Degraded is set when the provider failed.
type CatalogListing struct {
	Items         []domain.Item
	Categories    []string
	NextPageToken string
	Degraded      bool
	Warning       string
}

// WidgetService drives one buyer's widget state across HTTP requests.
type WidgetService interface {
	OpenSession(ctx context.Context) (WidgetView, error)
	View(ctx context.Context, sessionID string) (WidgetView, error)
	AdjustItem(ctx context.Context, cmd AdjustItemCommand) (WidgetView, error)
	RemoveItem(ctx context.Context, sessionID, itemID string) (WidgetView, error)
	UpdateBuyer(ctx context.Context, cmd UpdateBuyerCommand) (WidgetView, error)
	BeginCheckout(ctx context.Context, sessionID string) (WidgetView, error)
	SubmitPayment(ctx context.Context, sessionID string, assertion domain.PaymentAssertion) (WidgetView, error)
	AbortPayment(ctx context.Context, sessionID string) (WidgetView, error)
	RetryCheckout(ctx context.Context, sessionID string) (WidgetView, error)
	AwaitCheckout(ctx context.Context, sessionID string) (WidgetView, error)
}

// AdjustItemCommand changes the quantity of an item by Delta.
type AdjustItemCommand struct {
	SessionID string
	ItemID    string
	Delta     int
}

// UpdateBuyerCommand replaces the buyer form fields.
type UpdateBuyerCommand struct {
	SessionID string
	Buyer     domain.BuyerInfo
}

// WidgetView is the full widget state returned after every operation.
type WidgetView struct {
	SessionID     string
	Cart          domain.CartSnapshot
	Pricing       domain.PriceBreakdown
	Buyer         domain.BuyerInfo
	BuyerComplete bool
	Checkout      CheckoutSessionView
	ExpiresAt     time.Time
}

// CheckoutSessionView is a read-only copy of the checkout session.
type CheckoutSessionView struct {
	Phase          domain.CheckoutPhase
	Draft          *domain.OrderDraft
	Intent         *domain.PaymentIntent
	Gateway        *AuthorizationRequest
	Failure        domain.FailureReason
	FailureMessage string
	LastSettlement *domain.Settlement
	UpdatedAt      time.Time
}
