package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/text/currency"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrUnknownIntent is returned when an operation references an intent that is not pending.
	ErrUnknownIntent = errors.New("payments: unknown intent")
)

// IntentLine describes a single order line sent to the PSP.
type IntentLine struct {
	ItemID    string
	Name      string
	Quantity  int
	UnitPrice int64
}

// IntentRequest captures the payload required to create a payment intent.
type IntentRequest struct {
	OrderID        string
	Amount         int64
	Subtotal       int64
	DeliveryFee    int64
	Currency       string
	BuyerName      string
	Organization   string
	Tier           string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
	Lines          []IntentLine
}

// Intent represents the PSP intent returned to the client.
type Intent struct {
	ID           string
	Provider     string
	Amount       int64
	Currency     string
	ClientKey    string
	ClientSecret string
}

// VerifyRequest contains the gateway assertion to check.
type VerifyRequest struct {
	IntentID  string
	PaymentID string
	Signature string
}

// PaymentDetails normalises PSP specific fields. Amount is zero when the PSP does not report it.
type PaymentDetails struct {
	Provider string
	IntentID string
	Status   Status
	Amount   int64
	Currency string
	Raw      map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Verify(ctx context.Context, req VerifyRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the checkout backend contract.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
	description     string
	logger          func(ctx context.Context, event string, fields map[string]any)
	intents         *expirable.LRU[string, issuedIntent]
}

const (
	issuedIntentCapacity = 10000
	issuedIntentTTL      = 24 * time.Hour
)

type issuedIntent struct {
	provider string
	amount   int64
	currency string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithDescription sets the statement description sent with every intent.
func WithDescription(description string) ManagerOption {
	return func(m *Manager) {
		m.description = strings.TrimSpace(description)
	}
}

// WithLogger sets the manager's event logger.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
		logger:    func(context.Context, string, map[string]any) {},
		intents:   expirable.NewLRU[string, issuedIntent](issuedIntentCapacity, nil, issuedIntentTTL),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	code := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if code != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[code]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent creates a payment intent for the draft on the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
	key, provider, err := m.resolveProvider(PaymentContext{Currency: draft.Currency})
	if err != nil {
		return domain.PaymentIntent{}, err
	}

	lines := make([]IntentLine, 0, len(draft.Cart.Lines))
	for _, line := range draft.Cart.Lines {
		lines = append(lines, IntentLine{
			ItemID:    line.ItemID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	intent, err := provider.CreateIntent(ctx, IntentRequest{
		OrderID:        draft.ID,
		Amount:         draft.Total,
		Subtotal:       draft.Subtotal,
		DeliveryFee:    draft.DeliveryFee,
		Currency:       draft.Currency,
		BuyerName:      draft.Buyer.Name,
		Organization:   draft.Buyer.Organization,
		Tier:           draft.Buyer.Tier,
		Description:    m.description,
		IdempotencyKey: intentIdempotencyKey(draft),
		Metadata: map[string]string{
			"order_id":     draft.ID,
			"buyer_name":   draft.Buyer.Name,
			"organization": draft.Buyer.Organization,
			"tier":         draft.Buyer.Tier,
		},
		Lines: lines,
	})
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if intent.ID == "" {
		return domain.PaymentIntent{}, fmt.Errorf("payments: provider %s returned an empty intent id", key)
	}
	code := strings.ToUpper(strings.TrimSpace(intent.Currency))
	if code == "" {
		code = draft.Currency
	}

	m.intents.Add(intent.ID, issuedIntent{provider: key, amount: intent.Amount, currency: code})

	m.logger(ctx, "payments.intent.created", map[string]any{
		"provider": key,
		"intentID": intent.ID,
		"orderID":  draft.ID,
		"amount":   intent.Amount,
	})

	return domain.PaymentIntent{
		Ref:          intent.ID,
		Amount:       intent.Amount,
		Currency:     code,
		GatewayKey:   intent.ClientKey,
		ClientSecret: intent.ClientSecret,
		Provider:     key,
	}, nil
}

// Verify checks the assertion with the provider that issued the intent.
func (m *Manager) Verify(ctx context.Context, assertion domain.PaymentAssertion) (domain.Verification, error) {
	intentID := strings.TrimSpace(assertion.IntentRef)
	if intentID == "" {
		return domain.Verification{}, fmt.Errorf("%w: intent reference is required", ErrUnknownIntent)
	}

	issued, ok := m.intents.Get(intentID)
	if !ok {
		return domain.Verification{}, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	provider, found := m.providers[issued.provider]
	if !found {
		return domain.Verification{}, ErrUnsupportedProvider
	}

	details, err := provider.Verify(ctx, VerifyRequest{
		IntentID:  intentID,
		PaymentID: strings.TrimSpace(assertion.PaymentRef),
		Signature: strings.TrimSpace(assertion.Signature),
	})
	if err != nil {
		return domain.Verification{}, err
	}

	verification := domain.Verification{Verified: details.Status == StatusSucceeded}
	switch {
	case !verification.Verified:
		verification.Reason = "payment status " + string(details.Status)
	case details.Amount != 0 && details.Amount != issued.amount:
		verification = domain.Verification{Reason: "paid amount " + strconv.FormatInt(details.Amount, 10) + " does not match intent"}
	case details.Currency != "" && !strings.EqualFold(details.Currency, issued.currency):
		verification = domain.Verification{Reason: "paid currency " + details.Currency + " does not match intent"}
	}

	if verification.Verified {
		m.intents.Remove(intentID)
	}

	m.logger(ctx, "payments.intent.verified", map[string]any{
		"provider": issued.provider,
		"intentID": intentID,
		"verified": verification.Verified,
		"reason":   verification.Reason,
	})
	return verification, nil
}

func intentIdempotencyKey(draft domain.OrderDraft) string {
	sum := sha256.Sum256([]byte(draft.ID + ":" + strconv.FormatInt(draft.Total, 10) + ":" + draft.Currency))
	return hex.EncodeToString(sum[:16])
}

// MinorUnitScale returns the multiplier from whole currency units to the PSP's minor units.
func MinorUnitScale(code string) (int64, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return 0, fmt.Errorf("payments: unsupported currency %q: %w", code, err)
	}
	digits, _ := currency.Standard.Rounding(unit)
	scale := int64(1)
	for i := 0; i < digits; i++ {
		scale *= 10
	}
	return scale, nil
}
