package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey         string
	PublishableKey string
	AccountID      string
	Backends       *stripe.Backends
	Logger         StripeLogger
	intents        stripePaymentIntentAPI
}

// StripeProvider implements the Provider interface using Stripe Payment Intents.
type StripeProvider struct {
	intents        stripePaymentIntentAPI
	publishableKey string
	account        string
	logger         StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.intents == nil {
		return nil, errors.New("stripe: api key is required")
	}
	publishable := strings.TrimSpace(cfg.PublishableKey)
	if publishable == "" {
		return nil, errors.New("stripe: publishable key is required")
	}

	intents := cfg.intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents:        intents,
		publishableKey: publishable,
		account:        strings.TrimSpace(cfg.AccountID),
		logger:         logger,
	}, nil
}

// CreateIntent creates a Stripe Payment Intent for the order total.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	scale, err := MinorUnitScale(req.Currency)
	if err != nil {
		return Intent{}, err
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount * scale),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderID":       req.OrderID,
		"status":        intent.Status,
	})

	return Intent{
		ID:           intent.ID,
		Provider:     "stripe",
		Amount:       intent.Amount / scale,
		Currency:     strings.ToUpper(string(intent.Currency)),
		ClientKey:    p.publishableKey,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// Verify retrieves the Payment Intent and reports its normalised status.
// Stripe confirms payments client-side, so the assertion signature is not used.
func (p *StripeProvider) Verify(ctx context.Context, req VerifyRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	details, err := stripePaymentDetails(intent)
	if err != nil {
		return PaymentDetails{}, err
	}
	p.logger(ctx, "payments.stripe.intent.looked_up", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})
	return details, nil
}

func stripePaymentDetails(intent *stripe.PaymentIntent) (PaymentDetails, error) {
	if intent == nil {
		return PaymentDetails{}, errors.New("stripe: empty payment intent")
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	code := strings.ToUpper(string(intent.Currency))
	scale, err := MinorUnitScale(code)
	if err != nil {
		return PaymentDetails{}, err
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return PaymentDetails{
		Provider: "stripe",
		IntentID: intent.ID,
		Status:   status,
		Amount:   intent.Amount / scale,
		Currency: code,
		Raw:      raw,
	}, nil
}
