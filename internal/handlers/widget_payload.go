package handlers

import (
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/payments"
	"github.com/hungerhunt/storefront/internal/services"
)

type widgetPayload struct {
	SessionID     string          `json:"sessionId"`
	ExpiresAt     string          `json:"expiresAt,omitempty"`
	Currency      string          `json:"currency"`
	Cart          cartPayload     `json:"cart"`
	Pricing       pricingPayload  `json:"pricing"`
	Buyer         buyerPayload    `json:"buyer"`
	BuyerComplete bool            `json:"buyerComplete"`
	Checkout      checkoutPayload `json:"checkout"`
}

type cartPayload struct {
	Lines     []cartLinePayload `json:"lines"`
	ItemCount int               `json:"itemCount"`
}

type cartLinePayload struct {
	ItemID    string `json:"itemId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"lineTotal"`
}

type pricingPayload struct {
	Subtotal    int64 `json:"subtotal"`
	DeliveryFee int64 `json:"deliveryFee"`
	Total       int64 `json:"total"`
}

type buyerPayload struct {
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Tier         string `json:"tier"`
}

type checkoutPayload struct {
	Phase          string             `json:"phase"`
	DraftID        string             `json:"draftId,omitempty"`
	Total          int64              `json:"total,omitempty"`
	IntentRef      string             `json:"intentRef,omitempty"`
	Gateway        *gatewayPayload    `json:"gateway,omitempty"`
	Failure        string             `json:"failure,omitempty"`
	FailureMessage string             `json:"failureMessage,omitempty"`
	LastSettlement *settlementPayload `json:"lastSettlement,omitempty"`
	UpdatedAt      string             `json:"updatedAt,omitempty"`
}

// gatewayPayload carries the checkout widget options. Amount is in whole currency units and
// MinorAmount in the smallest unit the payment widget expects (paise for INR).
type gatewayPayload struct {
	Provider     string `json:"provider,omitempty"`
	Key          string `json:"key"`
	ClientSecret string `json:"clientSecret,omitempty"`
	Amount       int64  `json:"amount"`
	MinorAmount  int64  `json:"minorAmount,omitempty"`
	Currency     string `json:"currency"`
	IntentRef    string `json:"intentRef"`
	BuyerName    string `json:"buyerName,omitempty"`
	MerchantName string `json:"merchantName,omitempty"`
	Description  string `json:"description,omitempty"`
}

type settlementPayload struct {
	OrderID    string `json:"orderId"`
	PaymentRef string `json:"paymentRef"`
	Total      int64  `json:"total"`
	Currency   string `json:"currency"`
	SettledAt  string `json:"settledAt"`
}

func buildWidgetPayload(view services.WidgetView, currency string) widgetPayload {
	payload := widgetPayload{
		SessionID: view.SessionID,
		Currency:  currency,
		Cart: cartPayload{
			Lines:     make([]cartLinePayload, 0, len(view.Cart.Lines)),
			ItemCount: view.Pricing.ItemCount,
		},
		Pricing: pricingPayload{
			Subtotal:    view.Pricing.Subtotal,
			DeliveryFee: view.Pricing.DeliveryFee,
			Total:       view.Pricing.Total,
		},
		Buyer: buyerPayload{
			Name:         view.Buyer.Name,
			Organization: view.Buyer.Organization,
			Tier:         view.Buyer.Tier,
		},
		BuyerComplete: view.BuyerComplete,
		Checkout:      buildCheckoutPayload(view.Checkout),
	}
	if !view.ExpiresAt.IsZero() {
		payload.ExpiresAt = formatTime(view.ExpiresAt)
	}
	for _, line := range view.Cart.Lines {
		payload.Cart.Lines = append(payload.Cart.Lines, cartLinePayload{
			ItemID:    line.ItemID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
			LineTotal: line.Total(),
		})
	}
	return payload
}

func buildCheckoutPayload(session services.CheckoutSessionView) checkoutPayload {
	phase := session.Phase
	if phase == "" {
		phase = domain.CheckoutPhaseIdle
	}
	payload := checkoutPayload{
		Phase:          string(phase),
		Failure:        string(session.Failure),
		FailureMessage: session.FailureMessage,
	}
	if session.Draft != nil {
		payload.DraftID = session.Draft.ID
		payload.Total = session.Draft.Total
	}
	if session.Intent != nil {
		payload.IntentRef = session.Intent.Ref
	}
	if gw := session.Gateway; gw != nil && phase == domain.CheckoutPhaseAwaitingPayment {
		payload.Gateway = &gatewayPayload{
			Provider:     gw.Provider,
			Key:          gw.GatewayKey,
			ClientSecret: gw.ClientSecret,
			Amount:       gw.Amount,
			Currency:     gw.Currency,
			IntentRef:    gw.IntentRef,
			BuyerName:    gw.BuyerName,
			MerchantName: gw.MerchantName,
			Description:  gw.Description,
		}
		if scale, err := payments.MinorUnitScale(gw.Currency); err == nil {
			payload.Gateway.MinorAmount = gw.Amount * scale
		}
	}
	if s := session.LastSettlement; s != nil {
		payload.LastSettlement = &settlementPayload{
			OrderID:    s.Draft.ID,
			PaymentRef: s.PaymentRef,
			Total:      s.Draft.Total,
			Currency:   s.Draft.Currency,
			SettledAt:  formatTime(s.SettledAt),
		}
	}
	if !session.UpdatedAt.IsZero() {
		payload.UpdatedAt = formatTime(session.UpdatedAt)
	}
	return payload
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
