package jobs

import (
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

// OrderSettledEventType names the event in message attributes and headers.
const OrderSettledEventType = "order.settled"

// OrderSettled is the wire form of a settled order.
type OrderSettled struct {
	Type        string             `json:"type"`
	OrderID     string             `json:"orderId"`
	IntentRef   string             `json:"intentRef"`
	PaymentRef  string             `json:"paymentRef"`
	Provider    string             `json:"provider,omitempty"`
	Buyer       OrderSettledBuyer  `json:"buyer"`
	Lines       []OrderSettledLine `json:"lines"`
	Subtotal    int64              `json:"subtotal"`
	DeliveryFee int64              `json:"deliveryFee"`
	Total       int64              `json:"total"`
	Currency    string             `json:"currency"`
	SettledAt   time.Time          `json:"settledAt"`
}

// OrderSettledBuyer mirrors the buyer form.
type OrderSettledBuyer struct {
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Tier         string `json:"tier"`
}

// OrderSettledLine is one purchased line.
type OrderSettledLine struct {
	ItemID    string `json:"itemId"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unitPrice"`
	Quantity  int    `json:"quantity"`
}

// NewOrderSettled converts a settlement into its event payload.
func NewOrderSettled(s domain.Settlement) OrderSettled {
	lines := make([]OrderSettledLine, 0, len(s.Draft.Cart.Lines))
	for _, line := range s.Draft.Cart.Lines {
		lines = append(lines, OrderSettledLine{
			ItemID:    line.ItemID,
			Name:      line.Name,
			UnitPrice: line.UnitPrice,
			Quantity:  line.Quantity,
		})
	}
	return OrderSettled{
		Type:       OrderSettledEventType,
		OrderID:    s.Draft.ID,
		IntentRef:  s.Intent.Ref,
		PaymentRef: s.PaymentRef,
		Provider:   s.Intent.Provider,
		Buyer: OrderSettledBuyer{
			Name:         s.Draft.Buyer.Name,
			Organization: s.Draft.Buyer.Organization,
			Tier:         s.Draft.Buyer.Tier,
		},
		Lines:       lines,
		Subtotal:    s.Draft.Subtotal,
		DeliveryFee: s.Draft.DeliveryFee,
		Total:       s.Draft.Total,
		Currency:    s.Draft.Currency,
		SettledAt:   s.SettledAt.UTC(),
	}
}
