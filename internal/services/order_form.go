package services

import (
	"sync"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/platform/textutil"
)

const defaultBuyerFieldLimit = 120

// Buyer form field keys reported by ValidationError.
const (
	FieldBuyerName         = "name"
	FieldBuyerOrganization = "organization"
	FieldBuyerTier         = "tier"
	FieldCart              = "cart"
)

// OrderFormOption customises an OrderForm.
type OrderFormOption func(*OrderForm)

// WithFieldLimit caps each buyer field at limit runes.
func WithFieldLimit(limit int) OrderFormOption {
	return func(f *OrderForm) {
		if limit > 0 {
			f.limit = limit
		}
	}
}

// OrderForm holds the buyer identity fields that gate checkout.
type OrderForm struct {
	mu    sync.RWMutex
	buyer domain.BuyerInfo
	limit int
}

// NewOrderForm returns an empty form.
func NewOrderForm(opts ...OrderFormOption) *OrderForm {
	form := &OrderForm{limit: defaultBuyerFieldLimit}
	for _, opt := range opts {
		if opt != nil {
			opt(form)
		}
	}
	return form
}

// Update replaces all three fields.
func (f *OrderForm) Update(buyer domain.BuyerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyer = domain.BuyerInfo{
		Name:         f.clean(buyer.Name),
		Organization: f.clean(buyer.Organization),
		Tier:         f.clean(buyer.Tier),
	}
}

// SetName replaces the buyer name.
func (f *OrderForm) SetName(value string) {
	f.mu.Lock()
	f.buyer.Name = f.clean(value)
	f.mu.Unlock()
}

// SetOrganization replaces the school or organization.
func (f *OrderForm) SetOrganization(value string) {
	f.mu.Lock()
	f.buyer.Organization = f.clean(value)
	f.mu.Unlock()
}

// SetTier replaces the class or tier.
func (f *OrderForm) SetTier(value string) {
	f.mu.Lock()
	f.buyer.Tier = f.clean(value)
	f.mu.Unlock()
}

// Buyer returns the current field values.
func (f *OrderForm) Buyer() domain.BuyerInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.buyer
}

// IsComplete reports whether every field is non-empty.
func (f *OrderForm) IsComplete() bool {
	return f.Validate() == nil
}

// Validate returns a *ValidationError naming each empty field, or nil.
func (f *OrderForm) Validate() error {
	return ValidateBuyer(f.Buyer())
}

// ValidateBuyer returns a *ValidationError naming each empty field of buyer, or nil.
func ValidateBuyer(buyer domain.BuyerInfo) error {
	verr := newValidationError()
	if buyer.Name == "" {
		verr.add(FieldBuyerName, "is required")
	}
	if buyer.Organization == "" {
		verr.add(FieldBuyerOrganization, "is required")
	}
	if buyer.Tier == "" {
		verr.add(FieldBuyerTier, "is required")
	}
	if verr.empty() {
		return nil
	}
	return verr
}

// Reset clears every field.
func (f *OrderForm) Reset() {
	f.mu.Lock()
	f.buyer = domain.BuyerInfo{}
	f.mu.Unlock()
}

func (f *OrderForm) clean(value string) string {
	return textutil.Truncate(textutil.CleanFreeText(value), f.limit)
}
