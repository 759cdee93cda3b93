package domain

// deliveryTier is a half-open subtotal band [floor, next floor).
type deliveryTier struct {
	Floor int64
	Fee   int64
}

// deliveryTiers must stay sorted by Floor ascending. A zero subtotal is handled before lookup.
var deliveryTiers = []deliveryTier{
	{Floor: 1, Fee: 10},
	{Floor: 100, Fee: 15},
	{Floor: 200, Fee: 20},
	{Floor: 300, Fee: 25},
	{Floor: 400, Fee: 30},
	{Floor: 500, Fee: 35},
	{Floor: 600, Fee: 40},
	{Floor: 1000, Fee: 50},
}

// DeliveryFee maps a cart subtotal to its delivery charge. Empty or negative subtotals cost nothing.
func DeliveryFee(subtotal int64) int64 {
	if subtotal <= 0 {
		return 0
	}
	fee := int64(0)
	for _, tier := range deliveryTiers {
		if subtotal < tier.Floor {
			break
		}
		fee = tier.Fee
	}
	return fee
}

// PriceBreakdown captures the bill shown for a cart.
type PriceBreakdown struct {
	Subtotal    int64
	DeliveryFee int64
	Total       int64
	ItemCount   int
}

// PriceCart derives the bill from a snapshot.
func PriceCart(cart CartSnapshot) PriceBreakdown {
	subtotal := cart.Subtotal()
	fee := DeliveryFee(subtotal)
	return PriceBreakdown{
		Subtotal:    subtotal,
		DeliveryFee: fee,
		Total:       subtotal + fee,
		ItemCount:   cart.ItemCount(),
	}
}
