package services

import (
	"fmt"
	"strings"
	"sync"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

// CartLedger owns the cart lines for one widget. Lines are kept in insertion order.
type CartLedger struct {
	mu    sync.Mutex
	lines []domain.LineItem
}

// NewCartLedger returns an empty ledger.
func NewCartLedger() *CartLedger {
	return &CartLedger{}
}

// AddOrIncrement applies delta to the line for item, inserting or removing the line as needed.
// Growing a line beyond item.AvailableStock fails with ErrOutOfStock and leaves the cart unchanged.
func (l *CartLedger) AddOrIncrement(item domain.Item, delta int) error {
	itemID := strings.TrimSpace(item.ID)
	if itemID == "" || delta == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	idx := indexOfLine(l.lines, itemID)
	if idx < 0 {
		if delta < 0 {
			return nil
		}
		if delta > item.AvailableStock {
			return fmt.Errorf("%w: %s has %d available", ErrOutOfStock, item.Name, item.AvailableStock)
		}
		l.lines = append(l.lines, domain.LineItem{
			ItemID:    itemID,
			Name:      item.Name,
			UnitPrice: item.UnitPrice,
			Quantity:  delta,
		})
		return nil
	}

	newQty := l.lines[idx].Quantity + delta
	switch {
	case newQty <= 0:
		l.lines = append(l.lines[:idx:idx], l.lines[idx+1:]...)
	case delta > 0 && newQty > item.AvailableStock:
		return fmt.Errorf("%w: %s has %d available", ErrOutOfStock, item.Name, item.AvailableStock)
	default:
		l.lines[idx].Quantity = newQty
	}
	return nil
}

// Remove deletes the line for itemID if present.
func (l *CartLedger) Remove(itemID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := indexOfLine(l.lines, strings.TrimSpace(itemID))
	if idx < 0 {
		return
	}
	l.lines = append(l.lines[:idx:idx], l.lines[idx+1:]...)
}

// Clear empties the cart.
func (l *CartLedger) Clear() {
	l.mu.Lock()
	l.lines = nil
	l.mu.Unlock()
}

// Snapshot returns a copy of the current lines.
func (l *CartLedger) Snapshot() domain.CartSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.CartSnapshot{Lines: l.lines}.Clone()
}

// Quantity returns the current quantity for itemID, zero when absent.
func (l *CartLedger) Quantity(itemID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx := indexOfLine(l.lines, strings.TrimSpace(itemID)); idx >= 0 {
		return l.lines[idx].Quantity
	}
	return 0
}

func indexOfLine(lines []domain.LineItem, itemID string) int {
	if itemID == "" {
		return -1
	}
	for i, line := range lines {
		if line.ItemID == itemID {
			return i
		}
	}
	return -1
}
