package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/hungerhunt/storefront/internal/platform/observability"

// CheckoutMetrics counts checkout outcomes and records settled order amounts.
type CheckoutMetrics struct {
	outcomes metric.Int64Counter
	amounts  metric.Int64Histogram
}

// NewCheckoutMetrics registers the checkout instruments on meter, or on the global meter provider when nil.
func NewCheckoutMetrics(meter metric.Meter) (*CheckoutMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	outcomes, err := meter.Int64Counter(
		"storefront.checkout.outcomes",
		metric.WithDescription("Checkout sessions that reached a terminal outcome."),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register outcome counter: %w", err)
	}
	amounts, err := meter.Int64Histogram(
		"storefront.checkout.amount",
		metric.WithDescription("Order totals in whole currency units."),
		metric.WithUnit("{currency_unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register amount histogram: %w", err)
	}
	return &CheckoutMetrics{outcomes: outcomes, amounts: amounts}, nil
}

// RecordCheckoutOutcome increments the outcome counter and records the order amount.
func (m *CheckoutMetrics) RecordCheckoutOutcome(ctx context.Context, outcome string, amount int64, currency string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", strings.TrimSpace(outcome)),
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
	)
	m.outcomes.Add(ctx, 1, attrs)
	if amount > 0 {
		m.amounts.Record(ctx, amount, attrs)
	}
}
