package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/services"
)

// ErrPaymentAborted is delivered to the waiting checkout when the buyer or PSP aborts a payment.
var ErrPaymentAborted = errors.New("payments: payment aborted")

// CallbackGateway hands the authorization request to the buyer's browser and waits for the
// browser callback or PSP webhook to resolve it.
type CallbackGateway struct {
	mu      sync.Mutex
	pending map[string]chan services.AuthorizationOutcome
	logger  func(ctx context.Context, event string, fields map[string]any)
}

// NewCallbackGateway constructs an empty gateway.
func NewCallbackGateway(logger func(ctx context.Context, event string, fields map[string]any)) *CallbackGateway {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CallbackGateway{
		pending: make(map[string]chan services.AuthorizationOutcome),
		logger:  logger,
	}
}

var (
	_ services.PaymentGateway   = (*CallbackGateway)(nil)
	_ services.PaymentCallbacks = (*CallbackGateway)(nil)
)

// Authorize registers the intent as pending. The entry is dropped when ctx ends.
func (g *CallbackGateway) Authorize(ctx context.Context, req services.AuthorizationRequest) (<-chan services.AuthorizationOutcome, error) {
	ref := strings.TrimSpace(req.IntentRef)
	if ref == "" {
		return nil, errors.New("payments: intent reference is required")
	}
	if strings.TrimSpace(req.GatewayKey) == "" {
		return nil, errors.New("payments: gateway key is required")
	}

	ch := make(chan services.AuthorizationOutcome, 1)
	g.mu.Lock()
	if _, exists := g.pending[ref]; exists {
		g.mu.Unlock()
		return nil, fmt.Errorf("payments: intent %s already awaiting authorization", ref)
	}
	g.pending[ref] = ch
	g.mu.Unlock()

	g.logger(ctx, "payments.authorization.opened", map[string]any{
		"intentID": ref,
		"provider": req.Provider,
		"amount":   req.Amount,
	})

	go func() {
		<-ctx.Done()
		g.release(ref, ch)
	}()
	return ch, nil
}

// Complete resolves the pending authorization with the gateway assertion.
func (g *CallbackGateway) Complete(ctx context.Context, assertion domain.PaymentAssertion) error {
	ref := strings.TrimSpace(assertion.IntentRef)
	ch, ok := g.take(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, ref)
	}
	ch <- services.AuthorizationOutcome{Assertion: assertion}
	g.logger(ctx, "payments.authorization.completed", map[string]any{
		"intentID":  ref,
		"paymentID": assertion.PaymentRef,
	})
	return nil
}

// Fail resolves the pending authorization as aborted.
func (g *CallbackGateway) Fail(ctx context.Context, intentRef string, reason string) error {
	ref := strings.TrimSpace(intentRef)
	ch, ok := g.take(ref)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, ref)
	}
	cause := ErrPaymentAborted
	if reason = strings.TrimSpace(reason); reason != "" {
		cause = fmt.Errorf("%w: %s", ErrPaymentAborted, reason)
	}
	ch <- services.AuthorizationOutcome{Err: cause}
	g.logger(ctx, "payments.authorization.failed", map[string]any{
		"intentID": ref,
		"reason":   reason,
	})
	return nil
}

// Pending reports whether the intent is still awaiting a callback.
func (g *CallbackGateway) Pending(intentRef string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[strings.TrimSpace(intentRef)]
	return ok
}

func (g *CallbackGateway) take(ref string) (chan services.AuthorizationOutcome, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.pending[ref]
	if ok {
		delete(g.pending, ref)
	}
	return ch, ok
}

func (g *CallbackGateway) release(ref string, ch chan services.AuthorizationOutcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.pending[ref]; ok && current == ch {
		delete(g.pending, ref)
	}
}
