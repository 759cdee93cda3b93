package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/payments"
	"github.com/hungerhunt/storefront/internal/platform/httpx"
	"github.com/hungerhunt/storefront/internal/services"
)

const (
	paymentEventCaptured = "payment.captured"
	paymentEventFailed   = "payment.failed"

	maxWebhookBodySize = 64 * 1024
)

// PaymentWebhookHandlers accepts signed PSP notifications and resolves pending authorizations.
// The first of webhook or browser callback to arrive wins; later ones are acknowledged and ignored.
type PaymentWebhookHandlers struct {
	callbacks services.PaymentCallbacks
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewPaymentWebhookHandlers constructs webhook handlers. Signature checks are applied by router middleware.
func NewPaymentWebhookHandlers(callbacks services.PaymentCallbacks, logger func(ctx context.Context, event string, fields map[string]any)) *PaymentWebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &PaymentWebhookHandlers{callbacks: callbacks, logger: logger}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments", h.handlePaymentEvent)
}

type paymentEventRequest struct {
	Event      string `json:"event"`
	IntentRef  string `json:"intentRef"`
	PaymentRef string `json:"paymentRef"`
	Signature  string `json:"signature"`
	Reason     string `json:"reason"`
}

type paymentEventResponse struct {
	Status string `json:"status"`
}

func (h *PaymentWebhookHandlers) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.callbacks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "payment callbacks are unavailable", http.StatusServiceUnavailable))
		return
	}

	var req paymentEventRequest
	if err := decodeJSONBody(r, maxWebhookBodySize, &req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	event := strings.ToLower(strings.TrimSpace(req.Event))
	intentRef := strings.TrimSpace(req.IntentRef)
	if intentRef == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "intentRef is required", http.StatusBadRequest))
		return
	}

	var err error
	switch event {
	case paymentEventCaptured:
		if strings.TrimSpace(req.PaymentRef) == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paymentRef is required", http.StatusBadRequest))
			return
		}
		err = h.callbacks.Complete(ctx, domain.PaymentAssertion{
			IntentRef:  intentRef,
			PaymentRef: strings.TrimSpace(req.PaymentRef),
			Signature:  strings.TrimSpace(req.Signature),
		})
	case paymentEventFailed:
		err = h.callbacks.Fail(ctx, intentRef, req.Reason)
	default:
		h.logger(ctx, "webhooks.payment.ignored", map[string]any{
			"event":     event,
			"intentRef": intentRef,
		})
		writeJSONResponse(w, http.StatusOK, paymentEventResponse{Status: "ignored"})
		return
	}

	if errors.Is(err, payments.ErrUnknownIntent) {
		h.logger(ctx, "webhooks.payment.unmatched", map[string]any{
			"event":     event,
			"intentRef": intentRef,
		})
		writeJSONResponse(w, http.StatusOK, paymentEventResponse{Status: "ignored"})
		return
	}
	if err != nil {
		h.logger(ctx, "webhooks.payment.failed", map[string]any{
			"event":     event,
			"intentRef": intentRef,
			"error":     err,
		})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to apply payment event", http.StatusInternalServerError))
		return
	}

	h.logger(ctx, "webhooks.payment.applied", map[string]any{
		"event":     event,
		"intentRef": intentRef,
	})
	writeJSONResponse(w, http.StatusOK, paymentEventResponse{Status: "applied"})
}
