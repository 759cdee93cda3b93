package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/payments"
	"github.com/hungerhunt/storefront/internal/platform/httpx"
	"github.com/hungerhunt/storefront/internal/platform/requestctx"
	"github.com/hungerhunt/storefront/internal/services"
)

const (
	// WidgetSessionHeader carries the widget session id on every widget call after the first.
	WidgetSessionHeader = "X-Widget-Session"

	defaultAwaitTimeout = 20 * time.Second
	maxAwaitTimeout     = 50 * time.Second
	maxQuantityDelta    = 99
)

// WidgetHandlers exposes the cart, buyer form and checkout of one embedded widget.
type WidgetHandlers struct {
	widgets      services.WidgetService
	currency     string
	limiter      rateLimiter
	awaitTimeout time.Duration
}

// WidgetOption customises WidgetHandlers.
type WidgetOption func(*WidgetHandlers)

// WithSessionRateLimit caps how many sessions one client address may open per window.
func WithSessionRateLimit(limit int, window time.Duration) WidgetOption {
	return func(h *WidgetHandlers) {
		h.limiter = newFixedWindowLimiter(limit, window, nil)
	}
}

// WithAwaitTimeout sets how long GET /checkout?wait=true blocks before answering with the current phase.
func WithAwaitTimeout(timeout time.Duration) WidgetOption {
	return func(h *WidgetHandlers) {
		if timeout > 0 && timeout <= maxAwaitTimeout {
			h.awaitTimeout = timeout
		}
	}
}

// NewWidgetHandlers constructs widget handlers over the widget service.
func NewWidgetHandlers(widgets services.WidgetService, currency string, opts ...WidgetOption) *WidgetHandlers {
	h := &WidgetHandlers{
		widgets:      widgets,
		currency:     strings.ToUpper(strings.TrimSpace(currency)),
		awaitTimeout: defaultAwaitTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes wires the /widget endpoints onto the provided router.
func (h *WidgetHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(limitByClientIP(h.limiter)).Post("/session", h.openSession)
	r.Get("/", h.getWidget)
	r.Post("/cart/items", h.adjustItem)
	r.Delete("/cart/items/{itemId}", h.removeItem)
	r.Put("/buyer", h.updateBuyer)
	r.Post("/checkout", h.beginCheckout)
	r.Get("/checkout", h.getCheckout)
	r.Post("/checkout/authorize", h.authorizePayment)
	r.Post("/checkout/abort", h.abortPayment)
	r.Post("/checkout/retry", h.retryCheckout)
}

// WidgetSessionContext copies the widget session header into the request context.
func WidgetSessionContext(header string) func(http.Handler) http.Handler {
	if strings.TrimSpace(header) == "" {
		header = WidgetSessionHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get(header)); id != "" && len(id) <= 64 {
				r = r.WithContext(requestctx.WithWidgetSession(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

type adjustItemRequest struct {
	ItemID string `json:"itemId"`
	Delta  int    `json:"delta"`
}

type updateBuyerRequest struct {
	Name         string `json:"name"`
	Organization string `json:"organization"`
	Tier         string `json:"tier"`
}

type authorizePaymentRequest struct {
	IntentRef  string `json:"intentRef"`
	PaymentRef string `json:"paymentRef"`
	Signature  string `json:"signature"`
}

func (h *WidgetHandlers) openSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.widgets == nil {
		writeWidgetUnavailable(ctx, w)
		return
	}
	view, err := h.widgets.OpenSession(ctx)
	if err != nil {
		h.writeWidgetError(ctx, w, view, err)
		return
	}
	w.Header().Set(WidgetSessionHeader, view.SessionID)
	h.writeWidget(w, http.StatusCreated, view)
}

func (h *WidgetHandlers) getWidget(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.View(ctx, sessionID)
	})
}

func (h *WidgetHandlers) adjustItem(w http.ResponseWriter, r *http.Request) {
	var req adjustItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.ItemID = strings.TrimSpace(req.ItemID)
	if req.ItemID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "itemId is required", http.StatusBadRequest))
		return
	}
	if req.Delta == 0 || req.Delta > maxQuantityDelta || req.Delta < -maxQuantityDelta {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "delta must be a non-zero step of at most "+strconv.Itoa(maxQuantityDelta), http.StatusBadRequest))
		return
	}
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.AdjustItem(ctx, services.AdjustItemCommand{
			SessionID: sessionID,
			ItemID:    req.ItemID,
			Delta:     req.Delta,
		})
	})
}

func (h *WidgetHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	itemID := strings.TrimSpace(chi.URLParam(r, "itemId"))
	if itemID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "itemId is required", http.StatusBadRequest))
		return
	}
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.RemoveItem(ctx, sessionID, itemID)
	})
}

func (h *WidgetHandlers) updateBuyer(w http.ResponseWriter, r *http.Request) {
	var req updateBuyerRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.UpdateBuyer(ctx, services.UpdateBuyerCommand{
			SessionID: sessionID,
			Buyer: domain.BuyerInfo{
				Name:         req.Name,
				Organization: req.Organization,
				Tier:         req.Tier,
			},
		})
	})
}

func (h *WidgetHandlers) beginCheckout(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.BeginCheckout(ctx, sessionID)
	})
}

// getCheckout returns the widget, optionally long-polling until no backend call is in flight.
func (h *WidgetHandlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("wait")))
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		if !wait {
			return h.widgets.View(ctx, sessionID)
		}
		waitCtx, cancel := context.WithTimeout(ctx, h.awaitTimeout)
		defer cancel()
		view, err := h.widgets.AwaitCheckout(waitCtx, sessionID)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return view, nil
		}
		return view, err
	})
}

func (h *WidgetHandlers) authorizePayment(w http.ResponseWriter, r *http.Request) {
	var req authorizePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PaymentRef) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "paymentRef is required", http.StatusBadRequest))
		return
	}
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		waitCtx, cancel := context.WithTimeout(ctx, h.awaitTimeout)
		defer cancel()
		view, err := h.widgets.SubmitPayment(waitCtx, sessionID, domain.PaymentAssertion{
			IntentRef:  req.IntentRef,
			PaymentRef: req.PaymentRef,
			Signature:  req.Signature,
		})
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return view, nil
		}
		return view, err
	})
}

func (h *WidgetHandlers) abortPayment(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.AbortPayment(ctx, sessionID)
	})
}

func (h *WidgetHandlers) retryCheckout(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(ctx context.Context, sessionID string) (services.WidgetView, error) {
		return h.widgets.RetryCheckout(ctx, sessionID)
	})
}

func (h *WidgetHandlers) withSession(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, sessionID string) (services.WidgetView, error)) {
	ctx := r.Context()
	if h.widgets == nil {
		writeWidgetUnavailable(ctx, w)
		return
	}
	sessionID := requestctx.WidgetSession(ctx)
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("widget_session_required", WidgetSessionHeader+" header is required", http.StatusBadRequest))
		return
	}
	view, err := op(ctx, sessionID)
	if err != nil {
		h.writeWidgetError(ctx, w, view, err)
		return
	}
	h.writeWidget(w, http.StatusOK, view)
}

func (h *WidgetHandlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSONBody(r, maxWidgetBodySize, dst); err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	return true
}

func (h *WidgetHandlers) writeWidget(w http.ResponseWriter, status int, view services.WidgetView) {
	setNoStoreHeaders(w)
	writeJSONResponse(w, status, buildWidgetPayload(view, h.currency))
}

// writeWidgetError maps service errors onto the envelope. When the session still exists the
// current widget is attached so the client can redraw without another round trip.
func (h *WidgetHandlers) writeWidgetError(ctx context.Context, w http.ResponseWriter, view services.WidgetView, err error) {
	var (
		apiErr     httpx.Error
		validation *services.ValidationError
		checkout   *services.CheckoutError
	)
	switch {
	case errors.Is(err, services.ErrWidgetSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("widget_session_not_found", "widget session expired; open a new one", http.StatusNotFound))
		return
	case errors.As(err, &checkout):
		apiErr = httpx.NewError(string(checkout.Reason), services.FailureMessage(checkout.Reason), http.StatusBadGateway)
	case errors.Is(err, services.ErrItemNotFound):
		apiErr = httpx.NewError("item_not_found", "item is no longer on the menu", http.StatusNotFound)
	case errors.Is(err, services.ErrOutOfStock):
		apiErr = httpx.NewError("out_of_stock", "not enough stock for that quantity", http.StatusConflict)
	case errors.Is(err, services.ErrCatalogFetch):
		apiErr = httpx.NewError("catalog_unavailable", "the catalog is temporarily unavailable", http.StatusServiceUnavailable)
	case errors.As(err, &validation):
		fields := make(map[string]any, len(validation.Fields()))
		for field, message := range validation.Fields() {
			fields[field] = message
		}
		apiErr = httpx.NewError("validation_failed", "complete the order form before checkout", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"fields": fields})
	case errors.Is(err, services.ErrValidation):
		apiErr = httpx.NewError("validation_failed", "complete the order form before checkout", http.StatusUnprocessableEntity)
	case errors.Is(err, services.ErrCheckoutInProgress):
		apiErr = httpx.NewError("checkout_in_progress", "a checkout attempt is already running", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutBusy):
		apiErr = httpx.NewError("checkout_busy", "checkout is waiting on the payment backend", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutNotFailed):
		apiErr = httpx.NewError("checkout_not_failed", "only a failed checkout can be retried", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutNotAwaitingPayment), errors.Is(err, payments.ErrUnknownIntent):
		apiErr = httpx.NewError("payment_not_awaited", "no payment is awaited for this checkout", http.StatusConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apiErr = httpx.NewError("request_cancelled", "request was cancelled", http.StatusServiceUnavailable)
	default:
		apiErr = httpx.NewError("widget_error", "widget request failed", http.StatusInternalServerError)
	}
	if view.SessionID != "" {
		apiErr = apiErr.WithDetails(map[string]any{"widget": buildWidgetPayload(view, h.currency)})
	}
	httpx.WriteError(ctx, w, apiErr)
}

func writeWidgetUnavailable(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError("widget_unavailable", "widget service is unavailable", http.StatusServiceUnavailable))
}
