package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

const (
	defaultCheckoutCurrency = "INR"
	defaultVerifyTimeout    = 30 * time.Second

	outcomeSettled = "settled"
)

var checkoutTracer = otel.Tracer("github.com/hungerhunt/storefront/internal/services/checkout")

// checkoutCart is the slice of CartLedger the coordinator needs.
type checkoutCart interface {
	Snapshot() domain.CartSnapshot
	Clear()
}

// checkoutForm is the slice of OrderForm the coordinator needs.
type checkoutForm interface {
	Validate() error
	Buyer() domain.BuyerInfo
	Reset()
}

// CheckoutCoordinatorDeps wires the collaborators of a CheckoutCoordinator.
type CheckoutCoordinatorDeps struct {
	Cart          checkoutCart
	Form          checkoutForm
	Backend       CheckoutBackend
	Gateway       PaymentGateway
	Publisher     SettlementPublisher
	Recorder      CheckoutRecorder
	Currency      string
	MerchantName  string
	Description   string
	VerifyTimeout time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type checkoutSession struct {
	draft     domain.OrderDraft
	intent    domain.PaymentIntent
	request   AuthorizationRequest
	assertion domain.PaymentAssertion
	phase     domain.CheckoutPhase
	failure   domain.FailureReason
	err       error
	cancel    context.CancelFunc
	updatedAt time.Time
}

// CheckoutCoordinator runs the checkout state machine for one cart. At most one session is active.
type CheckoutCoordinator struct {
	cart         checkoutCart
	form         checkoutForm
	backend      CheckoutBackend
	gateway      PaymentGateway
	publisher    SettlementPublisher
	recorder     CheckoutRecorder
	currency     string
	merchantName string
	description  string
	verifyTO     time.Duration
	now          func() time.Time
	newID        func() string
	logger       func(ctx context.Context, event string, fields map[string]any)

	mu         sync.Mutex
	session    *checkoutSession
	settlement *domain.Settlement
	changed    chan struct{}
	closed     bool
	wg         sync.WaitGroup
}

// NewCheckoutCoordinator validates deps and returns an idle coordinator.
func NewCheckoutCoordinator(deps CheckoutCoordinatorDeps) (*CheckoutCoordinator, error) {
	if deps.Cart == nil {
		return nil, errors.New("checkout coordinator: cart is required")
	}
	if deps.Form == nil {
		return nil, errors.New("checkout coordinator: order form is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("checkout coordinator: checkout backend is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout coordinator: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	verifyTO := deps.VerifyTimeout
	if verifyTO <= 0 {
		verifyTO = defaultVerifyTimeout
	}

	return &CheckoutCoordinator{
		cart:         deps.Cart,
		form:         deps.Form,
		backend:      deps.Backend,
		gateway:      deps.Gateway,
		publisher:    deps.Publisher,
		recorder:     deps.Recorder,
		currency:     currency,
		merchantName: strings.TrimSpace(deps.MerchantName),
		description:  strings.TrimSpace(deps.Description),
		verifyTO:     verifyTO,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:   newID,
		logger:  logger,
		changed: make(chan struct{}),
	}, nil
}

// Begin freezes a draft from the current cart and buyer form, creates a payment intent
// and opens the gateway authorization. A failed session is replaced by a fresh attempt.
// While another attempt is in flight Begin returns ErrCheckoutInProgress without side effects.
func (c *CheckoutCoordinator) Begin(ctx context.Context) (CheckoutSessionView, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return CheckoutSessionView{}, ErrWidgetSessionNotFound
	}
	if c.session != nil && c.session.phase.InFlight() {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, ErrCheckoutInProgress
	}

	cart := c.cart.Snapshot()
	buyer := c.form.Buyer()
	if err := validateCheckoutEntry(ValidateBuyer(buyer), cart); err != nil {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, err
	}

	draft := domain.NewOrderDraft(c.newID(), buyer, cart, c.currency, c.now())
	session := &checkoutSession{draft: draft}
	c.session = session
	c.settlement = nil
	c.transitionLocked(session, domain.CheckoutPhaseIntentRequested)
	c.mu.Unlock()

	ctx, span := checkoutTracer.Start(ctx, "checkout.begin", trace.WithAttributes(
		attribute.String("checkout.draft_id", draft.ID),
		attribute.Int64("checkout.total", draft.Total),
	))
	defer span.End()

	intent, err := c.backend.CreateIntent(ctx, draft)
	if err == nil && intent.Amount != draft.Total {
		err = fmt.Errorf("intent amount %d does not match draft total %d", intent.Amount, draft.Total)
	}
	if err == nil && strings.TrimSpace(intent.Ref) == "" {
		err = errors.New("intent reference is empty")
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "intent creation failed")
		c.logger(ctx, "checkout.intent_failed", map[string]any{
			"draftID": draft.ID,
			"total":   draft.Total,
			"error":   err.Error(),
		})
		view, _ := c.fail(ctx, session, domain.CheckoutPhaseIntentRequested, domain.FailureReasonIntentCreation, err)
		return view, newCheckoutError(domain.FailureReasonIntentCreation, err)
	}
	if intent.Currency == "" {
		intent.Currency = draft.Currency
	}

	request := AuthorizationRequest{
		GatewayKey:   intent.GatewayKey,
		ClientSecret: intent.ClientSecret,
		Provider:     intent.Provider,
		Amount:       draft.Total,
		Currency:     draft.Currency,
		IntentRef:    intent.Ref,
		BuyerName:    draft.Buyer.Name,
		MerchantName: c.merchantName,
		Description:  c.description,
	}

	authCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.closed || c.session != session || session.phase != domain.CheckoutPhaseIntentRequested {
		c.mu.Unlock()
		cancel()
		return c.Session(), ErrCheckoutInProgress
	}
	session.intent = intent
	session.request = request
	session.cancel = cancel
	c.transitionLocked(session, domain.CheckoutPhaseAwaitingPayment)
	c.wg.Add(1)
	c.mu.Unlock()

	outcomes, err := c.gateway.Authorize(authCtx, request)
	if err != nil {
		c.wg.Done()
		span.RecordError(err)
		c.logger(ctx, "checkout.authorize_failed", map[string]any{
			"draftID":   draft.ID,
			"intentRef": intent.Ref,
			"error":     err.Error(),
		})
		view, _ := c.fail(ctx, session, domain.CheckoutPhaseAwaitingPayment, domain.FailureReasonPaymentAborted, err)
		return view, newCheckoutError(domain.FailureReasonPaymentAborted, err)
	}

	go func() {
		defer c.wg.Done()
		c.awaitAuthorization(authCtx, session, outcomes)
	}()

	c.logger(ctx, "checkout.awaiting_payment", map[string]any{
		"draftID":   draft.ID,
		"intentRef": intent.Ref,
		"amount":    draft.Total,
	})
	return c.Session(), nil
}

// Cancel aborts a pending payment, or discards a failed session. It is a no-op when idle.
func (c *CheckoutCoordinator) Cancel(ctx context.Context) (CheckoutSessionView, error) {
	c.mu.Lock()
	session := c.session
	if session == nil {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, nil
	}
	switch session.phase {
	case domain.CheckoutPhaseAwaitingPayment:
		c.mu.Unlock()
		view, ok := c.abortPayment(ctx, session, errors.New("buyer dismissed the payment"))
		if !ok {
			return view, ErrCheckoutBusy
		}
		return view, nil
	case domain.CheckoutPhaseFailed:
		c.session = nil
		c.notifyLocked()
		view := c.viewLocked()
		c.mu.Unlock()
		return view, nil
	default:
		view := c.viewLocked()
		c.mu.Unlock()
		return view, ErrCheckoutBusy
	}
}

// Retry moves a failed session back to idle. The next Begin builds a fresh draft.
func (c *CheckoutCoordinator) Retry(context.Context) (CheckoutSessionView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.phase != domain.CheckoutPhaseFailed {
		return c.viewLocked(), ErrCheckoutNotFailed
	}
	c.session = nil
	c.notifyLocked()
	return c.viewLocked(), nil
}

// Session returns the current session view.
func (c *CheckoutCoordinator) Session() CheckoutSessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// IntentRef returns the reference of the intent awaiting payment, if any.
func (c *CheckoutCoordinator) IntentRef() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.phase != domain.CheckoutPhaseAwaitingPayment {
		return "", false
	}
	return c.session.intent.Ref, true
}

// Wait blocks until no checkout call is in flight or ctx ends.
func (c *CheckoutCoordinator) Wait(ctx context.Context) (CheckoutSessionView, error) {
	for {
		c.mu.Lock()
		if c.session == nil || !c.session.phase.InFlight() {
			view := c.viewLocked()
			c.mu.Unlock()
			return view, nil
		}
		changed := c.changed
		c.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return c.Session(), ctx.Err()
		}
	}
}

// Close aborts any pending authorization and waits for background work to finish.
func (c *CheckoutCoordinator) Close() {
	c.mu.Lock()
	c.closed = true
	var cancel context.CancelFunc
	if c.session != nil {
		cancel = c.session.cancel
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *CheckoutCoordinator) awaitAuthorization(ctx context.Context, session *checkoutSession, outcomes <-chan AuthorizationOutcome) {
	select {
	case outcome, ok := <-outcomes:
		switch {
		case !ok:
			c.abortPayment(ctx, session, errors.New("gateway closed without outcome"))
		case outcome.Err != nil:
			c.abortPayment(ctx, session, outcome.Err)
		default:
			c.verify(ctx, session, outcome.Assertion)
		}
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if cause == nil {
			cause = ctx.Err()
		}
		c.abortPayment(ctx, session, cause)
	}
}

// abortPayment fails an AwaitingPayment session with PaymentAborted and logs the cause.
// It reports false when the session had already left AwaitingPayment.
func (c *CheckoutCoordinator) abortPayment(ctx context.Context, session *checkoutSession, cause error) (CheckoutSessionView, bool) {
	view, ok := c.fail(ctx, session, domain.CheckoutPhaseAwaitingPayment, domain.FailureReasonPaymentAborted, cause)
	if !ok {
		return view, false
	}
	c.logger(ctx, "checkout.payment_aborted", map[string]any{
		"draftID":   session.draft.ID,
		"intentRef": session.request.IntentRef,
		"error":     cause.Error(),
	})
	return view, true
}

func (c *CheckoutCoordinator) verify(ctx context.Context, session *checkoutSession, assertion domain.PaymentAssertion) {
	c.mu.Lock()
	if c.session != session || session.phase != domain.CheckoutPhaseAwaitingPayment {
		c.mu.Unlock()
		return
	}
	if assertion.IntentRef == "" {
		assertion.IntentRef = session.intent.Ref
	}
	session.assertion = assertion
	c.transitionLocked(session, domain.CheckoutPhaseVerifying)
	c.mu.Unlock()

	ctx, span := checkoutTracer.Start(ctx, "checkout.verify", trace.WithAttributes(
		attribute.String("checkout.draft_id", session.draft.ID),
		attribute.String("checkout.intent_ref", session.intent.Ref),
	))
	defer span.End()

	var (
		result domain.Verification
		err    error
	)
	if assertion.IntentRef != session.intent.Ref {
		err = fmt.Errorf("assertion is for intent %q, expected %q", assertion.IntentRef, session.intent.Ref)
	} else {
		verifyCtx, cancel := context.WithTimeout(ctx, c.verifyTO)
		result, err = c.backend.Verify(verifyCtx, assertion)
		cancel()
	}
	if err == nil && !result.Verified {
		reason := result.Reason
		if reason == "" {
			reason = "payment not verified"
		}
		err = errors.New(reason)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		c.logger(ctx, "checkout.verification_failed", map[string]any{
			"draftID":    session.draft.ID,
			"intentRef":  session.intent.Ref,
			"paymentRef": assertion.PaymentRef,
			"error":      err.Error(),
		})
		c.fail(ctx, session, domain.CheckoutPhaseVerifying, domain.FailureReasonVerificationFailed, err)
		return
	}

	c.settle(ctx, session)
}

func (c *CheckoutCoordinator) settle(ctx context.Context, session *checkoutSession) {
	c.mu.Lock()
	if c.session != session || session.phase != domain.CheckoutPhaseVerifying {
		c.mu.Unlock()
		return
	}
	settlement := domain.Settlement{
		Draft:      session.draft,
		Intent:     session.intent,
		PaymentRef: session.assertion.PaymentRef,
		SettledAt:  c.now(),
	}
	cancel := session.cancel
	session.cancel = nil
	c.transitionLocked(session, domain.CheckoutPhaseSettled)
	c.cart.Clear()
	c.form.Reset()
	c.settlement = &settlement
	c.session = nil
	c.notifyLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ctx = context.WithoutCancel(ctx)

	c.logger(ctx, "checkout.settled", map[string]any{
		"draftID":    settlement.Draft.ID,
		"intentRef":  settlement.Intent.Ref,
		"paymentRef": settlement.PaymentRef,
		"total":      settlement.Draft.Total,
	})
	if c.recorder != nil {
		c.recorder.RecordCheckoutOutcome(ctx, outcomeSettled, settlement.Draft.Total, settlement.Draft.Currency)
	}
	if c.publisher != nil {
		if _, err := c.publisher.PublishSettlement(ctx, settlement); err != nil {
			c.logger(ctx, "checkout.publish_failed", map[string]any{
				"draftID": settlement.Draft.ID,
				"error":   err.Error(),
			})
		}
	}
}

// fail moves session from the expected phase to failed. It returns false when the session
// already left that phase.
func (c *CheckoutCoordinator) fail(ctx context.Context, session *checkoutSession, from domain.CheckoutPhase, reason domain.FailureReason, cause error) (CheckoutSessionView, bool) {
	c.mu.Lock()
	if c.session != session || session.phase != from {
		view := c.viewLocked()
		c.mu.Unlock()
		return view, false
	}
	session.failure = reason
	session.err = cause
	cancel := session.cancel
	session.cancel = nil
	c.transitionLocked(session, domain.CheckoutPhaseFailed)
	view := c.viewLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.recorder != nil {
		c.recorder.RecordCheckoutOutcome(ctx, string(reason), session.draft.Total, session.draft.Currency)
	}
	return view, true
}

func (c *CheckoutCoordinator) transitionLocked(session *checkoutSession, phase domain.CheckoutPhase) {
	session.phase = phase
	session.updatedAt = c.now()
	c.notifyLocked()
}

func (c *CheckoutCoordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *CheckoutCoordinator) viewLocked() CheckoutSessionView {
	view := CheckoutSessionView{Phase: domain.CheckoutPhaseIdle}
	if c.settlement != nil {
		settlement := *c.settlement
		view.LastSettlement = &settlement
	}
	session := c.session
	if session == nil {
		return view
	}
	draft := session.draft
	view.Phase = session.phase
	view.Draft = &draft
	view.UpdatedAt = session.updatedAt
	if session.intent.Ref != "" {
		intent := session.intent
		view.Intent = &intent
	}
	if session.phase == domain.CheckoutPhaseAwaitingPayment {
		request := session.request
		view.Gateway = &request
	}
	if session.phase == domain.CheckoutPhaseFailed {
		view.Failure = session.failure
		view.FailureMessage = FailureMessage(session.failure)
	}
	return view
}

func validateCheckoutEntry(formErr error, cart domain.CartSnapshot) error {
	verr := newValidationError()
	var formVerr *ValidationError
	if errors.As(formErr, &formVerr) {
		for field, msg := range formVerr.fields {
			verr.add(field, msg)
		}
	} else if formErr != nil {
		return formErr
	}
	if cart.IsEmpty() {
		verr.add(FieldCart, "is empty")
	}
	if verr.empty() {
		return nil
	}
	return verr
}
