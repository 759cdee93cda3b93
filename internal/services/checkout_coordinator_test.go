package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

type stubCheckoutBackend struct {
	createFunc  func(ctx context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error)
	verifyFunc  func(ctx context.Context, assertion domain.PaymentAssertion) (domain.Verification, error)
	createCalls atomic.Int32
	verifyCalls atomic.Int32
}

func (s *stubCheckoutBackend) CreateIntent(ctx context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
	s.createCalls.Add(1)
	if s.createFunc != nil {
		return s.createFunc(ctx, draft)
	}
	return domain.PaymentIntent{Ref: "order_" + draft.ID, Amount: draft.Total, GatewayKey: "key_test"}, nil
}

func (s *stubCheckoutBackend) Verify(ctx context.Context, assertion domain.PaymentAssertion) (domain.Verification, error) {
	s.verifyCalls.Add(1)
	if s.verifyFunc != nil {
		return s.verifyFunc(ctx, assertion)
	}
	return domain.Verification{Verified: true}, nil
}

type stubGateway struct {
	mu       sync.Mutex
	requests []AuthorizationRequest
	ctxs     []context.Context
	outcomes chan AuthorizationOutcome
	err      error
}

func newStubGateway() *stubGateway {
	return &stubGateway{outcomes: make(chan AuthorizationOutcome, 1)}
}

func (g *stubGateway) Authorize(ctx context.Context, req AuthorizationRequest) (<-chan AuthorizationOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.requests = append(g.requests, req)
	g.ctxs = append(g.ctxs, ctx)
	return g.outcomes, nil
}

func (g *stubGateway) lastRequest(t *testing.T) (AuthorizationRequest, context.Context) {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		t.Fatalf("gateway was not asked to authorize")
	}
	return g.requests[len(g.requests)-1], g.ctxs[len(g.ctxs)-1]
}

type stubSettlementPublisher struct {
	mu          sync.Mutex
	settlements []domain.Settlement
	err         error
}

func (p *stubSettlementPublisher) PublishSettlement(_ context.Context, settlement domain.Settlement) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settlements = append(p.settlements, settlement)
	if p.err != nil {
		return "", p.err
	}
	return "msg-1", nil
}

type stubRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *stubRecorder) RecordCheckoutOutcome(_ context.Context, outcome string, _ int64, _ string) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

type stubEventLog struct {
	mu     sync.Mutex
	events []string
	fields []map[string]any
}

func (l *stubEventLog) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.fields = append(l.fields, fields)
	l.mu.Unlock()
}

func (l *stubEventLog) find(event string) ([]map[string]any, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var found []map[string]any
	for i, name := range l.events {
		if name == event {
			found = append(found, l.fields[i])
		}
	}
	return found, len(found)
}

type coordinatorFixture struct {
	coordinator *CheckoutCoordinator
	ledger      *CartLedger
	form        *OrderForm
	backend     *stubCheckoutBackend
	gateway     *stubGateway
	publisher   *stubSettlementPublisher
	recorder    *stubRecorder
	events      *stubEventLog
}

func newCoordinatorFixture(t *testing.T, backend *stubCheckoutBackend) coordinatorFixture {
	t.Helper()
	if backend == nil {
		backend = &stubCheckoutBackend{}
	}
	fx := coordinatorFixture{
		ledger:    NewCartLedger(),
		form:      NewOrderForm(),
		backend:   backend,
		gateway:   newStubGateway(),
		publisher: &stubSettlementPublisher{},
		recorder:  &stubRecorder{},
		events:    &stubEventLog{},
	}
	var seq atomic.Int32
	coordinator, err := NewCheckoutCoordinator(CheckoutCoordinatorDeps{
		Cart:         fx.ledger,
		Form:         fx.form,
		Backend:      fx.backend,
		Gateway:      fx.gateway,
		Publisher:    fx.publisher,
		Recorder:     fx.recorder,
		Logger:       fx.events.log,
		MerchantName: "Hunger Hunt",
		Clock:        func() time.Time { return time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC) },
		IDGenerator:  func() string { return fmt.Sprintf("draft-%d", seq.Add(1)) },
	})
	if err != nil {
		t.Fatalf("unexpected error constructing coordinator: %v", err)
	}
	t.Cleanup(coordinator.Close)
	fx.coordinator = coordinator
	return fx
}

func (fx coordinatorFixture) fillScenario(t *testing.T) {
	t.Helper()
	if err := fx.ledger.AddOrIncrement(testItem("A", 50, 5), 2); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if err := fx.ledger.AddOrIncrement(testItem("B", 30, 5), 1); err != nil {
		t.Fatalf("add B: %v", err)
	}
	fx.form.Update(domain.BuyerInfo{Name: "Asha", Organization: "Green Valley School", Tier: "7"})
}

func waitSettled(t *testing.T, c *CheckoutCoordinator) CheckoutSessionView {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	view, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("checkout did not leave the in-flight phases: %v (phase %s)", err, view.Phase)
	}
	return view
}

func TestCheckoutCoordinatorEndToEnd(t *testing.T) {
	backend := &stubCheckoutBackend{}
	backend.createFunc = func(_ context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
		if draft.Subtotal != 130 || draft.DeliveryFee != 15 || draft.Total != 145 {
			t.Errorf("unexpected draft totals %+v", draft)
		}
		return domain.PaymentIntent{Ref: "order_1", Amount: 145, GatewayKey: "rzp_key"}, nil
	}
	backend.verifyFunc = func(_ context.Context, assertion domain.PaymentAssertion) (domain.Verification, error) {
		if assertion.IntentRef != "order_1" || assertion.PaymentRef != "pay_1" || assertion.Signature != "sig" {
			t.Errorf("unexpected assertion %+v", assertion)
		}
		return domain.Verification{Verified: true}, nil
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)

	view, err := fx.coordinator.Begin(context.Background())
	if err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	if view.Phase != domain.CheckoutPhaseAwaitingPayment {
		t.Fatalf("expected awaiting payment, got %s", view.Phase)
	}
	if view.Gateway == nil || view.Gateway.Amount != 145 || view.Gateway.Currency != "INR" {
		t.Fatalf("unexpected gateway options %+v", view.Gateway)
	}
	if view.Gateway.BuyerName != "Asha" || view.Gateway.GatewayKey != "rzp_key" || view.Gateway.MerchantName != "Hunger Hunt" {
		t.Fatalf("unexpected gateway prefill %+v", view.Gateway)
	}
	req, _ := fx.gateway.lastRequest(t)
	if req.Amount != 145 || req.IntentRef != "order_1" {
		t.Fatalf("unexpected authorization request %+v", req)
	}

	fx.gateway.outcomes <- AuthorizationOutcome{Assertion: domain.PaymentAssertion{IntentRef: "order_1", PaymentRef: "pay_1", Signature: "sig"}}
	final := waitSettled(t, fx.coordinator)

	if final.Phase != domain.CheckoutPhaseIdle {
		t.Fatalf("expected idle after settlement, got %s", final.Phase)
	}
	if final.LastSettlement == nil || final.LastSettlement.PaymentRef != "pay_1" || final.LastSettlement.Draft.Total != 145 {
		t.Fatalf("unexpected settlement %+v", final.LastSettlement)
	}
	if !fx.ledger.Snapshot().IsEmpty() {
		t.Fatalf("expected cart cleared")
	}
	if fx.form.Buyer() != (domain.BuyerInfo{}) {
		t.Fatalf("expected form reset")
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Fatalf("expected one createIntent call, got %d", got)
	}
	fx.publisher.mu.Lock()
	published := len(fx.publisher.settlements)
	fx.publisher.mu.Unlock()
	if published != 1 {
		t.Fatalf("expected one published settlement, got %d", published)
	}
	fx.recorder.mu.Lock()
	defer fx.recorder.mu.Unlock()
	if len(fx.recorder.outcomes) != 1 || fx.recorder.outcomes[0] != outcomeSettled {
		t.Fatalf("unexpected recorded outcomes %v", fx.recorder.outcomes)
	}
}

func TestCheckoutCoordinatorRejectsIncompleteBuyerWithoutNetwork(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	_ = fx.ledger.AddOrIncrement(testItem("A", 50, 5), 1)
	fx.form.SetName("Asha")

	view, err := fx.coordinator.Begin(context.Background())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := verr.Fields()
	if fields[FieldBuyerOrganization] == "" || fields[FieldBuyerTier] == "" {
		t.Fatalf("expected missing organization and tier, got %#v", fields)
	}
	if view.Phase != domain.CheckoutPhaseIdle {
		t.Fatalf("expected idle, got %s", view.Phase)
	}
	if fx.backend.createCalls.Load() != 0 {
		t.Fatalf("backend must not be called")
	}
}

func TestCheckoutCoordinatorRejectsEmptyCart(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.form.Update(domain.BuyerInfo{Name: "A", Organization: "B", Tier: "C"})

	_, err := fx.coordinator.Begin(context.Background())
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields()[FieldCart] == "" {
		t.Fatalf("expected cart validation error, got %v", err)
	}
	if fx.backend.createCalls.Load() != 0 {
		t.Fatalf("backend must not be called")
	}
}

func TestCheckoutCoordinatorSingleInFlightBegin(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	backend := &stubCheckoutBackend{}
	backend.createFunc = func(_ context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
		close(entered)
		<-release
		return domain.PaymentIntent{Ref: "order_1", Amount: draft.Total}, nil
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)

	firstDone := make(chan error, 1)
	go func() {
		_, err := fx.coordinator.Begin(context.Background())
		firstDone <- err
	}()
	<-entered

	view, err := fx.coordinator.Begin(context.Background())
	if !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("expected ErrCheckoutInProgress, got %v", err)
	}
	if view.Phase != domain.CheckoutPhaseIntentRequested {
		t.Fatalf("expected intent requested, got %s", view.Phase)
	}
	if _, err := fx.coordinator.Cancel(context.Background()); !errors.Is(err, ErrCheckoutBusy) {
		t.Fatalf("expected ErrCheckoutBusy while intent is requested, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first begin failed: %v", err)
	}
	if _, err := fx.coordinator.Begin(context.Background()); !errors.Is(err, ErrCheckoutInProgress) {
		t.Fatalf("expected ErrCheckoutInProgress while awaiting payment, got %v", err)
	}
	if got := backend.createCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one createIntent call, got %d", got)
	}
}

func TestCheckoutCoordinatorIntentFailureKeepsCartAndForm(t *testing.T) {
	backend := &stubCheckoutBackend{}
	backend.createFunc = func(context.Context, domain.OrderDraft) (domain.PaymentIntent, error) {
		return domain.PaymentIntent{}, errors.New("backend down")
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)
	before := fx.ledger.Snapshot()

	view, err := fx.coordinator.Begin(context.Background())
	if !errors.Is(err, ErrIntentCreation) {
		t.Fatalf("expected ErrIntentCreation, got %v", err)
	}
	var cerr *CheckoutError
	if !errors.As(err, &cerr) || cerr.Reason != domain.FailureReasonIntentCreation {
		t.Fatalf("expected CheckoutError with intent creation reason, got %v", err)
	}
	if view.Phase != domain.CheckoutPhaseFailed || view.Failure != domain.FailureReasonIntentCreation || view.FailureMessage == "" {
		t.Fatalf("unexpected failed view %+v", view)
	}
	if len(fx.ledger.Snapshot().Lines) != len(before.Lines) {
		t.Fatalf("cart changed after failure")
	}
	if !fx.form.IsComplete() {
		t.Fatalf("form must be kept after failure")
	}
}

func TestCheckoutCoordinatorIntentAmountMismatchFails(t *testing.T) {
	backend := &stubCheckoutBackend{}
	backend.createFunc = func(_ context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
		return domain.PaymentIntent{Ref: "order_1", Amount: draft.Total + 1}, nil
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)

	view, err := fx.coordinator.Begin(context.Background())
	if !errors.Is(err, ErrIntentCreation) {
		t.Fatalf("expected ErrIntentCreation, got %v", err)
	}
	if view.Phase != domain.CheckoutPhaseFailed {
		t.Fatalf("expected failed, got %s", view.Phase)
	}
	fx.gateway.mu.Lock()
	defer fx.gateway.mu.Unlock()
	if len(fx.gateway.requests) != 0 {
		t.Fatalf("gateway must not be opened for a mismatched intent")
	}
}

func TestCheckoutCoordinatorGatewayOpenFailureAborts(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.gateway.err = errors.New("gateway unreachable")
	fx.fillScenario(t)

	view, err := fx.coordinator.Begin(context.Background())
	if !errors.Is(err, ErrPaymentAborted) {
		t.Fatalf("expected ErrPaymentAborted, got %v", err)
	}
	if view.Failure != domain.FailureReasonPaymentAborted {
		t.Fatalf("unexpected failure %q", view.Failure)
	}
}

func TestCheckoutCoordinatorCancelDuringPayment(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.fillScenario(t)

	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	_, authCtx := fx.gateway.lastRequest(t)

	view, err := fx.coordinator.Cancel(context.Background())
	if err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}
	if view.Phase != domain.CheckoutPhaseFailed || view.Failure != domain.FailureReasonPaymentAborted {
		t.Fatalf("expected failed payment aborted, got %+v", view)
	}
	select {
	case <-authCtx.Done():
	case <-time.After(time.Second):
		t.Fatalf("authorization context was not cancelled")
	}

	fx.gateway.outcomes <- AuthorizationOutcome{Assertion: domain.PaymentAssertion{PaymentRef: "late"}}
	time.Sleep(20 * time.Millisecond)
	if fx.backend.verifyCalls.Load() != 0 {
		t.Fatalf("late assertion must not be verified after cancel")
	}
	if fx.ledger.Snapshot().IsEmpty() {
		t.Fatalf("cart must survive cancel")
	}
	if _, n := fx.events.find("checkout.payment_aborted"); n != 1 {
		t.Fatalf("expected one payment_aborted event, got %d", n)
	}
}

func TestCheckoutCoordinatorCloseDuringPaymentLogsAbort(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.fillScenario(t)
	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	req, _ := fx.gateway.lastRequest(t)

	fx.coordinator.Close()

	view := fx.coordinator.Session()
	if view.Phase != domain.CheckoutPhaseFailed || view.Failure != domain.FailureReasonPaymentAborted {
		t.Fatalf("expected payment aborted after close, got %+v", view)
	}
	found, n := fx.events.find("checkout.payment_aborted")
	if n != 1 {
		t.Fatalf("expected one payment_aborted event, got %d", n)
	}
	if view.Draft == nil || found[0]["draftID"] != view.Draft.ID || found[0]["intentRef"] != req.IntentRef {
		t.Fatalf("unexpected abort fields %+v", found[0])
	}
	if cause, _ := found[0]["error"].(string); cause == "" {
		t.Fatalf("expected abort cause to be logged")
	}
}

func TestCheckoutCoordinatorGatewayClosedWithoutOutcome(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.fillScenario(t)
	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}

	close(fx.gateway.outcomes)
	view := waitSettled(t, fx.coordinator)
	if view.Phase != domain.CheckoutPhaseFailed || view.Failure != domain.FailureReasonPaymentAborted {
		t.Fatalf("expected payment aborted, got %+v", view)
	}
	fx.coordinator.Close()

	found, n := fx.events.find("checkout.payment_aborted")
	if n != 1 {
		t.Fatalf("expected one payment_aborted event, got %d", n)
	}
	if found[0]["error"] != "gateway closed without outcome" {
		t.Fatalf("unexpected abort cause %v", found[0]["error"])
	}
	if fx.backend.verifyCalls.Load() != 0 {
		t.Fatalf("verify must not be called without an assertion")
	}
}

func TestCheckoutCoordinatorBeginFreezesConsistentBuyer(t *testing.T) {
	var incomplete atomic.Int32
	backend := &stubCheckoutBackend{
		createFunc: func(_ context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
			if draft.Buyer.Name == "" || draft.Buyer.Organization == "" || draft.Buyer.Tier == "" {
				incomplete.Add(1)
			}
			return domain.PaymentIntent{Ref: "order_" + draft.ID, Amount: draft.Total, GatewayKey: "key_test"}, nil
		},
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)

	complete := domain.BuyerInfo{Name: "Asha", Organization: "Green Valley School", Tier: "7"}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if i%2 == 0 {
				fx.form.Reset()
			} else {
				fx.form.Update(complete)
			}
		}
	}()

	for i := 0; i < 200; i++ {
		fx.coordinator.Begin(context.Background())
		fx.coordinator.Cancel(context.Background())
	}
	close(done)
	wg.Wait()

	if n := incomplete.Load(); n != 0 {
		t.Fatalf("expected every draft to carry a complete buyer, %d did not", n)
	}
}

func TestCheckoutCoordinatorGatewayReportedFailure(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.fillScenario(t)
	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}

	fx.gateway.outcomes <- AuthorizationOutcome{Err: errors.New("card declined")}
	view := waitSettled(t, fx.coordinator)

	if view.Phase != domain.CheckoutPhaseFailed || view.Failure != domain.FailureReasonPaymentAborted {
		t.Fatalf("expected payment aborted, got %+v", view)
	}
	if fx.backend.verifyCalls.Load() != 0 {
		t.Fatalf("verify must not be called for an aborted payment")
	}
}

func TestCheckoutCoordinatorVerificationFailures(t *testing.T) {
	cases := map[string]func(context.Context, domain.PaymentAssertion) (domain.Verification, error){
		"not verified": func(context.Context, domain.PaymentAssertion) (domain.Verification, error) {
			return domain.Verification{Verified: false}, nil
		},
		"verify error": func(context.Context, domain.PaymentAssertion) (domain.Verification, error) {
			return domain.Verification{}, errors.New("timeout")
		},
	}
	for name, verify := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newCoordinatorFixture(t, &stubCheckoutBackend{verifyFunc: verify})
			fx.fillScenario(t)
			if _, err := fx.coordinator.Begin(context.Background()); err != nil {
				t.Fatalf("unexpected begin error: %v", err)
			}
			req, _ := fx.gateway.lastRequest(t)
			fx.gateway.outcomes <- AuthorizationOutcome{Assertion: domain.PaymentAssertion{IntentRef: req.IntentRef, PaymentRef: "pay", Signature: "bad"}}

			view := waitSettled(t, fx.coordinator)
			if view.Phase != domain.CheckoutPhaseFailed || view.Failure != domain.FailureReasonVerificationFailed {
				t.Fatalf("expected verification failed, got %+v", view)
			}
			if fx.ledger.Snapshot().IsEmpty() || !fx.form.IsComplete() {
				t.Fatalf("cart and form must be kept after verification failure")
			}
		})
	}
}

func TestCheckoutCoordinatorAssertionForOtherIntentFails(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.fillScenario(t)
	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}

	fx.gateway.outcomes <- AuthorizationOutcome{Assertion: domain.PaymentAssertion{IntentRef: "someone-else", PaymentRef: "pay"}}
	view := waitSettled(t, fx.coordinator)
	if view.Failure != domain.FailureReasonVerificationFailed {
		t.Fatalf("expected verification failure, got %+v", view)
	}
	if fx.backend.verifyCalls.Load() != 0 {
		t.Fatalf("mismatched assertion must not reach the backend")
	}
}

func TestCheckoutCoordinatorRetryBuildsFreshDraft(t *testing.T) {
	var attempts []domain.OrderDraft
	backend := &stubCheckoutBackend{}
	backend.createFunc = func(_ context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
		attempts = append(attempts, draft)
		if len(attempts) == 1 {
			return domain.PaymentIntent{}, errors.New("backend down")
		}
		return domain.PaymentIntent{Ref: "order_2", Amount: draft.Total}, nil
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)

	if _, err := fx.coordinator.Begin(context.Background()); !errors.Is(err, ErrIntentCreation) {
		t.Fatalf("expected intent failure, got %v", err)
	}
	if err := fx.ledger.AddOrIncrement(testItem("C", 900, 2), 1); err != nil {
		t.Fatalf("add C: %v", err)
	}

	view, err := fx.coordinator.Retry(context.Background())
	if err != nil || view.Phase != domain.CheckoutPhaseIdle {
		t.Fatalf("expected idle after retry, got %s err=%v", view.Phase, err)
	}
	view, err = fx.coordinator.Begin(context.Background())
	if err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}

	if len(attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(attempts))
	}
	if attempts[0].ID == attempts[1].ID {
		t.Fatalf("expected new draft id")
	}
	if attempts[1].Subtotal != 1030 || attempts[1].DeliveryFee != 50 || attempts[1].Total != 1080 {
		t.Fatalf("second draft does not reflect cart edit: %+v", attempts[1])
	}
	if view.Draft == nil || view.Draft.Total != 1080 {
		t.Fatalf("unexpected view draft %+v", view.Draft)
	}
}

func TestCheckoutCoordinatorBeginFromFailedRetriesImplicitly(t *testing.T) {
	calls := 0
	backend := &stubCheckoutBackend{}
	backend.createFunc = func(_ context.Context, draft domain.OrderDraft) (domain.PaymentIntent, error) {
		calls++
		if calls == 1 {
			return domain.PaymentIntent{}, errors.New("backend down")
		}
		return domain.PaymentIntent{Ref: "order_2", Amount: draft.Total}, nil
	}
	fx := newCoordinatorFixture(t, backend)
	fx.fillScenario(t)

	_, _ = fx.coordinator.Begin(context.Background())
	view, err := fx.coordinator.Begin(context.Background())
	if err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	if view.Phase != domain.CheckoutPhaseAwaitingPayment {
		t.Fatalf("expected awaiting payment, got %s", view.Phase)
	}
}

func TestCheckoutCoordinatorRetryAndCancelOutsideFailure(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)

	if _, err := fx.coordinator.Retry(context.Background()); !errors.Is(err, ErrCheckoutNotFailed) {
		t.Fatalf("expected ErrCheckoutNotFailed, got %v", err)
	}
	view, err := fx.coordinator.Cancel(context.Background())
	if err != nil || view.Phase != domain.CheckoutPhaseIdle {
		t.Fatalf("cancel while idle must be a no-op, got %s err=%v", view.Phase, err)
	}

	fx.backend.createFunc = func(context.Context, domain.OrderDraft) (domain.PaymentIntent, error) {
		return domain.PaymentIntent{}, errors.New("down")
	}
	fx.fillScenario(t)
	_, _ = fx.coordinator.Begin(context.Background())

	view, err = fx.coordinator.Cancel(context.Background())
	if err != nil || view.Phase != domain.CheckoutPhaseIdle {
		t.Fatalf("cancel from failed must return to idle, got %s err=%v", view.Phase, err)
	}
}

func TestCheckoutCoordinatorChargesFrozenTotal(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.fillScenario(t)

	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	if err := fx.ledger.AddOrIncrement(testItem("C", 500, 3), 2); err != nil {
		t.Fatalf("add during payment: %v", err)
	}
	req, _ := fx.gateway.lastRequest(t)
	fx.gateway.outcomes <- AuthorizationOutcome{Assertion: domain.PaymentAssertion{IntentRef: req.IntentRef, PaymentRef: "pay"}}

	view := waitSettled(t, fx.coordinator)
	if view.LastSettlement == nil || view.LastSettlement.Draft.Total != 145 || view.LastSettlement.Intent.Amount != 145 {
		t.Fatalf("settlement must use the frozen total, got %+v", view.LastSettlement)
	}
}

func TestCheckoutCoordinatorPublishFailureKeepsSettlement(t *testing.T) {
	fx := newCoordinatorFixture(t, nil)
	fx.publisher.err = errors.New("broker down")
	fx.fillScenario(t)

	if _, err := fx.coordinator.Begin(context.Background()); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	req, _ := fx.gateway.lastRequest(t)
	fx.gateway.outcomes <- AuthorizationOutcome{Assertion: domain.PaymentAssertion{IntentRef: req.IntentRef, PaymentRef: "pay"}}

	view := waitSettled(t, fx.coordinator)
	if view.Phase != domain.CheckoutPhaseIdle || view.LastSettlement == nil {
		t.Fatalf("expected settled idle view, got %+v", view)
	}
	if !fx.ledger.Snapshot().IsEmpty() {
		t.Fatalf("expected cart cleared")
	}
}

func TestNewCheckoutCoordinatorRequiresDeps(t *testing.T) {
	if _, err := NewCheckoutCoordinator(CheckoutCoordinatorDeps{}); err == nil {
		t.Fatalf("expected error for missing deps")
	}
}
