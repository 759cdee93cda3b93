package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oklog/ulid/v2"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

const (
	defaultWidgetSessionTTL = 2 * time.Hour
	defaultWidgetSessions   = 10000
)

// WidgetSession is the in-memory state of one embedded widget.
type WidgetSession struct {
	ID       string
	Cart     *CartLedger
	Form     *OrderForm
	Checkout *CheckoutCoordinator
}

// WidgetServiceDeps wires the collaborators shared by every widget session.
type WidgetServiceDeps struct {
	Catalog       CatalogService
	Backend       CheckoutBackend
	Gateway       PaymentGateway
	Callbacks     PaymentCallbacks
	Publisher     SettlementPublisher
	Recorder      CheckoutRecorder
	Currency      string
	MerchantName  string
	Description   string
	SessionTTL    time.Duration
	MaxSessions   int
	VerifyTimeout time.Duration
	FieldLimit    int
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type widgetService struct {
	deps     WidgetServiceDeps
	sessions *expirable.LRU[string, *WidgetSession]
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewWidgetService constructs a WidgetService holding sessions in a bounded expiring store.
func NewWidgetService(deps WidgetServiceDeps) (WidgetService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("widget service: catalog service is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("widget service: checkout backend is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("widget service: payment gateway is required")
	}
	if deps.Callbacks == nil {
		return nil, errors.New("widget service: payment callbacks are required")
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
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultWidgetSessionTTL
	}
	capacity := deps.MaxSessions
	if capacity <= 0 {
		capacity = defaultWidgetSessions
	}

	onEvict := func(_ string, session *WidgetSession) {
		go session.Checkout.Close()
	}

	return &widgetService{
		deps:     deps,
		sessions: expirable.NewLRU[string, *WidgetSession](capacity, onEvict, ttl),
		ttl:      ttl,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

func (s *widgetService) OpenSession(ctx context.Context) (WidgetView, error) {
	ledger := NewCartLedger()
	form := NewOrderForm(WithFieldLimit(s.deps.FieldLimit))
	coordinator, err := NewCheckoutCoordinator(CheckoutCoordinatorDeps{
		Cart:          ledger,
		Form:          form,
		Backend:       s.deps.Backend,
		Gateway:       s.deps.Gateway,
		Publisher:     s.deps.Publisher,
		Recorder:      s.deps.Recorder,
		Currency:      s.deps.Currency,
		MerchantName:  s.deps.MerchantName,
		Description:   s.deps.Description,
		VerifyTimeout: s.deps.VerifyTimeout,
		Clock:         s.deps.Clock,
		Logger:        s.deps.Logger,
	})
	if err != nil {
		return WidgetView{}, err
	}

	session := &WidgetSession{
		ID:       s.newID(),
		Cart:     ledger,
		Form:     form,
		Checkout: coordinator,
	}
	s.sessions.Add(session.ID, session)
	s.logger(ctx, "widget.session_opened", map[string]any{"sessionID": session.ID})
	return s.view(session), nil
}

func (s *widgetService) View(_ context.Context, sessionID string) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	return s.view(session), nil
}

func (s *widgetService) AdjustItem(ctx context.Context, cmd AdjustItemCommand) (WidgetView, error) {
	session, err := s.lookup(cmd.SessionID)
	if err != nil {
		return WidgetView{}, err
	}
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return s.view(session), fmt.Errorf("%w: item id is required", ErrItemNotFound)
	}

	// Decrements never need stock, so they work for items that left the catalog.
	item := domain.Item{ID: itemID}
	if cmd.Delta > 0 {
		item, err = s.deps.Catalog.FindItem(ctx, itemID)
		if err != nil {
			return s.view(session), err
		}
	}

	if err := session.Cart.AddOrIncrement(item, cmd.Delta); err != nil {
		s.logger(ctx, "cart.out_of_stock", map[string]any{
			"sessionID": session.ID,
			"itemID":    itemID,
			"requested": session.Cart.Quantity(itemID) + cmd.Delta,
			"available": item.AvailableStock,
		})
		return s.view(session), err
	}
	return s.view(session), nil
}

func (s *widgetService) RemoveItem(_ context.Context, sessionID, itemID string) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	session.Cart.Remove(itemID)
	return s.view(session), nil
}

func (s *widgetService) UpdateBuyer(_ context.Context, cmd UpdateBuyerCommand) (WidgetView, error) {
	session, err := s.lookup(cmd.SessionID)
	if err != nil {
		return WidgetView{}, err
	}
	session.Form.Update(cmd.Buyer)
	return s.view(session), nil
}

func (s *widgetService) BeginCheckout(ctx context.Context, sessionID string) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	_, err = session.Checkout.Begin(ctx)
	return s.view(session), err
}

// SubmitPayment hands the gateway assertion to the pending authorization and waits for verification.
func (s *widgetService) SubmitPayment(ctx context.Context, sessionID string, assertion domain.PaymentAssertion) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	intentRef, ok := session.Checkout.IntentRef()
	if !ok {
		return s.view(session), ErrCheckoutNotAwaitingPayment
	}
	assertion.IntentRef = strings.TrimSpace(assertion.IntentRef)
	if assertion.IntentRef == "" {
		assertion.IntentRef = intentRef
	}
	if assertion.IntentRef != intentRef {
		return s.view(session), fmt.Errorf("%w: intent %s is not pending", ErrCheckoutNotAwaitingPayment, assertion.IntentRef)
	}

	if err := s.deps.Callbacks.Complete(ctx, assertion); err != nil {
		return s.view(session), err
	}
	if _, err := session.Checkout.Wait(ctx); err != nil {
		return s.view(session), err
	}
	return s.view(session), nil
}

func (s *widgetService) AbortPayment(ctx context.Context, sessionID string) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	_, err = session.Checkout.Cancel(ctx)
	return s.view(session), err
}

func (s *widgetService) RetryCheckout(ctx context.Context, sessionID string) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	_, err = session.Checkout.Retry(ctx)
	return s.view(session), err
}

func (s *widgetService) AwaitCheckout(ctx context.Context, sessionID string) (WidgetView, error) {
	session, err := s.lookup(sessionID)
	if err != nil {
		return WidgetView{}, err
	}
	_, err = session.Checkout.Wait(ctx)
	return s.view(session), err
}

// lookup returns the session and refreshes its expiry.
func (s *widgetService) lookup(sessionID string) (*WidgetSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrWidgetSessionNotFound
	}
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, ErrWidgetSessionNotFound
	}
	s.sessions.Add(sessionID, session)
	return session, nil
}

func (s *widgetService) view(session *WidgetSession) WidgetView {
	cart := session.Cart.Snapshot()
	return WidgetView{
		SessionID:     session.ID,
		Cart:          cart,
		Pricing:       domain.PriceCart(cart),
		Buyer:         session.Form.Buyer(),
		BuyerComplete: session.Form.IsComplete(),
		Checkout:      session.Checkout.Session(),
		ExpiresAt:     s.now().Add(s.ttl),
	}
}
