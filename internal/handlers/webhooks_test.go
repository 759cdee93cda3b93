package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/payments"
	"github.com/hungerhunt/storefront/internal/platform/auth"
)

type stubPaymentCallbacks struct {
	completed []domain.PaymentAssertion
	failed    []string
	err       error
}

func (s *stubPaymentCallbacks) Complete(_ context.Context, assertion domain.PaymentAssertion) error {
	if s.err != nil {
		return s.err
	}
	s.completed = append(s.completed, assertion)
	return nil
}

func (s *stubPaymentCallbacks) Fail(_ context.Context, intentRef string, reason string) error {
	if s.err != nil {
		return s.err
	}
	s.failed = append(s.failed, intentRef+":"+reason)
	return nil
}

const webhookSecret = "whsec_test"

func signedWebhook(t *testing.T, body string, at time.Time) *http.Request {
	t.Helper()
	path := "/api/v1/webhooks/payments"
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := auth.Sign([]byte(webhookSecret), http.MethodPost, path, ts, []byte(body))
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", "sha256="+hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", ts)
	return req
}

func newWebhookRouter(t *testing.T, callbacks *stubPaymentCallbacks) http.Handler {
	t.Helper()
	verifier, err := auth.NewWebhookVerifier(webhookSecret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return NewRouter(
		WithWebhookRoutes(NewPaymentWebhookHandlers(callbacks, nil).Routes),
		WithWebhookMiddlewares(verifier.Require),
	)
}

func TestPaymentWebhookCapturedCompletesAuthorization(t *testing.T) {
	callbacks := &stubPaymentCallbacks{}
	router := newWebhookRouter(t, callbacks)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhook(t, `{"event":"payment.captured","intentRef":"order_1","paymentRef":"pay_1","signature":"sig"}`, time.Now()))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(callbacks.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(callbacks.completed))
	}
	got := callbacks.completed[0]
	if got.IntentRef != "order_1" || got.PaymentRef != "pay_1" || got.Signature != "sig" {
		t.Fatalf("unexpected assertion %+v", got)
	}
	if body := decodeBody(t, rr); body["status"] != "applied" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestPaymentWebhookFailedAbortsAuthorization(t *testing.T) {
	callbacks := &stubPaymentCallbacks{}
	router := newWebhookRouter(t, callbacks)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhook(t, `{"event":"payment.failed","intentRef":"order_1","reason":"card declined"}`, time.Now()))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if len(callbacks.failed) != 1 || callbacks.failed[0] != "order_1:card declined" {
		t.Fatalf("unexpected failures %v", callbacks.failed)
	}
}

func TestPaymentWebhookIgnoresResolvedIntent(t *testing.T) {
	callbacks := &stubPaymentCallbacks{err: fmt.Errorf("%w: order_1", payments.ErrUnknownIntent)}
	router := newWebhookRouter(t, callbacks)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhook(t, `{"event":"payment.captured","intentRef":"order_1","paymentRef":"pay_1"}`, time.Now()))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["status"] != "ignored" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestPaymentWebhookRejectsUnsigned(t *testing.T) {
	callbacks := &stubPaymentCallbacks{}
	router := newWebhookRouter(t, callbacks)

	req := signedWebhook(t, `{"event":"payment.captured","intentRef":"order_1","paymentRef":"pay_1"}`, time.Now())
	req.Header.Del("X-Signature")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if len(callbacks.completed) != 0 {
		t.Fatalf("unsigned webhook must not resolve payments")
	}
}

func TestPaymentWebhookValidation(t *testing.T) {
	callbacks := &stubPaymentCallbacks{}
	handler := NewPaymentWebhookHandlers(callbacks, nil)

	cases := map[string]string{
		"missing intent":  `{"event":"payment.captured","paymentRef":"pay_1"}`,
		"missing payment": `{"event":"payment.captured","intentRef":"order_1"}`,
		"bad json":        `{"event":`,
	}
	for name, body := range cases {
		rr := httptest.NewRecorder()
		handler.handlePaymentEvent(rr, httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", name, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.handlePaymentEvent(rr, httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{"event":"payment.refunded","intentRef":"order_1"}`)))
	if rr.Code != http.StatusOK || decodeBody(t, rr)["status"] != "ignored" {
		t.Fatalf("unknown events should be acknowledged and ignored")
	}
}

func TestPaymentWebhookCallbackError(t *testing.T) {
	handler := NewPaymentWebhookHandlers(&stubPaymentCallbacks{err: errors.New("boom")}, nil)
	rr := httptest.NewRecorder()
	handler.handlePaymentEvent(rr, httptest.NewRequest(http.MethodPost, "/payments", strings.NewReader(`{"event":"payment.failed","intentRef":"order_1"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}
