package auth

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const testSecret = "whsec-test"

func signedRequest(t *testing.T, body []byte, at time.Time, encode func([]byte) string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(at.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set(defaultSignatureHeader, encode(Sign([]byte(testSecret), http.MethodPost, "/webhooks/payments", ts, body)))
	req.Header.Set(defaultTimestampHeader, ts)
	return req
}

func newTestVerifier(t *testing.T, now time.Time) *WebhookVerifier {
	t.Helper()
	v, err := NewWebhookVerifier(testSecret, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestWebhookVerifierAcceptsValidSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	body := []byte(`{"event":"payment.captured"}`)

	var seenBody []byte
	handler := v.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))

	for name, encode := range map[string]func([]byte) string{
		"hex":    hex.EncodeToString,
		"base64": base64.StdEncoding.EncodeToString,
	} {
		payload := append([]byte(nil), body...)
		payload = append(payload, []byte(name)...)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, signedRequest(t, payload, now, encode))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("%s: expected 204, got %d: %s", name, rec.Code, rec.Body.String())
		}
		if !bytes.Equal(seenBody, payload) {
			t.Fatalf("%s: body was not restored", name)
		}
	}
}

func TestWebhookVerifierRejections(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{}`)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	cases := []struct {
		name   string
		mutate func(*http.Request)
		at     time.Time
		status int
	}{
		{"missing signature", func(r *http.Request) { r.Header.Del(defaultSignatureHeader) }, now, http.StatusUnauthorized},
		{"missing timestamp", func(r *http.Request) { r.Header.Del(defaultTimestampHeader) }, now, http.StatusUnauthorized},
		{"stale", func(*http.Request) {}, now.Add(-10 * time.Minute), http.StatusUnauthorized},
		{"bad encoding", func(r *http.Request) { r.Header.Set(defaultSignatureHeader, "zz") }, now, http.StatusUnauthorized},
		{"mismatch", func(r *http.Request) {
			r.Header.Set(defaultSignatureHeader, hex.EncodeToString(Sign([]byte("other"), http.MethodPost, "/webhooks/payments", r.Header.Get(defaultTimestampHeader), body)))
		}, now, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		v := newTestVerifier(t, now)
		req := signedRequest(t, body, tc.at, hex.EncodeToString)
		tc.mutate(req)
		rec := httptest.NewRecorder()
		v.Require(next).ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
		}
	}
}

func TestWebhookVerifierRejectsReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := newTestVerifier(t, now)
	handler := v.Require(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedRequest(t, []byte(`{"a":1}`), now, hex.EncodeToString))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedRequest(t, []byte(`{"a":1}`), now, hex.EncodeToString))

	if first.Code != http.StatusOK || second.Code != http.StatusConflict {
		t.Fatalf("expected 200 then 409, got %d and %d", first.Code, second.Code)
	}
}

func TestNewWebhookVerifierRequiresSecret(t *testing.T) {
	if _, err := NewWebhookVerifier("  "); err != ErrSecretRequired {
		t.Fatalf("expected ErrSecretRequired, got %v", err)
	}
}
