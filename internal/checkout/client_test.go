package checkout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hungerhunt/storefront/internal/payments"
)

func TestClientCreateIntent(t *testing.T) {
	var got checkoutPayload
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/orders/checkout" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get(idempotencyHeader)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"amount":14500,"order_id":"order_abc","key_id":"rzp_test"}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL + "/api/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	intent, err := client.CreateIntent(context.Background(), payments.IntentRequest{
		OrderID:        "draft_1",
		Amount:         145,
		Subtotal:       130,
		DeliveryFee:    15,
		Currency:       "INR",
		BuyerName:      "Asha",
		Organization:   "GVS",
		Tier:           "7",
		IdempotencyKey: "key-1",
		Lines: []payments.IntentLine{
			{ItemID: "A", Name: "Apple", Quantity: 2, UnitPrice: 50},
			{ItemID: "B", Name: "Biscuit", Quantity: 1, UnitPrice: 30},
		},
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if intent.ID != "order_abc" || intent.Amount != 145 || intent.ClientKey != "rzp_test" || intent.Currency != "INR" || intent.Provider != ProviderName {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if gotKey != "key-1" {
		t.Fatalf("expected idempotency key to be forwarded, got %q", gotKey)
	}
	if got.Student.School != "GVS" || got.Student.Grade != "7" || got.FinalTotal != 145 || got.DeliveryCharge != 15 || len(got.Items) != 2 || got.Items[0].ID != "A" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestClientCreateIntentErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "down", http.StatusBadGateway)
		},
		"client error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"bad"}`))
		},
		"missing order": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"amount":14500}`))
		},
		"fractional amount": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"amount":14550,"order_id":"o"}`))
		},
		"invalid json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			client, _ := NewClient(Config{BaseURL: srv.URL})
			if _, err := client.CreateIntent(context.Background(), payments.IntentRequest{Amount: 145, Currency: "INR"}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestClientVerify(t *testing.T) {
	var got verifyPayload
	success := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(idempotencyHeader) == "" {
			t.Errorf("expected generated idempotency key")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		if !success {
			w.WriteHeader(http.StatusBadRequest)
		}
		_ = json.NewEncoder(w).Encode(verifyResponse{Success: success})
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL})
	req := payments.VerifyRequest{IntentID: "order_abc", PaymentID: "pay_1", Signature: "sig"}

	details, err := client.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if details.Status != payments.StatusSucceeded || details.IntentID != "order_abc" {
		t.Fatalf("unexpected details %+v", details)
	}
	if got.OrderID != "order_abc" || got.PaymentID != "pay_1" || got.Signature != "sig" {
		t.Fatalf("unexpected payload %+v", got)
	}

	success = false
	details, err = client.Verify(context.Background(), req)
	if err != nil {
		t.Fatalf("verify rejected: %v", err)
	}
	if details.Status != payments.StatusFailed {
		t.Fatalf("expected failed status, got %s", details.Status)
	}
}

func TestClientVerifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client, _ := NewClient(Config{BaseURL: srv.URL})
	if _, err := client.Verify(context.Background(), payments.VerifyRequest{IntentID: "o"}); err == nil {
		t.Fatalf("expected error on 5xx")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err != ErrMissingBaseURL {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}
