package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/hungerhunt/storefront/internal/platform/requestctx"
)

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + strconv.Itoa(*calls) + `}`))
	})
}

func postWithKey(key, session, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/widget/cart/items", strings.NewReader(body))
	if key != "" {
		req.Header.Set(defaultHeaderName, key)
	}
	return req.WithContext(requestctx.WithWidgetSession(context.Background(), session))
}

func TestMiddlewareReplaysDuplicate(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(16, 0))(countingHandler(&calls, http.StatusOK))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, postWithKey("k1", "s1", `{"itemId":"A"}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, postWithKey("k1", "s1", `{"itemId":"A"}`))

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Body.String() != `{"call":1}` || second.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replayed response, got %q headers=%v", second.Body.String(), second.Header())
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected stored headers to replay")
	}
}

func TestMiddlewareScopesKeysBySession(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(16, 0))(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("k1", "s1", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("k1", "s2", `{}`))
	if calls != 2 {
		t.Fatalf("expected separate sessions to run separately, got %d calls", calls)
	}
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(16, 0))(countingHandler(&calls, http.StatusOK))

	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("k1", "s1", `{"itemId":"A"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postWithKey("k1", "s1", `{"itemId":"B"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestMiddlewareDoesNotStoreServerErrors(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(16, 0))(countingHandler(&calls, http.StatusBadGateway))

	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("k1", "s1", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("k1", "s1", `{}`))
	if calls != 2 {
		t.Fatalf("expected retry after server error, got %d calls", calls)
	}
}

func TestMiddlewareKeyOptionalUnlessRequired(t *testing.T) {
	calls := 0
	store := NewMemoryStore(16, 0)
	handler := Middleware(store)(countingHandler(&calls, http.StatusOK))
	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("", "s1", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), postWithKey("", "s1", `{}`))
	if calls != 2 {
		t.Fatalf("expected pass-through without key, got %d calls", calls)
	}

	strict := Middleware(store, WithRequiredKey())(countingHandler(&calls, http.StatusOK))
	rec := httptest.NewRecorder()
	strict.ServeHTTP(rec, postWithKey("", "s1", `{}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", rec.Code)
	}

	get := httptest.NewRecorder()
	strict.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/widget", nil))
	if get.Code != http.StatusOK {
		t.Fatalf("expected GET to bypass middleware, got %d", get.Code)
	}
}

func TestMemoryStorePendingAndRelease(t *testing.T) {
	store := NewMemoryStore(4, 0)
	ctx := context.Background()
	if res, _ := store.Reserve(ctx, "k", "f"); res.State != ReservationStateNew {
		t.Fatalf("expected new reservation")
	}
	if res, _ := store.Reserve(ctx, "k", "f"); res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation")
	}
	if err := store.Release(ctx, "k", "f"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if res, _ := store.Reserve(ctx, "k", "f"); res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after release")
	}
}
