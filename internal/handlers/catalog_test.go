package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/services"
)

type stubCatalogService struct {
	listFunc func(ctx context.Context, query services.CatalogQuery) (services.CatalogListing, error)
}

func (s *stubCatalogService) List(ctx context.Context, query services.CatalogQuery) (services.CatalogListing, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, query)
	}
	return services.CatalogListing{}, nil
}

func (s *stubCatalogService) FindItem(context.Context, string) (domain.Item, error) {
	return domain.Item{}, services.ErrItemNotFound
}

func serveCatalog(t *testing.T, svc services.CatalogService, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	router.Route("/catalog", NewCatalogHandlers(svc, "inr").Routes)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	return rr
}

func TestCatalogHandlersListPassesQuery(t *testing.T) {
	var got services.CatalogQuery
	svc := &stubCatalogService{listFunc: func(_ context.Context, query services.CatalogQuery) (services.CatalogListing, error) {
		got = query
		return services.CatalogListing{
			Items: []domain.Item{
				{ID: "A", Name: "Apple", UnitPrice: 50, AvailableStock: 3, Category: "Fruits", ImageRef: "https://img/a.png"},
				{ID: "C", Name: "Cherry", UnitPrice: 80, AvailableStock: 0, Category: "Fruits"},
			},
			Categories:    []string{domain.CategoryAll, "Fruits"},
			NextPageToken: "next",
		}, nil
	}}

	rr := serveCatalog(t, svc, "/catalog?category=Fruits&search=%20app%20&pageSize=2")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.Category != "Fruits" || got.Search != "app" || got.PageSize != 2 {
		t.Fatalf("unexpected query %+v", got)
	}

	var body catalogResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 || body.NextPageToken != "next" || len(body.Categories) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
	if !body.Items[0].InStock || body.Items[1].InStock {
		t.Fatalf("unexpected stock flags %+v", body.Items)
	}
	if body.Items[0].Currency != "INR" || body.Items[0].ImageURL != "https://img/a.png" {
		t.Fatalf("unexpected item %+v", body.Items[0])
	}
	if rr.Header().Get("Cache-Control") != "public, max-age=30" {
		t.Fatalf("unexpected cache control %q", rr.Header().Get("Cache-Control"))
	}
}

func TestCatalogHandlersDegradedListing(t *testing.T) {
	svc := &stubCatalogService{listFunc: func(context.Context, services.CatalogQuery) (services.CatalogListing, error) {
		return services.CatalogListing{Degraded: true, Warning: "The catalog is temporarily unavailable."}, nil
	}}

	rr := serveCatalog(t, svc, "/catalog")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body catalogResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Degraded || body.Warning == "" {
		t.Fatalf("expected degraded listing, got %+v", body)
	}
	if body.Items == nil || len(body.Categories) != 1 || body.Categories[0] != domain.CategoryAll {
		t.Fatalf("expected empty items and All category, got %+v", body)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("degraded listings must not be cached")
	}
}

func TestCatalogHandlersRejectsBadPagination(t *testing.T) {
	svc := &stubCatalogService{}
	for _, target := range []string{"/catalog?pageSize=abc", "/catalog?pageSize=-1", "/catalog?pageToken=not*token"} {
		rr := serveCatalog(t, svc, target)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestCatalogHandlersUnavailable(t *testing.T) {
	rr := serveCatalog(t, nil, "/catalog")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
