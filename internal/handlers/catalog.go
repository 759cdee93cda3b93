package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/platform/httpx"
	"github.com/hungerhunt/storefront/internal/platform/pagination"
	"github.com/hungerhunt/storefront/internal/services"
)

const maxCatalogSearchLength = 80

// CatalogHandlers exposes the product listing shown in the widget.
type CatalogHandlers struct {
	catalog  services.CatalogService
	currency string
}

// NewCatalogHandlers constructs catalog handlers. currency labels every price in the response.
func NewCatalogHandlers(catalog services.CatalogService, currency string) *CatalogHandlers {
	return &CatalogHandlers{
		catalog:  catalog,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
	}
}

// Routes wires the /catalog endpoints onto the provided router.
func (h *CatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listCatalog)
}

type catalogItemPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Stock    int    `json:"stock"`
	InStock  bool   `json:"inStock"`
	Category string `json:"category"`
	ImageURL string `json:"imageUrl,omitempty"`
	Currency string `json:"currency"`
}

type catalogResponse struct {
	Items         []catalogItemPayload `json:"items"`
	Categories    []string             `json:"categories"`
	NextPageToken string               `json:"nextPageToken,omitempty"`
	Degraded      bool                 `json:"degraded,omitempty"`
	Warning       string               `json:"warning,omitempty"`
}

func (h *CatalogHandlers) listCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	page, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	search := strings.TrimSpace(query.Get("search"))
	if len(search) > maxCatalogSearchLength {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "search is too long", http.StatusBadRequest))
		return
	}

	listing, err := h.catalog.List(ctx, services.CatalogQuery{
		Category:  strings.TrimSpace(query.Get("category")),
		Search:    search,
		PageSize:  page.PageSize,
		PageToken: page.PageToken,
	})
	if err != nil {
		switch {
		case errors.Is(err, pagination.ErrInvalidPageToken):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to list catalog", http.StatusInternalServerError))
		}
		return
	}

	payload := catalogResponse{
		Items:         make([]catalogItemPayload, 0, len(listing.Items)),
		Categories:    listing.Categories,
		NextPageToken: listing.NextPageToken,
		Degraded:      listing.Degraded,
		Warning:       listing.Warning,
	}
	if payload.Categories == nil {
		payload.Categories = []string{domain.CategoryAll}
	}
	for _, item := range listing.Items {
		payload.Items = append(payload.Items, catalogItemPayload{
			ID:       item.ID,
			Name:     item.Name,
			Price:    item.UnitPrice,
			Stock:    item.AvailableStock,
			InStock:  item.AvailableStock > 0,
			Category: item.Category,
			ImageURL: item.ImageRef,
			Currency: h.currency,
		})
	}

	if listing.Degraded {
		w.Header().Set("Cache-Control", "no-store")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=30")
	}
	writeJSONResponse(w, http.StatusOK, payload)
}
