package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/platform/textutil"
	"github.com/hungerhunt/storefront/internal/repositories"
)

const (
	catalogSource      = "remote"
	defaultTimeout     = 5 * time.Second
	maxCatalogBodySize = 4 << 20
)

// CatalogRepository reads the product list from an HTTP backend exposing GET /products.
type CatalogRepository struct {
	endpoint string
	http     *http.Client
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository builds the client. A nil httpClient gets one with timeout.
func NewCatalogRepository(baseURL string, httpClient *http.Client, timeout time.Duration) (*CatalogRepository, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.New("remote catalog: base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("remote catalog: invalid base url %q", baseURL)
	}
	if httpClient == nil {
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &CatalogRepository{endpoint: base + "/products", http: httpClient}, nil
}

type productPayload struct {
	ID       string `json:"_id"`
	Name     string `json:"name"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Category string `json:"category"`
	Image    string `json:"image"`
}

// FetchAll returns the products in the order the backend lists them.
func (r *CatalogRepository) FetchAll(ctx context.Context) ([]domain.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return nil, r.fail(err, false, false)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, r.fail(err, false, true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCatalogBodySize))
		return nil, r.fail(fmt.Errorf("unexpected status %d", resp.StatusCode),
			resp.StatusCode == http.StatusNotFound,
			resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests)
	}

	var payload []productPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBodySize)).Decode(&payload); err != nil {
		return nil, r.fail(fmt.Errorf("decode products: %w", err), false, false)
	}

	items := make([]domain.Item, 0, len(payload))
	seen := make(map[string]struct{}, len(payload))
	for _, p := range payload {
		id := strings.TrimSpace(p.ID)
		name := textutil.CleanFreeText(p.Name)
		if id == "" || name == "" || p.Price < 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		stock := p.Quantity
		if stock < 0 {
			stock = 0
		}
		items = append(items, domain.Item{
			ID:             id,
			Name:           name,
			UnitPrice:      p.Price,
			AvailableStock: stock,
			Category:       strings.TrimSpace(p.Category),
			ImageRef:       strings.TrimSpace(p.Image),
		})
	}
	return items, nil
}

func (r *CatalogRepository) fail(err error, notFound, unavailable bool) error {
	return &repositories.CatalogError{
		Op:          "catalog.fetch_all",
		Source:      catalogSource,
		Err:         err,
		NotFound:    notFound,
		Unavailable: unavailable,
	}
}
