package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/platform/pagination"
)

const (
	defaultCatalogCacheTTL = time.Minute
	catalogCacheKey        = "catalog"
	catalogDegradedWarning = "The catalog is temporarily unavailable."
)

// ImageResolver turns a stored image reference into a URL browsers can load.
type ImageResolver interface {
	ResolveImage(ctx context.Context, ref string) (string, error)
}

// CatalogServiceDeps wires the catalog provider and optional image resolution.
type CatalogServiceDeps struct {
	Provider CatalogProvider
	Images   ImageResolver
	CacheTTL time.Duration
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type catalogService struct {
	provider CatalogProvider
	images   ImageResolver
	cache    *expirable.LRU[string, []domain.Item]
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewCatalogService constructs a CatalogService backed by provider with a short-lived cache.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Provider == nil {
		return nil, errors.New("catalog service: provider is required")
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = defaultCatalogCacheTTL
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &catalogService{
		provider: deps.Provider,
		images:   deps.Images,
		cache:    expirable.NewLRU[string, []domain.Item](1, nil, ttl),
		logger:   logger,
	}, nil
}

// List returns the filtered catalog page. Provider failures degrade to an empty listing.
func (s *catalogService) List(ctx context.Context, query CatalogQuery) (CatalogListing, error) {
	items, err := s.items(ctx)
	if err != nil {
		return CatalogListing{
			Items:      []domain.Item{},
			Categories: []string{domain.CategoryAll},
			Degraded:   true,
			Warning:    catalogDegradedWarning,
		}, nil
	}

	filtered := filterItems(items, query.Category, query.Search)
	cursor, err := pagination.DecodeToken(query.PageToken)
	if err != nil {
		return CatalogListing{}, err
	}
	page, next := pagination.Window(filtered, pagination.Params{PageSize: query.PageSize, Cursor: cursor})

	out := make([]domain.Item, len(page))
	copy(out, page)
	for i := range out {
		out[i].ImageRef = s.resolveImage(ctx, out[i])
	}

	return CatalogListing{
		Items:         out,
		Categories:    categoriesOf(items),
		NextPageToken: next,
	}, nil
}

// FindItem looks an item up by id for cart mutations.
func (s *catalogService) FindItem(ctx context.Context, itemID string) (domain.Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.Item{}, ErrItemNotFound
	}
	items, err := s.items(ctx)
	if err != nil {
		return domain.Item{}, err
	}
	for _, item := range items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return domain.Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
}

func (s *catalogService) items(ctx context.Context) ([]domain.Item, error) {
	if cached, ok := s.cache.Get(catalogCacheKey); ok {
		return cached, nil
	}
	items, err := s.provider.FetchAll(ctx)
	if err != nil {
		s.logger(ctx, "catalog.fetch_failed", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %v", ErrCatalogFetch, err)
	}
	items = normaliseItems(items)
	s.cache.Add(catalogCacheKey, items)
	return items, nil
}

func (s *catalogService) resolveImage(ctx context.Context, item domain.Item) string {
	if s.images == nil || item.ImageRef == "" {
		return item.ImageRef
	}
	url, err := s.images.ResolveImage(ctx, item.ImageRef)
	if err != nil {
		s.logger(ctx, "catalog.image_resolve_failed", map[string]any{
			"itemID": item.ID,
			"error":  err.Error(),
		})
		return ""
	}
	return url
}

func normaliseItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		item.Name = strings.TrimSpace(item.Name)
		item.Category = strings.TrimSpace(item.Category)
		if item.UnitPrice < 0 {
			item.UnitPrice = 0
		}
		if item.AvailableStock < 0 {
			item.AvailableStock = 0
		}
		out = append(out, item)
	}
	return out
}

func filterItems(items []domain.Item, category, search string) []domain.Item {
	category = strings.TrimSpace(category)
	search = strings.ToLower(strings.TrimSpace(search))
	allCategories := category == "" || strings.EqualFold(category, domain.CategoryAll)

	out := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if !allCategories && !strings.EqualFold(item.Category, category) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(item.Name), search) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func categoriesOf(items []domain.Item) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, item := range items {
		if item.Category == "" {
			continue
		}
		key := strings.ToLower(item.Category)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, item.Category)
	}
	sort.Strings(names)
	return append([]string{domain.CategoryAll}, names...)
}
