package firestore

import (
	"context"
	"errors"
	"sort"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/hungerhunt/storefront/internal/domain"
	pfirestore "github.com/hungerhunt/storefront/internal/platform/firestore"
	"github.com/hungerhunt/storefront/internal/platform/textutil"
	"github.com/hungerhunt/storefront/internal/repositories"
)

const (
	defaultProductsCollection = "products"
	catalogSource             = "firestore"
)

// CatalogRepository lists items from the products collection.
type CatalogRepository struct {
	products *pfirestore.Collection[productDocument]
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository binds the repository to collection, defaulting to "products".
func NewCatalogRepository(provider *pfirestore.Provider, collection string) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	if strings.TrimSpace(collection) == "" {
		collection = defaultProductsCollection
	}
	return &CatalogRepository{
		products: pfirestore.NewCollection[productDocument](provider, collection, nil),
	}, nil
}

// FetchAll returns every product ordered by name. Hidden products are skipped.
func (r *CatalogRepository) FetchAll(ctx context.Context) ([]domain.Item, error) {
	if r == nil || r.products == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	docs, err := r.products.List(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy("name", firestore.Asc)
	})
	if err != nil {
		return nil, wrapCatalogError("catalog.fetch_all", err)
	}

	items := make([]domain.Item, 0, len(docs))
	for _, doc := range docs {
		if doc.Data.Hidden {
			continue
		}
		item, ok := doc.Data.toDomain(doc.ID)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

type productDocument struct {
	Name     string `firestore:"name"`
	Price    int64  `firestore:"price"`
	Quantity int    `firestore:"quantity"`
	Category string `firestore:"category"`
	Image    string `firestore:"image,omitempty"`
	Hidden   bool   `firestore:"hidden,omitempty"`
}

// toDomain maps the stored product. Documents without a name or with a negative price are rejected.
func (d productDocument) toDomain(id string) (domain.Item, bool) {
	name := textutil.CleanFreeText(d.Name)
	if strings.TrimSpace(id) == "" || name == "" || d.Price < 0 {
		return domain.Item{}, false
	}
	stock := d.Quantity
	if stock < 0 {
		stock = 0
	}
	return domain.Item{
		ID:             id,
		Name:           name,
		UnitPrice:      d.Price,
		AvailableStock: stock,
		Category:       strings.TrimSpace(d.Category),
		ImageRef:       strings.TrimSpace(d.Image),
	}, true
}

func wrapCatalogError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr repositories.RepositoryError
	classified := errors.As(err, &repoErr)
	return &repositories.CatalogError{
		Op:          op,
		Source:      catalogSource,
		Err:         err,
		NotFound:    classified && repoErr.IsNotFound(),
		Unavailable: !classified || repoErr.IsUnavailable(),
	}
}
