package static

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	domain "github.com/hungerhunt/storefront/internal/domain"
	"github.com/hungerhunt/storefront/internal/platform/textutil"
	"github.com/hungerhunt/storefront/internal/repositories"
)

const catalogSource = "file"

// CatalogRepository serves the catalog from a YAML file. The file is re-read when its
// modification time changes.
type CatalogRepository struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	items   []domain.Item
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

type catalogFile struct {
	Products []productEntry `yaml:"products"`
}

type productEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Price    int64  `yaml:"price"`
	Quantity int    `yaml:"quantity"`
	Category string `yaml:"category"`
	Image    string `yaml:"image"`
}

// NewCatalogRepository returns a repository reading path.
func NewCatalogRepository(path string) (*CatalogRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("static catalog: file path is required")
	}
	return &CatalogRepository{path: path}, nil
}

// FetchAll returns the items in file order.
func (r *CatalogRepository) FetchAll(ctx context.Context) ([]domain.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(r.path)
	if err != nil {
		return nil, r.fail(err, errors.Is(err, os.ErrNotExist))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items != nil && info.ModTime().Equal(r.modTime) {
		return cloneItems(r.items), nil
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, r.fail(err, errors.Is(err, os.ErrNotExist))
	}
	items, err := parseCatalog(raw)
	if err != nil {
		return nil, r.fail(err, false)
	}
	r.items = items
	r.modTime = info.ModTime()
	return cloneItems(items), nil
}

func parseCatalog(raw []byte) ([]domain.Item, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}
	items := make([]domain.Item, 0, len(file.Products))
	seen := make(map[string]struct{}, len(file.Products))
	for i, p := range file.Products {
		id := strings.TrimSpace(p.ID)
		name := textutil.CleanFreeText(p.Name)
		switch {
		case id == "":
			return nil, fmt.Errorf("product %d: id is required", i)
		case name == "":
			return nil, fmt.Errorf("product %s: name is required", id)
		case p.Price < 0:
			return nil, fmt.Errorf("product %s: price must not be negative", id)
		case p.Quantity < 0:
			return nil, fmt.Errorf("product %s: quantity must not be negative", id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("product %s: duplicate id", id)
		}
		seen[id] = struct{}{}
		items = append(items, domain.Item{
			ID:             id,
			Name:           name,
			UnitPrice:      p.Price,
			AvailableStock: p.Quantity,
			Category:       strings.TrimSpace(p.Category),
			ImageRef:       strings.TrimSpace(p.Image),
		})
	}
	return items, nil
}

func cloneItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, len(items))
	copy(out, items)
	return out
}

func (r *CatalogRepository) fail(err error, notFound bool) error {
	return &repositories.CatalogError{Op: "catalog.fetch_all", Source: catalogSource + ":" + r.path, Err: err, NotFound: notFound}
}
