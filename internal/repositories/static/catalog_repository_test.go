package static

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hungerhunt/storefront/internal/repositories"
)

const sampleCatalog = `products:
  - id: A
    name: Apple
    price: 50
    quantity: 2
    category: Fruits
    image: gs://menu/apple.png
  - id: B
    name: Biscuit
    price: 30
    quantity: 5
    category: Biscuits
`

func writeCatalog(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestCatalogRepositoryReadsYAML(t *testing.T) {
	path := writeCatalog(t, t.TempDir(), sampleCatalog)
	repo, err := NewCatalogRepository(path)
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	items, err := repo.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
	if len(items) != 2 || items[0].ID != "A" || items[1].UnitPrice != 30 {
		t.Fatalf("unexpected items %+v", items)
	}
	if items[0].ImageRef != "gs://menu/apple.png" || items[0].AvailableStock != 2 {
		t.Fatalf("unexpected mapping %+v", items[0])
	}

	items[0].Name = "mutated"
	again, _ := repo.FetchAll(context.Background())
	if again[0].Name != "Apple" {
		t.Fatalf("cached items must not be shared with callers")
	}
}

func TestCatalogRepositoryReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeCatalog(t, dir, sampleCatalog)
	repo, _ := NewCatalogRepository(path)
	if _, err := repo.FetchAll(context.Background()); err != nil {
		t.Fatalf("fetch all: %v", err)
	}

	writeCatalog(t, dir, "products:\n  - id: C\n    name: Chips\n    price: 20\n    quantity: 1\n")
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	items, err := repo.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("fetch after change: %v", err)
	}
	if len(items) != 1 || items[0].ID != "C" {
		t.Fatalf("expected reloaded catalog, got %+v", items)
	}
}

func TestCatalogRepositoryRejectsInvalidFiles(t *testing.T) {
	cases := map[string]string{
		"duplicate id":   "products:\n  - {id: A, name: A, price: 1}\n  - {id: A, name: B, price: 1}\n",
		"missing name":   "products:\n  - {id: A, price: 1}\n",
		"negative price": "products:\n  - {id: A, name: A, price: -1}\n",
		"bad yaml":       "products: [",
	}
	for name, body := range cases {
		repo, _ := NewCatalogRepository(writeCatalog(t, t.TempDir(), body))
		if _, err := repo.FetchAll(context.Background()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestCatalogRepositoryMissingFile(t *testing.T) {
	repo, _ := NewCatalogRepository(filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := repo.FetchAll(context.Background())
	if !repositories.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope.yaml") {
		t.Fatalf("expected path in error, got %v", err)
	}
}
