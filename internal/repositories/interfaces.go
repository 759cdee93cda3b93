package repositories

import (
	"context"

	domain "github.com/hungerhunt/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CatalogRepository lists the purchasable items from a backing store.
type CatalogRepository interface {
	FetchAll(ctx context.Context) ([]domain.Item, error)
}

// HealthRepository probes the service dependencies for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.ReadinessReport, error)
}
