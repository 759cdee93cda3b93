package repositories

import (
	"errors"
	"fmt"
)

// CatalogError describes a catalog source failure. It implements RepositoryError.
type CatalogError struct {
	Op          string
	Source      string
	Err         error
	NotFound    bool
	Unavailable bool
}

var _ RepositoryError = (*CatalogError)(nil)

func (e *CatalogError) Error() string {
	if e == nil {
		return ""
	}
	msg := "catalog unavailable"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Source != "":
		return fmt.Sprintf("%s (%s): %s", e.Op, e.Source, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *CatalogError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CatalogError) IsNotFound() bool    { return e != nil && e.NotFound }
func (e *CatalogError) IsConflict() bool    { return false }
func (e *CatalogError) IsUnavailable() bool { return e != nil && e.Unavailable }

// IsUnavailable reports whether err carries repository semantics marking a transient outage.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// IsNotFound reports whether err carries repository semantics marking a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
