package resolvers

import (
	"context"
	"errors"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
)

// StoreLocator finds dependency packages already in the local store.
type StoreLocator struct {
	services.BaseLocator
	store ports.PackageStore
}

// NewStoreLocator creates a store-backed locator.
func NewStoreLocator(store ports.PackageStore) *StoreLocator {
	return &StoreLocator{store: store}
}

// Locate returns the stored package when its version satisfies dep,
// otherwise delegates to next.
func (l *StoreLocator) Locate(ctx context.Context, dep entities.Dependency) (*entities.Package, error) {
	pkg, err := l.store.Find(ctx, dep.ID)
	switch {
	case errors.Is(err, entities.ErrNotFound):
		return l.LocateNext(ctx, dep)
	case err != nil:
		return nil, fmt.Errorf("package store: %w", err)
	}

	ok, err := dep.Satisfied(pkg.Metadata().Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		return l.LocateNext(ctx, dep)
	}
	return pkg, nil
}
