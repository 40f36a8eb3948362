package services

import (
	"context"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
)

// PackageLocator finds a package satisfying a dependency declaration.
// Implements Chain of Responsibility pattern.
type PackageLocator interface {
	// Locate returns a stored package whose manifest satisfies dep.
	Locate(ctx context.Context, dep entities.Dependency) (*entities.Package, error)

	// SetNext sets the next locator in the chain.
	SetNext(next PackageLocator)
}

// BaseLocator provides common chain-of-responsibility logic.
type BaseLocator struct {
	next PackageLocator
}

// SetNext sets the next locator in chain.
func (b *BaseLocator) SetNext(next PackageLocator) {
	b.next = next
}

// LocateNext delegates to the next locator in chain.
func (b *BaseLocator) LocateNext(ctx context.Context, dep entities.Dependency) (*entities.Package, error) {
	if b.next == nil {
		return nil, &entities.NotFoundError{
			Kind:   entities.KindPackage,
			IDs:    []string{dep.ID},
			Reason: "no package satisfies " + dep.String(),
		}
	}
	return b.next.Locate(ctx, dep)
}

// Chain links locators in order and returns the head.
func Chain(locators ...PackageLocator) PackageLocator {
	if len(locators) == 0 {
		return nil
	}
	for i := 0; i < len(locators)-1; i++ {
		locators[i].SetNext(locators[i+1])
	}
	return locators[0]
}
