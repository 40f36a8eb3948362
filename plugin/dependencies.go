package plugin

import (
	"context"
	"fmt"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/resolvers"
	"github.com/reglet-dev/reglet-sandbox/plugin/services"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// locators returns the chain used to find dependency packages: the store
// first, then the release source when one is configured.
func (s *PluginService) locators() services.PackageLocator {
	chain := []services.PackageLocator{resolvers.NewStoreLocator(s.store)}
	if s.acquirer != nil {
		chain = append(chain, resolvers.NewAcquirerLocator(s.acquirer, s.store, s.logger))
	}
	return services.Chain(chain...)
}

// InstallDependencies loads every declared dependency of the loaded plugin
// id that has no record yet, recursively. Packages come from the store or,
// failing that, the release source. The newly loaded metadata is returned
// in load order. A loaded dependency whose version violates a constraint
// is an error.
func (s *PluginService) InstallDependencies(ctx context.Context, id string) ([]values.PluginMetadata, error) {
	if s.closed.Load() {
		return nil, entities.ErrClosed
	}
	r, err := s.get(id)
	if err != nil {
		return nil, err
	}
	var loaded []values.PluginMetadata
	visiting := map[string]bool{id: true}
	err = s.installDependencies(ctx, r.Metadata(), s.locators(), visiting, &loaded)
	return loaded, err
}

func (s *PluginService) installDependencies(
	ctx context.Context,
	meta values.PluginMetadata,
	locator services.PackageLocator,
	visiting map[string]bool,
	loaded *[]values.PluginMetadata,
) error {
	for _, decl := range meta.Dependencies {
		dep, err := entities.ParseDependency(decl)
		if err != nil {
			return err
		}
		if visiting[dep.ID] {
			return fmt.Errorf("%s: %w", dep.ID, entities.ErrCycle)
		}

		if r, ok := s.records.Get(dep.ID); ok {
			ok, err := dep.Satisfied(r.Metadata().Version)
			if err != nil {
				return err
			}
			if !ok {
				return &entities.NotFoundError{
					Kind:   entities.KindDependency,
					IDs:    []string{dep.ID},
					Reason: fmt.Sprintf("loaded version %s does not satisfy %s", r.Metadata().Version, dep),
				}
			}
			continue
		}

		pkg, err := locator.Locate(ctx, dep)
		if err != nil {
			return fmt.Errorf("%s requires %s: %w", meta.PluginID, dep, err)
		}

		visiting[dep.ID] = true
		if err := s.installDependencies(ctx, pkg.Metadata(), locator, visiting, loaded); err != nil {
			return err
		}
		delete(visiting, dep.ID)

		depMeta, err := s.LoadPlugin(ctx, pkg.Path())
		if err != nil {
			return fmt.Errorf("load dependency %s: %w", dep.ID, err)
		}
		*loaded = append(*loaded, depMeta)
	}
	return nil
}
