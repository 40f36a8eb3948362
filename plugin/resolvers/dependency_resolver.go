package resolvers

import (
	"slices"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// Lookup exposes the currently known plugins to the resolver. The
// coordinator's record table satisfies it.
type Lookup interface {
	Metadata(id string) (values.PluginMetadata, bool)
	State(id string) (entities.State, bool)
}

// DependencyResolver computes prerequisite load orders and answers the
// enable-time dependency gates.
type DependencyResolver struct {
	lookup Lookup
}

// NewDependencyResolver creates a resolver over lookup.
func NewDependencyResolver(lookup Lookup) *DependencyResolver {
	return &DependencyResolver{lookup: lookup}
}

// Resolve returns the ids target depends on, transitively, with every
// dependency ordered before its dependents. target itself is not part of
// the result. On a cycle or a missing dependency the error names the
// offending id and no order is returned.
func (r *DependencyResolver) Resolve(target values.PluginMetadata) ([]string, error) {
	var (
		order    []string
		stack    []string
		visited  = make(map[string]struct{})
		visiting = make(map[string]struct{})
	)

	var visit func(meta values.PluginMetadata) error
	visit = func(meta values.PluginMetadata) error {
		id := meta.PluginID
		visiting[id] = struct{}{}
		stack = append(stack, id)

		deps, err := entities.ParseDependencies(meta)
		if err != nil {
			return err
		}

		for _, dep := range deps {
			if _, onStack := visiting[dep.ID]; onStack {
				return &entities.CycleError{ID: dep.ID, Path: append(slices.Clone(stack), dep.ID)}
			}

			depMeta, ok := r.lookup.Metadata(dep.ID)
			if !ok {
				return &entities.NotFoundError{
					Kind:   entities.KindDependency,
					IDs:    []string{dep.ID},
					Reason: "not found (required by " + id + ")",
				}
			}
			satisfied, err := dep.Satisfied(depMeta.Version)
			if err != nil {
				return err
			}
			if !satisfied {
				return &entities.NotFoundError{
					Kind:   entities.KindDependency,
					IDs:    []string{dep.ID},
					Reason: "no version satisfies " + dep.Constraint + " (have " + depMeta.Version + ", required by " + id + ")",
				}
			}

			if _, done := visited[dep.ID]; done {
				continue
			}
			if err := visit(depMeta); err != nil {
				return err
			}
		}

		delete(visiting, id)
		stack = stack[:len(stack)-1]
		visited[id] = struct{}{}
		if id != target.PluginID {
			order = append(order, id)
		}
		return nil
	}

	if err := visit(target); err != nil {
		return nil, err
	}
	return order, nil
}

// ResolveID resolves the load order for a known plugin id.
func (r *DependencyResolver) ResolveID(id string) ([]string, error) {
	meta, ok := r.lookup.Metadata(id)
	if !ok {
		return nil, entities.NewNotFoundError(entities.KindPlugin, id)
	}
	return r.Resolve(meta)
}

// DependenciesLoaded reports whether every declared dependency of id has
// a record. An unknown id reports false.
func (r *DependencyResolver) DependenciesLoaded(id string) bool {
	missing, err := r.MissingDependencies(id)
	return err == nil && len(missing) == 0
}

// DependenciesEnabled reports whether every declared dependency of id is
// ENABLED. An unknown id reports false.
func (r *DependencyResolver) DependenciesEnabled(id string) bool {
	disabled, err := r.DisabledDependencies(id)
	return err == nil && len(disabled) == 0
}

// MissingDependencies lists declared dependencies of id with no record.
func (r *DependencyResolver) MissingDependencies(id string) ([]string, error) {
	return r.filterDependencies(id, func(dep string) bool {
		_, ok := r.lookup.Metadata(dep)
		return !ok
	})
}

// DisabledDependencies lists declared dependencies of id that are missing
// or not ENABLED.
func (r *DependencyResolver) DisabledDependencies(id string) ([]string, error) {
	return r.filterDependencies(id, func(dep string) bool {
		state, ok := r.lookup.State(dep)
		return !ok || state != entities.StateEnabled
	})
}

func (r *DependencyResolver) filterDependencies(id string, keep func(string) bool) ([]string, error) {
	meta, ok := r.lookup.Metadata(id)
	if !ok {
		return nil, entities.NewNotFoundError(entities.KindPlugin, id)
	}
	var out []string
	for _, dep := range entities.DependencyIDs(meta) {
		if keep(dep) {
			out = append(out, dep)
		}
	}
	return out, nil
}
