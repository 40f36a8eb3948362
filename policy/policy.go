package policy

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// GrantPolicy is the default Policy. Grants are doublestar patterns over
// slash-separated permission ids, so "storage/**" covers "storage/read".
type GrantPolicy struct {
	denialHandler   DenialHandler
	resolveSymlinks bool
}

var _ Policy = (*GrantPolicy)(nil)

// Option configures a GrantPolicy.
type Option func(*GrantPolicy)

// WithDenialHandler sets the handler notified on denials.
func WithDenialHandler(h DenialHandler) Option {
	return func(p *GrantPolicy) { p.denialHandler = h }
}

// WithSymlinkResolution controls whether CheckPath resolves symlinks
// before the containment test.
func WithSymlinkResolution(enabled bool) Option {
	return func(p *GrantPolicy) { p.resolveSymlinks = enabled }
}

// NewPolicy creates a GrantPolicy.
func NewPolicy(opts ...Option) *GrantPolicy {
	p := &GrantPolicy{
		denialHandler:   &LogDenialHandler{},
		resolveSymlinks: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GrantPolicy) CheckPermission(pluginID, perm string, grants []string) bool {
	if p.EvaluatePermission(perm, grants) {
		return true
	}
	p.denialHandler.OnDenial(pluginID, "permission", perm, "not granted")
	return false
}

func (p *GrantPolicy) EvaluatePermission(perm string, grants []string) bool {
	if perm == "" {
		return false
	}
	for _, g := range grants {
		if g == perm {
			return true
		}
		if ok, _ := doublestar.Match(g, perm); ok {
			return true
		}
	}
	return false
}

func (p *GrantPolicy) CheckPath(pluginID, root, path string) bool {
	if p.EvaluatePath(root, path) {
		return true
	}
	p.denialHandler.OnDenial(pluginID, "fs", path, "outside plugin storage")
	return false
}

func (p *GrantPolicy) EvaluatePath(root, path string) bool {
	if root == "" {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	root = filepath.Clean(root)
	path = filepath.Clean(path)

	if p.resolveSymlinks {
		if r, err := filepath.EvalSymlinks(root); err == nil {
			root = r
		}
		if resolved, err := filepath.EvalSymlinks(path); err == nil {
			path = resolved
		} else if parent, err := filepath.EvalSymlinks(filepath.Dir(path)); err == nil {
			path = filepath.Join(parent, filepath.Base(path))
		}
	}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
