// Package validation checks plugin manifests for shape and host compatibility.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
	"github.com/reglet-dev/reglet-sandbox/registry"
)

// Defaults for host compatibility checks.
const (
	DefaultHostVersion = "1.0.0"
	DefaultAPILevel    = 1
)

// DefaultExtensions are the package file extensions accepted by the store.
var DefaultExtensions = []string{".rpk", ".zip"}

// ManifestValidator validates manifests against the registered schema and
// the host's version, API level and accepted extensions.
type ManifestValidator struct {
	schema      *jsonschema.Schema
	hostVersion *semver.Version
	apiLevel    int
	extensions  []string
}

// Option configures a ManifestValidator.
type Option func(*ManifestValidator)

// WithHostVersion sets the version compared against minHostVersion.
func WithHostVersion(v *semver.Version) Option {
	return func(m *ManifestValidator) {
		if v != nil {
			m.hostVersion = v
		}
	}
}

// WithAPILevel sets the API level compared against the manifest range.
func WithAPILevel(level int) Option {
	return func(m *ManifestValidator) {
		m.apiLevel = level
	}
}

// WithExtensions sets the accepted package extensions.
func WithExtensions(exts ...string) Option {
	return func(m *ManifestValidator) {
		m.extensions = normalizeExtensions(exts)
	}
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

// NewManifestValidator compiles the manifest schema from reg.
func NewManifestValidator(reg registry.SchemaRegistry, opts ...Option) (*ManifestValidator, error) {
	raw, ok := reg.GetSchema(registry.ManifestKind)
	if !ok {
		return nil, fmt.Errorf("schema registry has no %s schema", registry.ManifestKind)
	}

	c := jsonschema.NewCompiler()
	url := registry.ManifestKind + ".json"
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to add manifest schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}

	m := &ManifestValidator{
		schema:      schema,
		hostVersion: semver.MustParse(DefaultHostVersion),
		apiLevel:    DefaultAPILevel,
		extensions:  DefaultExtensions,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Extensions returns the accepted package extensions.
func (m *ManifestValidator) Extensions() []string {
	return slices.Clone(m.extensions)
}

// Validate implements Validator.
func (m *ManifestValidator) Validate(packagePath string, meta values.PluginMetadata) error {
	res := m.Check(packagePath, meta)
	if res.Valid {
		return nil
	}
	return &entities.ManifestError{Path: packagePath, Problems: res.Errors}
}

// Check returns every problem with meta.
func (m *ManifestValidator) Check(packagePath string, meta values.PluginMetadata) *ValidationResult {
	res := &ValidationResult{}

	if packagePath != "" {
		ext := strings.ToLower(filepath.Ext(packagePath))
		if !slices.Contains(m.extensions, ext) {
			res.Errors = append(res.Errors, fmt.Sprintf("extension %q is not one of %s", ext, strings.Join(m.extensions, ", ")))
		}
	}

	res.Errors = append(res.Errors, m.checkSchema(meta)...)

	if _, err := values.NewPluginID(meta.PluginID); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	if _, err := semver.NewVersion(meta.Version); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("version %q is not semver", meta.Version))
	}
	if _, err := entities.ParseDependencies(meta); err != nil {
		res.Errors = append(res.Errors, err.Error())
	}

	if meta.MinHostVersion != "" {
		minHost, err := semver.NewVersion(meta.MinHostVersion)
		switch {
		case err != nil:
			res.Errors = append(res.Errors, fmt.Sprintf("minHostVersion %q is not semver", meta.MinHostVersion))
		case m.hostVersion.LessThan(minHost):
			res.Errors = append(res.Errors, fmt.Sprintf("requires host %s, running %s", minHost, m.hostVersion))
		}
	}

	if meta.MinAPILevel > m.apiLevel {
		res.Errors = append(res.Errors, fmt.Sprintf("requires API level %d, host provides %d", meta.MinAPILevel, m.apiLevel))
	}
	if meta.MaxAPILevel != 0 && m.apiLevel > meta.MaxAPILevel {
		res.Errors = append(res.Errors, fmt.Sprintf("supports API level up to %d, host provides %d", meta.MaxAPILevel, m.apiLevel))
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func (m *ManifestValidator) checkSchema(meta values.PluginMetadata) []string {
	b, err := json.Marshal(meta)
	if err != nil {
		return []string{err.Error()}
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return []string{err.Error()}
	}
	if err := m.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			var out []string
			for _, leaf := range leaves(ve) {
				out = append(out, fmt.Sprintf("%s: %s", leaf.InstanceLocation, leaf.Message))
			}
			return out
		}
		return []string{err.Error()}
	}
	return nil
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
