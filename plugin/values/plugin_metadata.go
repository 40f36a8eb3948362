package values

import (
	"path"
	"slices"
	"strings"
)

// Category groups plugins for display and policy.
type Category string

const (
	CategorySecurity Category = "SECURITY"
	CategoryNetwork  Category = "NETWORK"
	CategoryPrivacy  Category = "PRIVACY"
	CategoryUtility  Category = "UTILITY"
	CategorySystem   Category = "SYSTEM"
)

// Categories lists every known category.
var Categories = []Category{CategorySecurity, CategoryNetwork, CategoryPrivacy, CategoryUtility, CategorySystem}

// Runtime names the loader that executes a plugin's entry point.
type Runtime string

const (
	RuntimeBuiltin Runtime = "builtin"
	RuntimeWasm    Runtime = "wasm"
	RuntimeLua     Runtime = "lua"
	RuntimeJS      Runtime = "js"
)

// Metadata defaults applied to absent manifest fields.
const (
	DefaultAuthor         = "Unknown"
	DefaultMinAPILevel    = 1
	DefaultMinHostVersion = "0.0.0"
)

// PluginMetadata describes a plugin as declared by its package manifest.
// The struct doubles as the manifest document; its tags drive both
// decoding and the generated JSON schema.
type PluginMetadata struct {
	PluginID       string   `json:"pluginId" yaml:"pluginId" jsonschema:"required,minLength=1,maxLength=128,pattern=^[A-Za-z0-9._-]+$"`
	PluginName     string   `json:"pluginName" yaml:"pluginName" jsonschema:"required,minLength=1"`
	Version        string   `json:"version" yaml:"version" jsonschema:"required,minLength=1"`
	Author         string   `json:"author,omitempty" yaml:"author,omitempty"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	MinAPILevel    int      `json:"minApiLevel,omitempty" yaml:"minApiLevel,omitempty" jsonschema:"minimum=0"`
	MaxAPILevel    int      `json:"maxApiLevel,omitempty" yaml:"maxApiLevel,omitempty" jsonschema:"minimum=0"`
	MinHostVersion string   `json:"minHostVersion,omitempty" yaml:"minHostVersion,omitempty"`
	Permissions    []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Dependencies   []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	EntryPoint     string   `json:"entryPoint" yaml:"entryPoint" jsonschema:"required,minLength=1"`
	Runtime        Runtime  `json:"runtime,omitempty" yaml:"runtime,omitempty" jsonschema:"enum=builtin,enum=wasm,enum=lua,enum=js"`
	Category       Category `json:"category,omitempty" yaml:"category,omitempty" jsonschema:"enum=SECURITY,enum=NETWORK,enum=PRIVACY,enum=UTILITY,enum=SYSTEM"`
}

// WithDefaults returns a copy with defaults filled in for absent optional
// fields. Required fields are left untouched.
func (m PluginMetadata) WithDefaults() PluginMetadata {
	if m.Author == "" {
		m.Author = DefaultAuthor
	}
	if m.MinAPILevel == 0 {
		m.MinAPILevel = DefaultMinAPILevel
	}
	if m.MinHostVersion == "" {
		m.MinHostVersion = DefaultMinHostVersion
	}
	if m.Category == "" {
		m.Category = CategoryUtility
	}
	m.Category = Category(strings.ToUpper(string(m.Category)))
	if m.Runtime == "" {
		m.Runtime = RuntimeFor(m.EntryPoint)
	}
	m.Permissions = slices.Clone(m.Permissions)
	m.Dependencies = slices.Clone(m.Dependencies)
	return m
}

// RuntimeFor infers the runtime from an entry point's extension.
func RuntimeFor(entryPoint string) Runtime {
	switch strings.ToLower(path.Ext(entryPoint)) {
	case ".wasm":
		return RuntimeWasm
	case ".lua":
		return RuntimeLua
	case ".js":
		return RuntimeJS
	default:
		return RuntimeBuiltin
	}
}

// Equal reports whether two metadata values agree on every field.
func (m PluginMetadata) Equal(other PluginMetadata) bool {
	return m.PluginID == other.PluginID &&
		m.PluginName == other.PluginName &&
		m.Version == other.Version &&
		m.Author == other.Author &&
		m.Description == other.Description &&
		m.MinAPILevel == other.MinAPILevel &&
		m.MaxAPILevel == other.MaxAPILevel &&
		m.MinHostVersion == other.MinHostVersion &&
		slices.Equal(m.Permissions, other.Permissions) &&
		slices.Equal(m.Dependencies, other.Dependencies) &&
		m.EntryPoint == other.EntryPoint &&
		m.Runtime == other.Runtime &&
		m.Category == other.Category
}

// HasPermission reports whether perm is declared.
func (m PluginMetadata) HasPermission(perm string) bool {
	return slices.Contains(m.Permissions, perm)
}
