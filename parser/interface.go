package parser

import "github.com/reglet-dev/reglet-sandbox/plugin/values"

// ManifestParser parses raw manifest bytes into plugin metadata.
type ManifestParser interface {
	// Parse decodes manifest bytes and applies metadata defaults.
	Parse(data []byte) (values.PluginMetadata, error)
}

// Manifest file names looked up inside a package, in order.
const (
	ManifestJSON = "plugin-manifest.json"
	ManifestYAML = "plugin-manifest.yaml"
	ManifestYML  = "plugin-manifest.yml"
)

// ForName returns the parser for a manifest file name.
func ForName(name string) (ManifestParser, bool) {
	switch name {
	case ManifestJSON:
		return NewJSONManifestParser(), true
	case ManifestYAML, ManifestYML:
		return NewYamlManifestParser(), true
	default:
		return nil, false
	}
}
