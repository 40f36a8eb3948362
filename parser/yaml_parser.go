// Package parser reads plugin packages and their manifests.
package parser

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// YamlManifestParser implements ManifestParser for YAML.
type YamlManifestParser struct{}

// NewYamlManifestParser creates a new YamlManifestParser.
func NewYamlManifestParser() ManifestParser {
	return &YamlManifestParser{}
}

// Parse unmarshals YAML bytes into plugin metadata. Unknown fields are rejected.
func (p *YamlManifestParser) Parse(data []byte) (values.PluginMetadata, error) {
	var meta values.PluginMetadata
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&meta); err != nil {
		return values.PluginMetadata{}, err
	}
	return meta.WithDefaults(), nil
}
