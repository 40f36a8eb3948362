package parser

import (
	"bytes"
	"encoding/json"

	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// JSONManifestParser implements ManifestParser for JSON.
type JSONManifestParser struct{}

// NewJSONManifestParser creates a new JSONManifestParser.
func NewJSONManifestParser() ManifestParser {
	return &JSONManifestParser{}
}

// Parse unmarshals JSON bytes into plugin metadata. Unknown fields are rejected.
func (p *JSONManifestParser) Parse(data []byte) (values.PluginMetadata, error) {
	var meta values.PluginMetadata
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&meta); err != nil {
		return values.PluginMetadata{}, err
	}
	return meta.WithDefaults(), nil
}
