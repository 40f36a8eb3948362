package validation

import "github.com/reglet-dev/reglet-sandbox/plugin/values"

// Validator checks a parsed manifest before any remote call is made.
type Validator interface {
	// Validate returns a ManifestError listing every problem, or nil.
	Validate(packagePath string, meta values.PluginMetadata) error
}

// ValidationResult collects manifest problems.
type ValidationResult struct {
	Errors []string
	Valid  bool
}
