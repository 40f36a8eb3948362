package registry

// SchemaRegistry manages JSON schemas for the documents the runtime reads.
type SchemaRegistry interface {
	// Register adds a schema for a document kind (e.g. "plugin-manifest").
	// model can be a struct (to generate schema) or a JSON schema string/map.
	Register(kind string, model any) error

	// GetSchema returns the JSON schema for a document kind.
	GetSchema(kind string) (string, bool)

	// List returns all registered kinds, sorted.
	List() []string
}
