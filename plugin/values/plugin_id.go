package values

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MaxPluginIDLength bounds plugin identifiers. Ids are used as directory
// names for scoped storage, so they stay short.
const MaxPluginIDLength = 128

// PluginID is a validated, author-chosen plugin identifier such as
// "com.example.netmon".
type PluginID struct {
	value string
}

// NewPluginID creates a PluginID with strict validation.
// A valid id must:
// - Be non-empty
// - contain only alphanumeric characters, dots, underscores, and hyphens
// - NOT contain path separators or ".." sequences
// - Be at most MaxPluginIDLength characters long
func NewPluginID(id string) (PluginID, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PluginID{}, fmt.Errorf("plugin id cannot be empty")
	}

	if len(id) > MaxPluginIDLength {
		return PluginID{}, fmt.Errorf("plugin id too long (max %d chars)", MaxPluginIDLength)
	}

	if strings.ContainsAny(id, `/\`) {
		return PluginID{}, fmt.Errorf("plugin id cannot contain path separators")
	}

	if strings.Contains(id, "..") {
		return PluginID{}, fmt.Errorf("plugin id cannot contain parent directory references")
	}

	for _, ch := range id {
		if !isValidIDChar(ch) {
			return PluginID{}, fmt.Errorf("invalid plugin id %q: must contain only alphanumeric characters, dots, underscores, and hyphens", id)
		}
	}

	return PluginID{value: id}, nil
}

func isValidIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '.' ||
		r == '_' ||
		r == '-'
}

// MustNewPluginID creates a PluginID or panics. Intended for constants and tests.
func MustNewPluginID(id string) PluginID {
	pid, err := NewPluginID(id)
	if err != nil {
		panic(err)
	}
	return pid
}

func (p PluginID) String() string {
	return p.value
}

// IsEmpty returns true if this is the zero value
func (p PluginID) IsEmpty() bool {
	return p.value == ""
}

// MarshalJSON implements json.Marshaler.
func (p PluginID) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PluginID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid plugin id JSON: %w", err)
	}
	id, err := NewPluginID(s)
	if err != nil {
		return err
	}
	*p = id
	return nil
}
