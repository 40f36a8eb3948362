package values

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPluginID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "netmon", false},
		{"reverse domain", "com.example.netmon", false},
		{"underscore and hyphen", "net_mon-2", false},
		{"trimmed", "  netmon ", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"traversal", "a..b", true},
		{"space inside", "net mon", true},
		{"too long", strings.Repeat("a", MaxPluginIDLength+1), true},
		{"max length", strings.Repeat("a", MaxPluginIDLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := NewPluginID(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(tt.input), id.String())
		})
	}
}

func TestPluginID_JSON(t *testing.T) {
	t.Parallel()

	var id PluginID
	require.NoError(t, json.Unmarshal([]byte(`"com.example.a"`), &id))
	assert.Equal(t, "com.example.a", id.String())

	out, err := json.Marshal(id)
	require.NoError(t, err)
	assert.JSONEq(t, `"com.example.a"`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`"../etc"`), &id))
	assert.Error(t, json.Unmarshal([]byte(`42`), &id))
}

func TestMustNewPluginID_Panics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { MustNewPluginID("") })
}
