package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPluginMetadata_WithDefaults(t *testing.T) {
	t.Parallel()

	m := PluginMetadata{
		PluginID:   "a",
		PluginName: "A",
		Version:    "1.0.0",
		EntryPoint: "main.lua",
		Category:   "network",
	}.WithDefaults()

	assert.Equal(t, DefaultAuthor, m.Author)
	assert.Equal(t, DefaultMinAPILevel, m.MinAPILevel)
	assert.Equal(t, 0, m.MaxAPILevel)
	assert.Equal(t, DefaultMinHostVersion, m.MinHostVersion)
	assert.Equal(t, CategoryNetwork, m.Category)
	assert.Equal(t, RuntimeLua, m.Runtime)
	assert.Empty(t, m.Description)
}

func TestPluginMetadata_WithDefaultsKeepsExplicitValues(t *testing.T) {
	t.Parallel()

	in := PluginMetadata{
		PluginID:       "a",
		PluginName:     "A",
		Version:        "1.0.0",
		Author:         "someone",
		MinAPILevel:    33,
		MaxAPILevel:    36,
		MinHostVersion: "2.1.0",
		EntryPoint:     "plugin.wasm",
		Runtime:        RuntimeBuiltin,
		Category:       CategorySecurity,
	}
	out := in.WithDefaults()
	assert.True(t, in.Equal(out))
}

func TestRuntimeFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RuntimeWasm, RuntimeFor("bin/plugin.WASM"))
	assert.Equal(t, RuntimeLua, RuntimeFor("main.lua"))
	assert.Equal(t, RuntimeJS, RuntimeFor("index.js"))
	assert.Equal(t, RuntimeBuiltin, RuntimeFor("com.example.Echo"))
}

func TestPluginMetadata_Equal(t *testing.T) {
	t.Parallel()

	a := PluginMetadata{PluginID: "a", Version: "1.0.0", Permissions: []string{"camera"}}
	b := a
	b.Permissions = []string{"camera"}
	assert.True(t, a.Equal(b))

	b.Permissions = []string{"camera", "sms/send"}
	assert.False(t, a.Equal(b))

	c := a
	c.Version = "1.0.1"
	assert.False(t, a.Equal(c))
}
