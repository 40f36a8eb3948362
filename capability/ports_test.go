package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsents_WithWithout(t *testing.T) {
	t.Parallel()

	var c Consents
	c = c.With("a", "sms/send", "camera", "camera")
	assert.Equal(t, []string{"camera", "sms/send"}, c["a"])
	assert.True(t, c.Has("a", "camera"))
	assert.False(t, c.Has("b", "camera"))

	next := c.Without("a", "camera")
	assert.Equal(t, []string{"sms/send"}, next["a"])
	assert.True(t, c.Has("a", "camera"), "original must be unchanged")

	assert.NotContains(t, next.Without("a", "sms/send"), "a")
	assert.Empty(t, c.With("b", "camera").Without("b").Without("a"))
}

func TestConsents_PluginIDs(t *testing.T) {
	t.Parallel()

	c := Consents{}.With("z", "camera").With("a", "camera")
	assert.Equal(t, []string{"a", "z"}, c.PluginIDs())
}
