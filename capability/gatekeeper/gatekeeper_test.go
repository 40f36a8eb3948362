package gatekeeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/reglet-dev/reglet-sandbox/capability"
	"github.com/reglet-dev/reglet-sandbox/capability/grantstore"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

type stubPrompter struct {
	interactive bool
	granted     bool
	always      bool
	asked       []string
}

func (p *stubPrompter) IsInteractive() bool { return p.interactive }

func (p *stubPrompter) PromptForCapability(req capability.Request) (bool, bool, error) {
	p.asked = append(p.asked, req.Permission)
	return p.granted, p.always, nil
}

func (p *stubPrompter) FormatNonInteractiveError(pluginID string, missing []string) error {
	return errors.New("non-interactive")
}

func newTestGatekeeper(t *testing.T, opts ...Option) (*Gatekeeper, *grantstore.MemoryStore) {
	t.Helper()
	store := grantstore.NewMemoryStore(nil)
	base := []Option{
		WithStore(store),
		WithPrompter(&stubPrompter{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	g, err := NewGatekeeper(append(base, opts...)...)
	require.NoError(t, err)
	return g, store
}

func meta(id string, perms ...string) values.PluginMetadata {
	return values.PluginMetadata{PluginID: id, PluginName: id, Version: "1.0.0", EntryPoint: "x", Permissions: perms}
}

func TestGatekeeper_Validate(t *testing.T) {
	t.Parallel()

	g, _ := newTestGatekeeper(t)

	res := g.Validate(meta("a", "network/internet"))
	assert.True(t, res.Valid)
	assert.False(t, res.RequiresConsent)
	assert.Equal(t, ReasonNoDangerous, res.Reason)

	res = g.Validate(meta("a", "camera", "network/internet"))
	assert.False(t, res.Valid)
	assert.True(t, res.RequiresConsent)
	assert.Equal(t, []string{"camera"}, res.Dangerous)
	assert.Equal(t, ReasonConsentRequired, res.Reason)

	require.NoError(t, g.GrantConsent("a", "camera"))
	res = g.Validate(meta("a", "camera", "network/internet"))
	assert.True(t, res.Valid)
	assert.Equal(t, ReasonConsentGranted, res.Reason)

	res = g.Validate(meta("a", "camera", "system/reboot"))
	assert.False(t, res.Valid)
	assert.Equal(t, []string{"system/reboot"}, res.Forbidden)
	assert.Equal(t, ReasonForbidden, res.Reason)
}

// A forbidden permission is never valid, whatever consent says. With only
// dangerous permissions, validity holds exactly when every one is consented.
func TestGatekeeper_ValidateProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := grantstore.NewMemoryStore(nil)
		g, err := NewGatekeeper(WithStore(store), WithPrompter(&stubPrompter{}))
		if err != nil {
			t.Fatal(err)
		}

		dangerous := rapid.SliceOfDistinct(rapid.SampledFrom(capability.DefaultDangerous), rapid.ID[string]).Draw(t, "dangerous")
		consented := rapid.SliceOfDistinct(rapid.SampledFrom(capability.DefaultDangerous), rapid.ID[string]).Draw(t, "consented")
		withForbidden := rapid.Bool().Draw(t, "withForbidden")

		if len(consented) > 0 {
			if err := g.GrantConsent("p", consented...); err != nil {
				t.Fatal(err)
			}
		}

		perms := dangerous
		if withForbidden {
			perms = append(perms, rapid.SampledFrom(capability.DefaultForbidden).Draw(t, "forbidden"))
		}
		res := g.Validate(meta("p", perms...))

		if withForbidden {
			if res.Valid {
				t.Fatalf("forbidden permission validated: %v", perms)
			}
			return
		}

		allConsented := true
		for _, d := range dangerous {
			if !g.HasConsent("p", d) {
				allConsented = false
			}
		}
		if res.Valid != allConsented {
			t.Fatalf("Valid=%v but allConsented=%v for %v (consented %v)", res.Valid, allConsented, dangerous, consented)
		}
		if res.RequiresConsent == allConsented {
			t.Fatalf("RequiresConsent=%v inconsistent with allConsented=%v", res.RequiresConsent, allConsented)
		}
	})
}

func TestGatekeeper_CheckPermissions(t *testing.T) {
	t.Parallel()

	g, _ := newTestGatekeeper(t)

	err := g.CheckPermissions(meta("a", "fs/mount"))
	assert.ErrorIs(t, err, entities.ErrTrust)

	err = g.CheckPermissions(meta("a", "sms/send"))
	var consentErr *entities.ConsentRequiredError
	require.ErrorAs(t, err, &consentErr)
	assert.Equal(t, []string{"sms/send"}, consentErr.Missing)

	assert.NoError(t, g.CheckPermissions(meta("a", "network/internet")))
	assert.NoError(t, g.CheckForbidden(meta("a", "sms/send")))
	assert.ErrorIs(t, g.CheckForbidden(meta("a", "config/change")), entities.ErrTrust)
}

func TestGatekeeper_ConsentPersistence(t *testing.T) {
	t.Parallel()

	g, store := newTestGatekeeper(t)

	require.NoError(t, g.GrantConsent("a", "camera", "sms/send"))
	require.NoError(t, g.GrantConsent("b", "camera"))
	assert.Equal(t, 2, store.Saves())

	persisted, _ := store.Load()
	assert.True(t, persisted.Has("a", "sms/send"))

	require.NoError(t, g.RevokeConsent("a", "camera"))
	assert.False(t, g.HasConsent("a", "camera"))
	assert.True(t, g.HasConsent("a", "sms/send"))

	require.NoError(t, g.RevokeConsent("a"))
	assert.False(t, g.HasConsent("a", "sms/send"))
	assert.True(t, g.HasConsent("b", "camera"))

	require.NoError(t, g.ClearAllConsents())
	assert.False(t, g.HasConsent("b", "camera"))
	assert.Equal(t, 5, store.Saves())

	reloaded, err := NewGatekeeper(WithStore(store), WithPrompter(&stubPrompter{}))
	require.NoError(t, err)
	assert.Empty(t, reloaded.Consents())
}

func TestGatekeeper_GrantForbiddenRefused(t *testing.T) {
	t.Parallel()

	g, store := newTestGatekeeper(t)
	err := g.GrantConsent("a", "camera", "system/reboot")
	assert.ErrorIs(t, err, entities.ErrTrust)
	assert.False(t, g.HasConsent("a", "camera"))
	assert.Equal(t, 0, store.Saves())
}

func TestGatekeeper_SaveFailureKeepsState(t *testing.T) {
	t.Parallel()

	g, store := newTestGatekeeper(t)
	store.SaveErr = errors.New("disk full")

	assert.Error(t, g.GrantConsent("a", "camera"))
	assert.False(t, g.HasConsent("a", "camera"))
}

func TestGatekeeper_IsPermissionAllowed(t *testing.T) {
	t.Parallel()

	g, _ := newTestGatekeeper(t)
	assert.True(t, g.IsPermissionAllowed("a", "network/internet"))
	assert.False(t, g.IsPermissionAllowed("a", "camera"))
	assert.False(t, g.IsPermissionAllowed("a", "system/reboot"))

	require.NoError(t, g.GrantConsent("a", "camera"))
	assert.True(t, g.IsPermissionAllowed("a", "camera"))
	assert.False(t, g.IsPermissionAllowed("b", "camera"))
}

func TestGatekeeper_GrantedPermissions(t *testing.T) {
	t.Parallel()

	g, _ := newTestGatekeeper(t)
	require.NoError(t, g.GrantConsent("a", "camera"))

	got := g.GrantedPermissions("a", []string{"network/internet", "camera", "sms/send", "system/reboot"})
	assert.Equal(t, []string{"network/internet", "camera"}, got)
}

func TestGatekeeper_RequestConsent(t *testing.T) {
	t.Parallel()

	t.Run("always persists", func(t *testing.T) {
		p := &stubPrompter{interactive: true, granted: true, always: true}
		g, store := newTestGatekeeper(t, WithPrompter(p))

		require.NoError(t, g.RequestConsent(context.Background(), meta("a", "camera", "sms/send", "network/internet")))
		assert.Equal(t, []string{"camera", "sms/send"}, p.asked)
		persisted, _ := store.Load()
		assert.True(t, persisted.Has("a", "camera"))
	})

	t.Run("session grant is not persisted", func(t *testing.T) {
		p := &stubPrompter{interactive: true, granted: true}
		g, store := newTestGatekeeper(t, WithPrompter(p))

		require.NoError(t, g.RequestConsent(context.Background(), meta("a", "camera")))
		assert.True(t, g.Validate(meta("a", "camera")).Valid)
		assert.Equal(t, 0, store.Saves())
	})

	t.Run("denied", func(t *testing.T) {
		p := &stubPrompter{interactive: true}
		g, _ := newTestGatekeeper(t, WithPrompter(p))
		err := g.RequestConsent(context.Background(), meta("a", "camera"))
		assert.ErrorIs(t, err, entities.ErrConsentRequired)
	})

	t.Run("non-interactive", func(t *testing.T) {
		g, _ := newTestGatekeeper(t)
		err := g.RequestConsent(context.Background(), meta("a", "camera"))
		assert.ErrorIs(t, err, entities.ErrConsentRequired)
	})

	t.Run("permissive grants without prompting", func(t *testing.T) {
		p := &stubPrompter{}
		g, _ := newTestGatekeeper(t, WithPrompter(p), WithSecurityLevel(SecurityPermissive))
		require.NoError(t, g.RequestConsent(context.Background(), meta("a", "camera", "contacts/*")))
		assert.Empty(t, p.asked)
		assert.True(t, g.HasConsent("a", "camera"))
	})

	t.Run("strict refuses broad", func(t *testing.T) {
		p := &stubPrompter{interactive: true, granted: true}
		g, _ := newTestGatekeeper(t, WithPrompter(p), WithSecurityLevel(SecurityStrict))
		assert.Error(t, g.RequestConsent(context.Background(), meta("a", "contacts/*")))
		assert.Empty(t, p.asked)
	})

	t.Run("forbidden never prompts", func(t *testing.T) {
		p := &stubPrompter{interactive: true, granted: true}
		g, _ := newTestGatekeeper(t, WithPrompter(p))
		assert.ErrorIs(t, g.RequestConsent(context.Background(), meta("a", "camera", "fs/mount")), entities.ErrTrust)
		assert.Empty(t, p.asked)
	})
}
