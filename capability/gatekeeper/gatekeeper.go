// Package gatekeeper is the permission half of the trust gate: it
// classifies declared permissions, tracks persisted consent, and prompts
// for missing consent according to a security level.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/capability"
	"github.com/reglet-dev/reglet-sandbox/capability/grantstore"
	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// SecurityLevel controls the gatekeeper's prompting behavior.
type SecurityLevel string

const (
	SecurityStrict     SecurityLevel = "strict"
	SecurityStandard   SecurityLevel = "standard"
	SecurityPermissive SecurityLevel = "permissive"
)

// Reason strings reported by Validate.
const (
	ReasonForbidden       = "forbidden permissions are not allowed"
	ReasonConsentRequired = "user consent required"
	ReasonConsentGranted  = "user consent granted"
	ReasonNoDangerous     = "no dangerous permissions"
)

// ValidationResult is the outcome of classifying a plugin's permissions.
type ValidationResult struct {
	Reason          string
	Dangerous       []string
	Forbidden       []string
	Missing         []string
	Valid           bool
	RequiresConsent bool
}

// Gatekeeper validates declared permissions and owns the consent table.
// Consent is loaded once at construction and flushed to the store after
// every mutation.
type Gatekeeper struct {
	store         capability.ConsentStore
	prompter      capability.Prompter
	catalog       *capability.Catalog
	logger        *slog.Logger
	consents      capability.Consents
	session       capability.Consents
	securityLevel SecurityLevel
	mu            sync.RWMutex
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithStore sets the consent store.
func WithStore(s capability.ConsentStore) Option {
	return func(g *Gatekeeper) { g.store = s }
}

// WithPrompter sets the prompter.
func WithPrompter(p capability.Prompter) Option {
	return func(g *Gatekeeper) { g.prompter = p }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithCatalog replaces the default permission catalog.
func WithCatalog(c *capability.Catalog) Option {
	return func(g *Gatekeeper) { g.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gatekeeper) { g.logger = l }
}

// NewGatekeeper creates a gatekeeper and loads persisted consent.
func NewGatekeeper(opts ...Option) (*Gatekeeper, error) {
	g := &Gatekeeper{
		securityLevel: SecurityStandard,
		logger:        slog.Default(),
		session:       capability.Consents{},
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = grantstore.NewFileStore()
	}
	if g.prompter == nil {
		g.prompter = NewTerminalPrompter()
	}
	if g.catalog == nil {
		g.catalog = capability.DefaultCatalog()
	}

	consents, err := g.store.Load()
	if err != nil {
		return nil, fmt.Errorf("loading consents from %s: %w", g.store.ConfigPath(), err)
	}
	g.consents = consents
	return g, nil
}

// Catalog returns the permission catalog in use.
func (g *Gatekeeper) Catalog() *capability.Catalog {
	return g.catalog
}

// Validate classifies meta's permissions against the current consent state.
func (g *Gatekeeper) Validate(meta values.PluginMetadata) ValidationResult {
	forbidden, dangerous, _ := g.catalog.Partition(meta.Permissions)

	g.mu.RLock()
	var missing []string
	for _, p := range dangerous {
		if !g.hasConsentLocked(meta.PluginID, p) {
			missing = append(missing, p)
		}
	}
	g.mu.RUnlock()

	res := ValidationResult{
		Dangerous:       dangerous,
		Forbidden:       forbidden,
		Missing:         missing,
		RequiresConsent: len(missing) > 0,
	}
	switch {
	case len(forbidden) > 0:
		res.Reason = ReasonForbidden
	case len(missing) > 0:
		res.Reason = ReasonConsentRequired
	case len(dangerous) > 0:
		res.Valid = true
		res.Reason = ReasonConsentGranted
	default:
		res.Valid = true
		res.Reason = ReasonNoDangerous
	}
	return res
}

// CheckForbidden rejects a plugin that declares any forbidden permission.
func (g *Gatekeeper) CheckForbidden(meta values.PluginMetadata) error {
	forbidden, _, _ := g.catalog.Partition(meta.Permissions)
	if len(forbidden) > 0 {
		return &entities.TrustError{
			PluginID: meta.PluginID,
			Reason:   fmt.Sprintf("%s: %v", ReasonForbidden, forbidden),
		}
	}
	return nil
}

// CheckPermissions converts a failed validation into a typed error:
// TrustError for forbidden permissions, ConsentRequiredError for missing consent.
func (g *Gatekeeper) CheckPermissions(meta values.PluginMetadata) error {
	res := g.Validate(meta)
	if res.Valid {
		return nil
	}
	if len(res.Forbidden) > 0 {
		return &entities.TrustError{
			PluginID: meta.PluginID,
			Reason:   fmt.Sprintf("%s: %v", ReasonForbidden, res.Forbidden),
		}
	}
	return &entities.ConsentRequiredError{PluginID: meta.PluginID, Missing: res.Missing}
}

// GrantedPermissions returns the subset of perms the sandbox may expose to
// pluginID: every benign permission plus consented dangerous ones.
func (g *Gatekeeper) GrantedPermissions(pluginID string, perms []string) []string {
	_, dangerous, benign := g.catalog.Partition(perms)

	g.mu.RLock()
	defer g.mu.RUnlock()

	granted := slices.Clone(benign)
	for _, p := range dangerous {
		if g.hasConsentLocked(pluginID, p) {
			granted = append(granted, p)
		}
	}
	return granted
}

// IsPermissionAllowed reports whether pluginID may use perm right now.
func (g *Gatekeeper) IsPermissionAllowed(pluginID, perm string) bool {
	switch g.catalog.Classify(perm) {
	case capability.TierForbidden:
		return false
	case capability.TierDangerous:
		return g.HasConsent(pluginID, perm)
	default:
		return true
	}
}

// HasConsent reports whether consent is recorded for (pluginID, perm).
func (g *Gatekeeper) HasConsent(pluginID, perm string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasConsentLocked(pluginID, perm)
}

func (g *Gatekeeper) hasConsentLocked(pluginID, perm string) bool {
	return g.consents.Has(pluginID, perm) || g.session.Has(pluginID, perm)
}

// Consents returns a snapshot of the persisted consent table.
func (g *Gatekeeper) Consents() capability.Consents {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.consents.Clone()
}

// GrantConsent records consent for perms and persists it. Forbidden
// permissions are refused and nothing is recorded.
func (g *Gatekeeper) GrantConsent(pluginID string, perms ...string) error {
	for _, p := range perms {
		if g.catalog.Classify(p) == capability.TierForbidden {
			return &entities.TrustError{PluginID: pluginID, Reason: fmt.Sprintf("permission %s can never be granted", p)}
		}
	}
	return g.mutate(func(c capability.Consents) capability.Consents {
		return c.With(pluginID, perms...)
	})
}

// RevokeConsent removes consent for perms, or every consent of pluginID
// when perms is empty, and persists the result.
func (g *Gatekeeper) RevokeConsent(pluginID string, perms ...string) error {
	g.mu.Lock()
	g.session = g.session.Without(pluginID, perms...)
	g.mu.Unlock()
	return g.mutate(func(c capability.Consents) capability.Consents {
		return c.Without(pluginID, perms...)
	})
}

// ClearAllConsents resets the consent table.
func (g *Gatekeeper) ClearAllConsents() error {
	g.mu.Lock()
	g.session = capability.Consents{}
	g.mu.Unlock()
	return g.mutate(func(capability.Consents) capability.Consents {
		return capability.Consents{}
	})
}

// mutate applies fn and flushes. The in-memory table only changes once
// the store accepted the new state.
func (g *Gatekeeper) mutate(fn func(capability.Consents) capability.Consents) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := fn(g.consents)
	if err := g.store.Save(next); err != nil {
		return fmt.Errorf("persisting consents to %s: %w", g.store.ConfigPath(), err)
	}
	g.consents = next
	return nil
}

// RequestConsent asks for every dangerous permission of meta that lacks
// consent. Decisions marked "always" are persisted; the rest last for the
// process lifetime.
func (g *Gatekeeper) RequestConsent(ctx context.Context, meta values.PluginMetadata) error {
	res := g.Validate(meta)
	if len(res.Forbidden) > 0 {
		return g.CheckForbidden(meta)
	}
	if !res.RequiresConsent {
		return nil
	}

	if g.securityLevel != SecurityPermissive && !g.prompter.IsInteractive() {
		return fmt.Errorf("%w: %w",
			&entities.ConsentRequiredError{PluginID: meta.PluginID, Missing: res.Missing},
			g.prompter.FormatNonInteractiveError(meta.PluginID, res.Missing))
	}

	var persist []string
	for _, perm := range res.Missing {
		if err := ctx.Err(); err != nil {
			return err
		}

		req := capability.Request{
			PluginID:    meta.PluginID,
			Permission:  perm,
			Description: fmt.Sprintf("%s (%s) requests %s", meta.PluginName, meta.PluginID, perm),
			Tier:        capability.TierDangerous,
			IsBroad:     capability.IsBroad(perm),
		}

		granted, always, err := g.evaluateWithSecurityLevel(req)
		if err != nil {
			return err
		}
		if !granted {
			return &entities.ConsentRequiredError{PluginID: meta.PluginID, Missing: []string{perm}}
		}
		if always {
			persist = append(persist, perm)
		} else {
			g.mu.Lock()
			g.session = g.session.With(meta.PluginID, perm)
			g.mu.Unlock()
		}
	}

	if len(persist) > 0 {
		if err := g.GrantConsent(meta.PluginID, persist...); err != nil {
			return err
		}
		g.logger.Info("consent saved", "plugin", meta.PluginID, "permissions", persist, "path", g.store.ConfigPath())
	}
	return nil
}

// evaluateWithSecurityLevel applies security level policy and prompts if needed.
func (g *Gatekeeper) evaluateWithSecurityLevel(req capability.Request) (bool, bool, error) {
	if req.IsBroad {
		switch g.securityLevel {
		case SecurityStrict:
			g.logger.Error("broad permission denied by security policy",
				"level", "strict",
				"plugin", req.PluginID,
				"permission", req.Permission)
			return false, false, fmt.Errorf("broad permission denied by strict security policy: %s", req.Permission)

		case SecurityPermissive:
			g.logger.Warn("auto-granting broad permission (permissive mode)",
				"plugin", req.PluginID,
				"permission", req.Permission)
			return true, false, nil
		}
	}

	if g.securityLevel == SecurityPermissive {
		g.logger.Warn("auto-granting permission (permissive mode)",
			"plugin", req.PluginID,
			"permission", req.Permission)
		return true, false, nil
	}

	return g.prompter.PromptForCapability(req)
}
