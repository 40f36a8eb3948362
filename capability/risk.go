// Package capability classifies plugin permissions into trust tiers and
// defines the ports used to persist and prompt for user consent.
package capability

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Tier is the trust tier of a permission.
type Tier int

const (
	// TierBenign permissions are always allowed.
	TierBenign Tier = iota
	// TierDangerous permissions need per-plugin user consent.
	TierDangerous
	// TierForbidden permissions grant coordinator-level control and can never be consented.
	TierForbidden
)

func (t Tier) String() string {
	switch t {
	case TierBenign:
		return "benign"
	case TierDangerous:
		return "dangerous"
	case TierForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// DefaultForbidden lists permissions that are never grantable.
var DefaultForbidden = []string{
	"package/install",
	"package/delete",
	"settings/secure/write",
	"config/change",
	"fs/mount",
	"system/reboot",
}

// DefaultDangerous lists permissions that need consent.
var DefaultDangerous = []string{
	"storage/read",
	"storage/write",
	"location/fine",
	"location/coarse",
	"audio/record",
	"camera",
	"contacts/read",
	"contacts/write",
	"phone/state",
	"phone/call",
	"sms/read",
	"sms/send",
	"calendar/read",
	"calendar/write",
	"sensors/body",
	"network/private",
}

// Catalog classifies slash-separated permission ids using doublestar
// patterns. Forbidden patterns take precedence over dangerous ones and
// anything unmatched is benign.
type Catalog struct {
	forbidden []string
	dangerous []string
}

// NewCatalog builds a catalog from forbidden and dangerous patterns.
// Invalid patterns are rejected.
func NewCatalog(forbidden, dangerous []string) (*Catalog, error) {
	for _, p := range slices.Concat(forbidden, dangerous) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid permission pattern %q", p)
		}
	}
	return &Catalog{
		forbidden: slices.Clone(forbidden),
		dangerous: slices.Clone(dangerous),
	}, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	return &Catalog{
		forbidden: slices.Clone(DefaultForbidden),
		dangerous: slices.Clone(DefaultDangerous),
	}
}

// Classify returns the tier of perm. A declared permission that is itself a
// pattern (e.g. "system/**") takes the highest tier of any catalog entry it
// covers.
func (c *Catalog) Classify(perm string) Tier {
	if matchesAny(c.forbidden, perm) {
		return TierForbidden
	}
	if matchesAny(c.dangerous, perm) {
		return TierDangerous
	}
	return TierBenign
}

// Partition splits perms into tiers, preserving declaration order and
// dropping duplicates.
func (c *Catalog) Partition(perms []string) (forbidden, dangerous, benign []string) {
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		switch c.Classify(p) {
		case TierForbidden:
			forbidden = append(forbidden, p)
		case TierDangerous:
			dangerous = append(dangerous, p)
		default:
			benign = append(benign, p)
		}
	}
	return forbidden, dangerous, benign
}

func matchesAny(patterns []string, perm string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, perm); ok {
			return true
		}
		if IsBroad(perm) {
			if ok, _ := doublestar.Match(perm, pattern); ok {
				return true
			}
		}
	}
	return false
}

// IsBroad reports whether a declared permission is a wildcard pattern.
func IsBroad(perm string) bool {
	return strings.ContainsAny(perm, "*?[{")
}

// RiskLevel represents the security risk level of a permission set.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	return [...]string{"none", "low", "medium", "high", "critical"}[l]
}

// RiskReport contains the overall risk assessment for a set of permissions.
type RiskReport struct {
	RiskFactors []RiskFactor
	Level       RiskLevel
}

// RiskFactor describes a single risk element in a permission set.
type RiskFactor struct {
	Description string
	Permission  string
	Level       RiskLevel
}

// LogValue implements slog.LogValuer.
func (r RiskReport) LogValue() slog.Value {
	perms := make([]string, 0, len(r.RiskFactors))
	for _, f := range r.RiskFactors {
		perms = append(perms, f.Permission)
	}
	return slog.GroupValue(
		slog.String("level", r.Level.String()),
		slog.Any("permissions", perms),
	)
}

// AnalyzeRisk evaluates the risk level of a declared permission set.
func (c *Catalog) AnalyzeRisk(perms []string) RiskReport {
	report := RiskReport{Level: RiskNone}

	addFactor := func(level RiskLevel, desc, perm string) {
		report.RiskFactors = append(report.RiskFactors, RiskFactor{
			Level:       level,
			Description: desc,
			Permission:  perm,
		})
		if level > report.Level {
			report.Level = level
		}
	}

	forbidden, dangerous, benign := c.Partition(perms)
	for _, p := range forbidden {
		addFactor(RiskCritical, "Coordinator-level control", p)
	}
	for _, p := range dangerous {
		if IsBroad(p) {
			addFactor(RiskHigh, "Broad access to sensitive data", p)
		} else {
			addFactor(RiskMedium, "Access to sensitive data", p)
		}
	}
	for _, p := range benign {
		addFactor(RiskLow, "Standard capability", p)
	}

	return report
}
