// Package services holds domain services shared by the lifecycle manager.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/reglet-dev/reglet-sandbox/plugin/entities"
	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
	"github.com/reglet-dev/reglet-sandbox/plugin/values"
)

// TrustMethod says how a package was accepted.
type TrustMethod string

const (
	TrustUnchecked TrustMethod = "unchecked"
	TrustSignature TrustMethod = "signature"
	TrustHash      TrustMethod = "hash"
)

// TrustResult describes an accepted package.
type TrustResult struct {
	Method TrustMethod
	Signer string
	Digest values.Digest
}

// PinLookup returns the lockfile pin for a plugin, if any.
type PinLookup interface {
	Pinned(ctx context.Context, pluginID string) (values.Digest, bool, error)
}

// TrustService decides whether a package may be loaded.
type TrustService struct {
	verifier ports.SignatureVerifier
	pins     PinLookup
	hashes   map[string]struct{}
	logger   *slog.Logger
}

// TrustOption configures a TrustService.
type TrustOption func(*TrustService)

// WithSignatureVerifier sets the verifier for detached signatures.
func WithSignatureVerifier(v ports.SignatureVerifier) TrustOption {
	return func(s *TrustService) {
		s.verifier = v
	}
}

// WithTrustedHashes adds trusted content hashes. Bare hex is read as
// SHA-256. Malformed entries are logged and skipped.
func WithTrustedHashes(hashes ...string) TrustOption {
	return func(s *TrustService) {
		for _, h := range hashes {
			d, err := values.ParseDigest(h)
			if err != nil {
				s.logger.Warn("ignoring malformed trusted hash", "hash", h, "error", err)
				continue
			}
			s.hashes[d.String()] = struct{}{}
		}
	}
}

// WithPins checks packages against lockfile pins.
func WithPins(p PinLookup) TrustOption {
	return func(s *TrustService) {
		s.pins = p
	}
}

// WithTrustLogger sets the logger.
func WithTrustLogger(l *slog.Logger) TrustOption {
	return func(s *TrustService) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewTrustService creates a trust service.
func NewTrustService(opts ...TrustOption) *TrustService {
	s := &TrustService{
		hashes: make(map[string]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HasTrustMaterial reports whether any key or hash is configured.
func (s *TrustService) HasTrustMaterial() bool {
	return len(s.hashes) > 0 || (s.verifier != nil && s.verifier.HasTrustedKeys())
}

// Validate checks pkg, whose raw bytes are blob. sig is the detached
// signature and may be nil. A lockfile pin mismatch is rejected even when
// no other trust material exists.
func (s *TrustService) Validate(ctx context.Context, pkg *entities.Package, blob, sig []byte) (*TrustResult, error) {
	if err := s.checkPin(ctx, pkg); err != nil {
		return nil, err
	}

	if !s.HasTrustMaterial() {
		s.logger.Warn("no trust material configured, skipping signature check", "plugin", pkg.ID())
		return &TrustResult{Method: TrustUnchecked, Digest: pkg.Digest()}, nil
	}

	reason := "hash not trusted"
	if s.verifier != nil && s.verifier.HasTrustedKeys() && len(sig) > 0 {
		res, err := s.verifier.VerifyBlob(ctx, blob, sig)
		if err == nil && res.Verified {
			s.logger.Debug("package signature verified", "plugin", pkg.ID(), "signer", res.Signer)
			return &TrustResult{Method: TrustSignature, Signer: res.Signer, Digest: pkg.Digest()}, nil
		}
		reason = "signature not trusted"
		s.logger.Debug("package signature rejected", "plugin", pkg.ID(), "error", err)
	}

	if _, ok := s.hashes[pkg.Digest().String()]; ok {
		return &TrustResult{Method: TrustHash, Digest: pkg.Digest()}, nil
	}

	return nil, &entities.TrustError{PluginID: pkg.ID(), Reason: reason}
}

func (s *TrustService) checkPin(ctx context.Context, pkg *entities.Package) error {
	if s.pins == nil {
		return nil
	}
	pinned, ok, err := s.pins.Pinned(ctx, pkg.ID())
	if err != nil {
		return fmt.Errorf("failed to read lockfile pin: %w", err)
	}
	if !ok {
		return nil
	}
	if err := pkg.VerifyIntegrity(pinned); err != nil {
		return fmt.Errorf("lockfile pin: %w", err)
	}
	return nil
}

// ValidateHash compares the package hash with expected, ignoring case.
func (s *TrustService) ValidateHash(pkg *entities.Package, expected string) error {
	want, err := values.ParseDigest(strings.TrimSpace(expected))
	if err != nil {
		return &entities.TrustError{PluginID: pkg.ID(), Reason: "malformed expected hash: " + err.Error()}
	}
	return pkg.VerifyIntegrity(want)
}

// PackageHash returns the canonical "sha256:<hex>" hash of pkg.
func (s *TrustService) PackageHash(pkg *entities.Package) string {
	return pkg.Digest().String()
}
