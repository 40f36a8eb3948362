// Package signing verifies detached package signatures.
package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sigstore/cosign/v2/pkg/cosign"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"

	"github.com/reglet-dev/reglet-sandbox/plugin/ports"
)

// SignatureSuffix is appended to a package path to find its signature.
const SignatureSuffix = ".sig"

// CosignVerifier implements ports.SignatureVerifier for signatures made with
// `cosign sign-blob` against ECDSA public keys.
type CosignVerifier struct {
	keys []trustedKey
}

type trustedKey struct {
	verifier    signature.Verifier
	fingerprint string
}

var _ ports.SignatureVerifier = (*CosignVerifier)(nil)

// NewCosignVerifier creates a verifier trusting the given PEM public keys.
func NewCosignVerifier(pemKeys ...[]byte) (*CosignVerifier, error) {
	v := &CosignVerifier{}
	for i, pemKey := range pemKeys {
		pub, err := cosign.PemToECDSAKey(pemKey)
		if err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
		if err := v.add(pub); err != nil {
			return nil, fmt.Errorf("trusted key %d: %w", i, err)
		}
	}
	return v, nil
}

// LoadCosignVerifier reads PEM public keys from paths.
func LoadCosignVerifier(paths ...string) (*CosignVerifier, error) {
	pemKeys := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p) // #nosec G304 -- operator-supplied key path
		if err != nil {
			return nil, fmt.Errorf("failed to read trusted key: %w", err)
		}
		pemKeys = append(pemKeys, data)
	}
	return NewCosignVerifier(pemKeys...)
}

func (v *CosignVerifier) add(pub *ecdsa.PublicKey) error {
	verifier, err := signature.LoadVerifier(pub, crypto.SHA256)
	if err != nil {
		return err
	}
	fp, err := Fingerprint(pub)
	if err != nil {
		return err
	}
	v.keys = append(v.keys, trustedKey{verifier: verifier, fingerprint: fp})
	return nil
}

// HasTrustedKeys reports whether any key is configured.
func (v *CosignVerifier) HasTrustedKeys() bool {
	return len(v.keys) > 0
}

// Fingerprints returns the fingerprints of the trusted keys.
func (v *CosignVerifier) Fingerprints() []string {
	out := make([]string, len(v.keys))
	for i, k := range v.keys {
		out[i] = k.fingerprint
	}
	return out
}

// VerifyBlob checks sig over blob. sig may be raw DER or the base64 text
// cosign writes.
func (v *CosignVerifier) VerifyBlob(ctx context.Context, blob, sig []byte) (*ports.SignatureResult, error) {
	if len(v.keys) == 0 {
		return nil, fmt.Errorf("no trusted keys configured")
	}
	raw := decodeSignature(sig)
	for _, k := range v.keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := k.verifier.VerifySignature(bytes.NewReader(raw), bytes.NewReader(blob)); err == nil {
			return &ports.SignatureResult{
				VerifiedAt: time.Now(),
				Signer:     k.fingerprint,
				Verified:   true,
			}, nil
		}
	}
	return nil, fmt.Errorf("no trusted key accepts the signature")
}

func decodeSignature(sig []byte) []byte {
	trimmed := strings.TrimSpace(string(sig))
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded
	}
	return sig
}

// Fingerprint returns "sha256:<hex>" of the DER-encoded public key.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	der, err := cryptoutils.MarshalPublicKeyToDER(pub)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
