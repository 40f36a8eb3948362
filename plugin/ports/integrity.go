package ports

import (
	"context"
	"time"
)

// SignatureVerifier verifies detached signatures over package bytes.
type SignatureVerifier interface {
	// VerifyBlob checks signature over blob against the verifier's trusted
	// keys. It fails when no trusted key accepts the signature.
	VerifyBlob(ctx context.Context, blob, signature []byte) (*SignatureResult, error)

	// HasTrustedKeys reports whether any trusted key is configured.
	HasTrustedKeys() bool
}

// SignatureResult contains signature verification details.
type SignatureResult struct {
	VerifiedAt time.Time
	Signer     string
	Verified   bool
}
