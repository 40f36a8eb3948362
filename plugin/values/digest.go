package values

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Digest is a package content hash with its algorithm.
// Hex values are stored lower-case so comparisons ignore the case the
// hash was written in.
type Digest struct {
	algorithm string // sha256, sha512
	value     string // lower-case hex
}

// NewDigest creates a digest from algorithm and hex value.
func NewDigest(algorithm, hexValue string) (Digest, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	switch algorithm {
	case "sha256", "sha512":
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm: %q", algorithm)
	}

	hexValue = strings.ToLower(strings.TrimSpace(hexValue))
	if hexValue == "" {
		return Digest{}, fmt.Errorf("digest value cannot be empty")
	}
	if _, err := hex.DecodeString(hexValue); err != nil {
		return Digest{}, fmt.Errorf("digest value is not hex: %w", err)
	}

	return Digest{algorithm: algorithm, value: hexValue}, nil
}

// ParseDigest parses "sha256:abc123..." or a bare hex string, which is
// taken to be SHA-256.
func ParseDigest(s string) (Digest, error) {
	algo, val, ok := strings.Cut(s, ":")
	if !ok {
		return NewDigest("sha256", s)
	}
	return NewDigest(algo, val)
}

// String returns the canonical digest string.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return d.algorithm + ":" + d.value
}

// Algorithm returns the hash algorithm.
func (d Digest) Algorithm() string {
	return d.algorithm
}

// Value returns the hex-encoded hash value.
func (d Digest) Value() string {
	return d.value
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.algorithm == "" && d.value == ""
}

// Equals checks equality with another digest.
func (d Digest) Equals(other Digest) bool {
	return d.algorithm == other.algorithm && d.value == other.value
}

// Verify validates data matches this digest.
func (d Digest) Verify(data []byte) error {
	computed, err := d.computeHash(data)
	if err != nil {
		return err
	}
	if !d.Equals(computed) {
		return fmt.Errorf("digest mismatch: expected %s, got %s", d, computed)
	}
	return nil
}

func (d Digest) computeHash(data []byte) (Digest, error) {
	switch d.algorithm {
	case "sha256":
		sum := sha256.Sum256(data)
		return Digest{algorithm: "sha256", value: hex.EncodeToString(sum[:])}, nil
	case "sha512":
		sum := sha512.Sum512(data)
		return Digest{algorithm: "sha512", value: hex.EncodeToString(sum[:])}, nil
	default:
		return Digest{}, fmt.Errorf("unsupported algorithm: %q", d.algorithm)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ComputeDigestSHA256 computes SHA-256 digest of reader contents.
func ComputeDigestSHA256(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return Digest{algorithm: "sha256", value: hex.EncodeToString(h.Sum(nil))}, nil
}

// DigestBytes computes the SHA-256 digest of data.
func DigestBytes(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest{algorithm: "sha256", value: hex.EncodeToString(sum[:])}
}

// Hasher computes a Digest over streamed content.
type Hasher struct {
	algorithm string
	h         hash.Hash
}

// NewHasher returns a hasher for algorithm. An empty algorithm means sha256.
func NewHasher(algorithm string) (*Hasher, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha256":
		return &Hasher{algorithm: "sha256", h: sha256.New()}, nil
	case "sha512":
		return &Hasher{algorithm: "sha512", h: sha512.New()}, nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %q", algorithm)
	}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Digest returns the digest of everything written so far.
func (h *Hasher) Digest() Digest {
	return Digest{algorithm: h.algorithm, value: hex.EncodeToString(h.h.Sum(nil))}
}
