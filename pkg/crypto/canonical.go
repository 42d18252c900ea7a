package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix tags every digest produced by this package.
const HashPrefix = "sha256:"

// CanonicalMarshal marshals v into RFC 8785 canonical JSON.
func CanonicalMarshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON rewrites already-encoded JSON into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical transform failed: %w", err)
	}
	return out, nil
}

// HashBytes returns the prefixed SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// CanonicalHash hashes the canonical JSON encoding of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := CanonicalMarshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ValidHash reports whether h looks like a digest from HashBytes.
func ValidHash(h string) bool {
	if !strings.HasPrefix(h, HashPrefix) {
		return false
	}
	raw := h[len(HashPrefix):]
	if len(raw) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(raw)
	return err == nil
}
