// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) serialization
// for deterministic hashing of descriptors, envelopes and policy decisions.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix is prepended to every digest produced by Digest.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are honoured, then the
// intermediate document is transformed: keys sorted by UTF-16 code units, numbers in
// ECMAScript form, and no HTML escaping.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// HashBytes computes the SHA-256 of raw bytes and returns it hex encoded.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CanonicalHash returns the hex SHA-256 of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Digest is CanonicalHash with the "sha256:" prefix used in traces and receipts.
func Digest(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + h, nil
}
