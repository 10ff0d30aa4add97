package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/kl-kernel/kl/pkg/canonicalize"
)

var (
	// ErrUnsigned is returned by Verify for an envelope without a signature.
	ErrUnsigned = errors.New("envelope: not signed")
	// ErrSignatureMismatch is returned when the signature does not cover the
	// envelope's current content.
	ErrSignatureMismatch = errors.New("envelope: signature does not match content")
)

const kdfSalt = "kl-envelope-kdf"

// claims bind a signature to one envelope's canonical digest.
type claims struct {
	Digest string `json:"digest"`
	jwt.RegisteredClaims
}

// Signer issues and checks compact EdDSA JWS signatures over envelopes.
type Signer struct {
	kid  string
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an existing Ed25519 key.
func NewSigner(kid string, priv ed25519.PrivateKey) *Signer {
	return &Signer{
		kid:  kid,
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}
}

// DeriveSigner derives a deterministic Ed25519 key from secret with HKDF-SHA256.
// The same secret and kid always yield the same key.
func DeriveSigner(secret []byte, kid string) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("envelope: signing secret must not be empty")
	}
	r := hkdf.New(sha256.New, secret, []byte(kdfSalt), []byte(kid))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return NewSigner(kid, ed25519.NewKeyFromSeed(seed)), nil
}

// KeyID returns the key id written into the token header.
func (s *Signer) KeyID() string { return s.kid }

// PublicKey returns the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Sign returns a copy of e carrying a signature over its canonical content.
func (s *Signer) Sign(e Envelope) (Envelope, error) {
	digest, err := canonicalize.Digest(e.unsigned())
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: digest: %w", err)
	}
	c := claims{
		Digest: digest,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       e.EnvelopeID,
			IssuedAt: jwt.NewNumericDate(e.Timestamp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c)
	token.Header["kid"] = s.kid
	sig, err := token.SignedString(s.priv)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: sign: %w", err)
	}
	return e.WithSignature(sig), nil
}

// Verify checks that e carries a valid signature by this signer over its current
// content.
func (s *Signer) Verify(e Envelope) error {
	if e.Signature == "" {
		return ErrUnsigned
	}
	var c claims
	_, err := jwt.ParseWithClaims(e.Signature, &c, s.keyFunc, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return fmt.Errorf("envelope: verify: %w", err)
	}
	digest, err := canonicalize.Digest(e.unsigned())
	if err != nil {
		return fmt.Errorf("envelope: digest: %w", err)
	}
	if c.Digest != digest || c.ID != e.EnvelopeID {
		return ErrSignatureMismatch
	}
	return nil
}

func (s *Signer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	if kid, _ := token.Header["kid"].(string); kid != s.kid {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return s.pub, nil
}
