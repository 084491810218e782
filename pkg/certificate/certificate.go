// Package certificate builds, signs, persists, and verifies finality
// certificates: the tamper-evident record of a terminal scope decision.
// The envelope is a compact JWS (EdDSA over Ed25519) verifiable
// offline by anyone holding the public key.
package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/casegraph/swarm/pkg/store"
)

// Header is fixed for every certificate envelope.
const headerJSON = `{"alg":"EdDSA","typ":"JWS"}`

// Payload is the signed decision record.
type Payload struct {
	ScopeID             string             `json:"scope_id"`
	Decision            string             `json:"decision"`
	Timestamp           time.Time          `json:"timestamp"`
	PolicyVersionHashes []string           `json:"policy_version_hashes,omitempty"`
	DimensionsSnapshot  map[string]float64 `json:"dimensions_snapshot,omitempty"`
}

// KeyProvider abstracts the signing backend so an HSM or KMS can
// replace the in-memory key without touching callers.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an Ed25519 keypair in process memory.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewEphemeralKeyProvider generates a fresh keypair. Certificates
// signed with it verify only in-process; production supplies a seed.
func NewEphemeralKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certificate: generate key: %w", err)
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

// NewKeyProviderFromSeed builds a deterministic keypair from a 32-byte
// seed (base64url in configuration).
func NewKeyProviderFromSeed(seed []byte) (*MemoryKeyProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("certificate: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &MemoryKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Sign implements KeyProvider.
func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

// PublicKey implements KeyProvider.
func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// Signer signs and verifies certificate envelopes.
type Signer struct {
	provider KeyProvider
}

// NewSigner wraps a key provider; nil falls back to an ephemeral key.
func NewSigner(p KeyProvider) (*Signer, error) {
	if p == nil {
		var err error
		p, err = NewEphemeralKeyProvider()
		if err != nil {
			return nil, err
		}
	}
	return &Signer{provider: p}, nil
}

// DeriveForScope derives a scope-specific signer from the master key
// via HKDF-SHA256 so per-scope certificates can be verified
// independently without exposing the master seed.
func (s *Signer) DeriveForScope(scopeID string) (*Signer, error) {
	if scopeID == "" {
		return nil, errors.New("certificate: scope id must not be empty")
	}
	mem, ok := s.provider.(*MemoryKeyProvider)
	if !ok {
		return nil, errors.New("certificate: derivation requires an in-memory master key")
	}
	seed := mem.priv.Seed()
	r := hkdf.New(sha256.New, seed, nil, []byte("swarm-scope:"+scopeID))
	derived := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("certificate: derive scope key: %w", err)
	}
	p, err := NewKeyProviderFromSeed(derived)
	if err != nil {
		return nil, err
	}
	return &Signer{provider: p}, nil
}

// PublicKey exposes the verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.provider.PublicKey() }

// BuildPayload assembles a certificate payload stamped at now.
func BuildPayload(scopeID, decision string, dimensions map[string]float64, policyHashes []string) Payload {
	return Payload{
		ScopeID:             scopeID,
		Decision:            decision,
		Timestamp:           store.UTCNow(),
		PolicyVersionHashes: policyHashes,
		DimensionsSnapshot:  dimensions,
	}
}

var b64 = base64.RawURLEncoding

// SignCertificate produces the three-part compact envelope
// base64url(header).base64url(payload).base64url(sig).
func (s *Signer) SignCertificate(p Payload) (string, error) {
	payloadJSON, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("certificate: encode payload: %w", err)
	}
	signingInput := b64.EncodeToString([]byte(headerJSON)) + "." + b64.EncodeToString(payloadJSON)
	sig, err := s.provider.Sign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("certificate: sign: %w", err)
	}
	return signingInput + "." + b64.EncodeToString(sig), nil
}

// ErrInvalidCertificate is returned for any structural or signature
// failure during verification.
var ErrInvalidCertificate = errors.New("certificate: invalid envelope")

// VerifyCertificate validates the envelope against a public key and
// returns the decoded payload. Any mutation of any part fails.
func VerifyCertificate(envelope string, pub ed25519.PublicKey) (*Payload, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 parts, got %d", ErrInvalidCertificate, len(parts))
	}
	headerRaw, err := b64.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidCertificate, err)
	}
	var hdr struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(headerRaw, &hdr); err != nil || hdr.Alg != "EdDSA" || hdr.Typ != "JWS" {
		return nil, fmt.Errorf("%w: unexpected header", ErrInvalidCertificate)
	}
	payloadRaw, err := b64.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidCertificate, err)
	}
	sig, err := b64.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidCertificate, err)
	}
	if !ed25519.Verify(pub, []byte(parts[0]+"."+parts[1]), sig) {
		return nil, fmt.Errorf("%w: signature check failed", ErrInvalidCertificate)
	}
	var p Payload
	if err := json.Unmarshal(payloadRaw, &p); err != nil {
		return nil, fmt.Errorf("%w: payload decode: %v", ErrInvalidCertificate, err)
	}
	return &p, nil
}

// Verify validates an envelope against this signer's own key.
func (s *Signer) Verify(envelope string) (*Payload, error) {
	return VerifyCertificate(envelope, s.provider.PublicKey())
}
