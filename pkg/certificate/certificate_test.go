package certificate

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casegraph/swarm/pkg/store"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewSigner(nil)
	require.NoError(t, err)

	payload := BuildPayload("scope-1", "RESOLVED",
		map[string]float64{"confidence": 0.9, "risk": 1.0}, []string{"hash-a"})
	envelope, err := signer.SignCertificate(payload)
	require.NoError(t, err)
	assert.Len(t, strings.Split(envelope, "."), 3)

	got, err := signer.Verify(envelope)
	require.NoError(t, err)
	assert.Equal(t, "scope-1", got.ScopeID)
	assert.Equal(t, "RESOLVED", got.Decision)
	assert.Equal(t, []string{"hash-a"}, got.PolicyVersionHashes)
	assert.Equal(t, 0.9, got.DimensionsSnapshot["confidence"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer, err := NewSigner(nil)
	require.NoError(t, err)
	envelope, err := signer.SignCertificate(BuildPayload("scope-1", "RESOLVED", nil, nil))
	require.NoError(t, err)

	parts := strings.Split(envelope, ".")

	// Payload swapped for a different decision.
	forged, err := signer.SignCertificate(BuildPayload("scope-1", "ESCALATED", nil, nil))
	require.NoError(t, err)
	forgedParts := strings.Split(forged, ".")
	_, err = signer.Verify(parts[0] + "." + forgedParts[1] + "." + parts[2])
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	// Truncated envelope.
	_, err = signer.Verify(parts[0] + "." + parts[1])
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	// Signature from a different key.
	other, err := NewSigner(nil)
	require.NoError(t, err)
	_, err = other.Verify(envelope)
	assert.ErrorIs(t, err, ErrInvalidCertificate)
}

func TestSeedDeterminism(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	p1, err := NewKeyProviderFromSeed(seed)
	require.NoError(t, err)
	p2, err := NewKeyProviderFromSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, p1.PublicKey(), p2.PublicKey())

	_, err = NewKeyProviderFromSeed([]byte("short"))
	assert.Error(t, err)
}

func TestDeriveForScope(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	provider, err := NewKeyProviderFromSeed(seed)
	require.NoError(t, err)
	master, err := NewSigner(provider)
	require.NoError(t, err)

	a, err := master.DeriveForScope("scope-a")
	require.NoError(t, err)
	b, err := master.DeriveForScope("scope-b")
	require.NoError(t, err)
	a2, err := master.DeriveForScope("scope-a")
	require.NoError(t, err)

	// Derivation is deterministic per scope and distinct across
	// scopes and from the master key.
	assert.Equal(t, a.PublicKey(), a2.PublicKey())
	assert.NotEqual(t, a.PublicKey(), b.PublicKey())
	assert.NotEqual(t, master.PublicKey(), a.PublicKey())

	envelope, err := a.SignCertificate(BuildPayload("scope-a", "RESOLVED", nil, nil))
	require.NoError(t, err)
	_, err = a2.Verify(envelope)
	assert.NoError(t, err)
	_, err = master.Verify(envelope)
	assert.ErrorIs(t, err, ErrInvalidCertificate)

	_, err = master.DeriveForScope("")
	assert.Error(t, err)
}

func TestStoreSaveAndLatest(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "certs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(ctx, db)
	require.NoError(t, err)

	rec, err := s.Latest(ctx, "scope-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	signer, err := NewSigner(nil)
	require.NoError(t, err)
	for _, decision := range []string{"ESCALATED", "RESOLVED"} {
		p := BuildPayload("scope-1", decision, nil, nil)
		envelope, err := signer.SignCertificate(p)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, envelope, p))
	}

	rec, err = s.Latest(ctx, "scope-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "RESOLVED", rec.Decision)
	assert.Equal(t, "scope-1", rec.Payload.ScopeID)

	payload, err := signer.Verify(rec.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "RESOLVED", payload.Decision)
}
