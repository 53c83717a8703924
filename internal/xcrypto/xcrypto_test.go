package xcrypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateX25519KeyPairIsClamped(t *testing.T) {
	kp, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	assert.Zero(t, kp.Private[0]&7)
	assert.Zero(t, kp.Private[31]&128)
	assert.Equal(t, byte(64), kp.Private[31]&64)
}

func TestDHAgreementIsSymmetric(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	bob, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	aliceShared, err := DH(alice.Private, bob.Public)
	require.NoError(t, err)
	bobShared, err := DH(bob.Private, alice.Public)
	require.NoError(t, err)
	assert.Equal(t, aliceShared, bobShared)
}

func TestDHRejectsDegenerateResult(t *testing.T) {
	var zero [32]byte
	kp, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	_, err = DH(kp.Private, zero)
	assert.Error(t, err)
}

func TestHKDFIsDeterministicAndInfoBound(t *testing.T) {
	ikm := []byte("shared secret")
	out1, err := HKDF(ikm, nil, []byte("context-a"), 32)
	require.NoError(t, err)
	out2, err := HKDF(ikm, nil, []byte("context-a"), 32)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	out3, err := HKDF(ikm, nil, []byte("context-b"), 32)
	require.NoError(t, err)
	assert.NotEqual(t, out1, out3)
}

func TestSealOpenAEADRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	sealed, err := SealAEAD(key, []byte("plaintext"), []byte("ad"))
	require.NoError(t, err)

	plaintext, err := OpenAEAD(key, sealed, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, "plaintext", string(plaintext))
}

func TestOpenAEADRejectsWrongAssociatedData(t *testing.T) {
	key := make([]byte, 32)
	sealed, err := SealAEAD(key, []byte("plaintext"), []byte("ad-1"))
	require.NoError(t, err)

	_, err = OpenAEAD(key, sealed, []byte("ad-2"))
	assert.Error(t, err)
}

func TestOpenAEADRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	sealed, err := SealAEAD(key, []byte("plaintext"), nil)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = OpenAEAD(key, sealed, nil)
	assert.Error(t, err)
}

func TestSealAEADRejectsWrongKeyLength(t *testing.T) {
	_, err := SealAEAD(make([]byte, 16), []byte("x"), nil)
	assert.Error(t, err)
}

func TestEd25519SeedToX25519PrivateIsDeterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	a := Ed25519SeedToX25519Private(seed)
	b := Ed25519SeedToX25519Private(seed)
	assert.Equal(t, a, b)
	assert.Zero(t, a[0]&7)
}

func TestEd25519PublicToX25519PublicIsDeterministicAndUsableForDH(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	edPriv := ed25519.NewKeyFromSeed(seed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	converted, err := Ed25519PublicToX25519Public(edPub)
	require.NoError(t, err)
	again, err := Ed25519PublicToX25519Public(edPub)
	require.NoError(t, err)
	assert.Equal(t, converted, again)

	peer, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	_, err = DH(peer.Private, converted)
	assert.NoError(t, err, "a converted identity public key must be a valid X25519 DH peer")
}

func TestEd25519PublicToX25519PublicRejectsWrongLength(t *testing.T) {
	_, err := Ed25519PublicToX25519Public([]byte("too short"))
	assert.Error(t, err)
}
