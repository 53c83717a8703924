package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesUsableKeyPair(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	assert.Len(t, kp.Seed(), 32)
	assert.Len(t, kp.EdDSAPublic, 32)
	assert.NotEqual(t, [32]byte{}, kp.ECDHPublic)
}

func TestFromSeedReproducesSameKeyPair(t *testing.T) {
	original, err := Generate()
	require.NoError(t, err)

	restored, err := FromSeed(original.Seed())
	require.NoError(t, err)
	assert.Equal(t, original.EdDSAPublic, restored.EdDSAPublic)
	assert.Equal(t, original.ECDHPublic, restored.ECDHPublic)
	assert.Equal(t, original.ECDHPrivate(), restored.ECDHPrivate())
}

func TestFromSeedRejectsWrongLength(t *testing.T) {
	_, err := FromSeed([]byte("too short"))
	assert.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	message := []byte("signed pre-key public material")
	sig := kp.Sign(message)
	assert.True(t, Verify(kp.EdDSAPublic, message, sig))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	sig := kp.Sign([]byte("original"))
	assert.False(t, Verify(kp.EdDSAPublic, []byte("tampered"), sig))
}

func TestVerifyRejectsWrongPublicKeyLength(t *testing.T) {
	assert.False(t, Verify([]byte("too short"), []byte("msg"), []byte("sig")))
}

func TestRegistrationIDIsInRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		id, err := RegistrationID()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, id, MinRegistrationID)
		assert.LessOrEqual(t, id, MaxRegistrationID)
	}
}

func TestLocalAddressStringAndEqual(t *testing.T) {
	a := NewLocalAddress(1)
	b := LocalAddress{UUID: a.UUID, DeviceID: 1}
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.UUID+".1", a.String())

	c := NewLocalAddress(1)
	assert.False(t, a.Equal(c), "two freshly generated addresses must not collide")
}
