package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xcrypto"
)

// pair builds a sending state and its matching receiving state, as the
// session engine would after a PQXDH handshake: both sides agree on
// rootKey, the initiator draws a fresh ratchet key pair, and the
// responder starts out only knowing its own (signed pre-key) pair.
func pair(t *testing.T) (sending, receiving *State) {
	t.Helper()
	var rootKey [32]byte
	for i := range rootKey {
		rootKey[i] = byte(i + 7)
	}
	responderKeyPair, err := xcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)

	sending, err = NewSending(rootKey, responderKeyPair.Public, 2000)
	require.NoError(t, err)
	receiving = NewReceiving(rootKey, responderKeyPair, 2000)
	return sending, receiving
}

func TestHeaderEncodeRoundTrip(t *testing.T) {
	h := Header{PN: 3, N: 9}
	for i := range h.DHPub {
		h.DHPub[i] = byte(i)
	}
	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	_, err := DecodeHeader([]byte("short"))
	assert.Error(t, err)
}

func TestEncryptDecryptFirstMessage(t *testing.T) {
	sending, receiving := pair(t)
	ciphertext, header, err := sending.Encrypt([]byte("hello"), []byte("ad"))
	require.NoError(t, err)

	plaintext, err := receiving.Decrypt(header, ciphertext, []byte("ad"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plaintext))
}

func TestInOrderMultiMessageExchange(t *testing.T) {
	sending, receiving := pair(t)
	for _, text := range []string{"one", "two", "three"} {
		ciphertext, header, err := sending.Encrypt([]byte(text), nil)
		require.NoError(t, err)
		plaintext, err := receiving.Decrypt(header, ciphertext, nil)
		require.NoError(t, err)
		assert.Equal(t, text, string(plaintext))
	}
}

func TestOutOfOrderDeliveryUsesSkippedKeys(t *testing.T) {
	sending, receiving := pair(t)
	var ciphertexts [][]byte
	var headers []Header
	for _, text := range []string{"a", "b", "c"} {
		ciphertext, header, err := sending.Encrypt([]byte(text), nil)
		require.NoError(t, err)
		ciphertexts = append(ciphertexts, ciphertext)
		headers = append(headers, header)
	}

	p, err := receiving.Decrypt(headers[1], ciphertexts[1], nil)
	require.NoError(t, err)
	assert.Equal(t, "b", string(p))
	assert.Len(t, receiving.Skipped, 1, "message 0 must have been retained as a skipped key")

	p, err = receiving.Decrypt(headers[0], ciphertexts[0], nil)
	require.NoError(t, err)
	assert.Equal(t, "a", string(p))
	assert.Empty(t, receiving.Skipped)
}

func TestReplayedMessageIsDuplicate(t *testing.T) {
	sending, receiving := pair(t)
	ciphertext, header, err := sending.Encrypt([]byte("once"), nil)
	require.NoError(t, err)
	_, err = receiving.Decrypt(header, ciphertext, nil)
	require.NoError(t, err)

	_, err = receiving.Decrypt(header, ciphertext, nil)
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestWrongAssociatedDataFailsToOpen(t *testing.T) {
	sending, receiving := pair(t)
	ciphertext, header, err := sending.Encrypt([]byte("hello"), []byte("ad-1"))
	require.NoError(t, err)
	_, err = receiving.Decrypt(header, ciphertext, []byte("ad-2"))
	assert.Error(t, err)
}

func TestSkippingTooManyMessagesFails(t *testing.T) {
	var rootKey [32]byte
	responderKeyPair, err := xcrypto.GenerateX25519KeyPair()
	require.NoError(t, err)
	sending, err := NewSending(rootKey, responderKeyPair.Public, 2)
	require.NoError(t, err)
	receiving := NewReceiving(rootKey, responderKeyPair, 2)

	var last []byte
	var lastHeader Header
	for i := 0; i < 5; i++ {
		ciphertext, header, err := sending.Encrypt([]byte("x"), nil)
		require.NoError(t, err)
		last, lastHeader = ciphertext, header
	}
	_, err = receiving.Decrypt(lastHeader, last, nil)
	assert.ErrorIs(t, err, ErrTooManySkipped)
}

func TestBidirectionalExchangeRatchetsBothWays(t *testing.T) {
	sending, receiving := pair(t)

	c1, h1, err := sending.Encrypt([]byte("hi"), nil)
	require.NoError(t, err)
	_, err = receiving.Decrypt(h1, c1, nil)
	require.NoError(t, err)

	// receiving now replies: decrypting the first message ran a DH
	// ratchet step that replaced its DHs with a fresh key pair, so its
	// first reply carries a ratchet public key that sending has not seen
	// yet, forcing a DH ratchet step on sending.
	c2, h2, err := receiving.Encrypt([]byte("hey"), nil)
	require.NoError(t, err)
	plaintext, err := sending.Decrypt(h2, c2, nil)
	require.NoError(t, err)
	assert.Equal(t, "hey", string(plaintext))

	c3, h3, err := sending.Encrypt([]byte("back again"), nil)
	require.NoError(t, err)
	plaintext, err = receiving.Decrypt(h3, c3, nil)
	require.NoError(t, err)
	assert.Equal(t, "back again", string(plaintext))
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	sending, _ := pair(t)
	_, _, err := sending.Encrypt([]byte("advance the chain"), nil)
	require.NoError(t, err)

	data, err := sending.MarshalBinary()
	require.NoError(t, err)

	restored := &State{}
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.Equal(t, sending.Ns, restored.Ns)
	assert.Equal(t, sending.CKs, restored.CKs)
	assert.Equal(t, sending.RK, restored.RK)
}
