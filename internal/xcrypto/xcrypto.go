// Package xcrypto collects the primitive operations the rest of the core
// is built from: X25519 Diffie-Hellman, HKDF-SHA256 derivation, AES-256-GCM
// AEAD, and the Edwards<->Montgomery conversion that lets a single Ed25519
// identity seed serve as both a signing key and an ECDH key.
//
// The DH/HKDF/AEAD shapes are grounded on the teacher's
// internal/security/signal.go (SharedSecret, HKDFDeriveKey, EncryptAESGCM/
// DecryptAESGCM), corrected to actually bind associated data on every AEAD
// call — the teacher's EncryptMessage/DecryptMessage computed an "ad" value
// and then discarded it without passing it to the cipher.
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// KeyPair is a raw X25519 key pair.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair draws a fresh, correctly clamped X25519 key pair.
func GenerateX25519KeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, err
	}
	clamp(&kp.Private)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// DH performs an X25519 Diffie-Hellman agreement.
func DH(private, public [32]byte) ([32]byte, error) {
	var out [32]byte
	curve25519.ScalarMult(&out, &private, &public)
	// All-zero output means the peer supplied a low-order/degenerate
	// point; reject rather than deriving key material from it.
	zero := [32]byte{}
	if out == zero {
		return out, errors.New("xcrypto: degenerate DH result")
	}
	return out, nil
}

// HKDF derives outputLength bytes of key material from ikm using
// HKDF-SHA256 with the given salt and info.
func HKDF(ikm, salt, info []byte, outputLength int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outputLength)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SealAEAD encrypts plaintext under key (32 bytes, AES-256) with a fresh
// random 96-bit nonce, binding associatedData. The wire format is
// nonce || ciphertext || tag, matching spec.md §4.2.
func SealAEAD(key, plaintext, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, associatedData), nil
}

// OpenAEAD reverses SealAEAD, verifying associatedData.
func OpenAEAD(key, sealed, associatedData []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("xcrypto: ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, associatedData)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.New("xcrypto: key must be 32 bytes for AES-256-GCM")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Ed25519SeedToX25519Private converts an Ed25519 seed into the clamped
// X25519 private scalar libsodium and Signal-family implementations derive
// from the same seed: clamp(SHA-512(seed)[:32]).
func Ed25519SeedToX25519Private(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var out [32]byte
	copy(out[:], h[:32])
	clamp(&out)
	return out
}

// Ed25519PublicToX25519Public converts an Ed25519 public key (a compressed
// Edwards point) into its X25519 Montgomery-form public key via the
// standard birational map u = (1+y)/(1-y).
func Ed25519PublicToX25519Public(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, errors.New("xcrypto: invalid ed25519 public key length")
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, errors.New("xcrypto: not a valid edwards25519 point")
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}
