// Package pqkem wraps CRYSTALS-Kyber-1024 (ML-KEM-1024) key generation,
// encapsulation and decapsulation for the post-quantum leg of the PQXDH
// handshake.
//
// This replaces the teacher's internal/security/postquantum.go wholesale:
// that file's GeneratePQKeyPair produced 32 random bytes and called them a
// "post-quantum key pair," and EncryptHybrid/DecryptHybrid performed no
// cryptographic operation at all (the ciphertext was a copy of the
// plaintext). Grounding for a real implementation comes from the examples
// pack's CatsMeow492-nochat.io pqc.go, which uses the same
// github.com/cloudflare/circl/kem/kyber/kyber1024 API used here
// (PublicKey.Pack/Unpack, EncapsulateTo, DecapsulateTo).
package pqkem

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
)

const (
	PublicKeySize  = kyber1024.PublicKeySize
	PrivateKeySize = kyber1024.PrivateKeySize
	CiphertextSize = kyber1024.CiphertextSize
	SharedKeySize  = kyber1024.SharedKeySize
)

// KeyPair is a packed Kyber-1024 key pair.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair draws a fresh Kyber-1024 key pair. Per spec.md §9's
// design note, callers MUST treat a failure here as fatal to account
// initialization — there is no "bundle without a Kyber key" fallback
// anywhere in this module.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := kyber1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("pqkem: generate key pair: %w", err)
	}
	pubBytes := make([]byte, PublicKeySize)
	privBytes := make([]byte, PrivateKeySize)
	pub.Pack(pubBytes)
	priv.Pack(privBytes)
	return KeyPair{PublicKey: pubBytes, PrivateKey: privBytes}, nil
}

// Encapsulate generates a shared secret and its ciphertext against a
// remote Kyber-1024 public key.
func Encapsulate(publicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(publicKey) != PublicKeySize {
		return nil, nil, fmt.Errorf("pqkem: public key must be %d bytes, got %d", PublicKeySize, len(publicKey))
	}
	var pub kyber1024.PublicKey
	pub.Unpack(publicKey)

	ciphertext = make([]byte, CiphertextSize)
	sharedSecret = make([]byte, SharedKeySize)
	pub.EncapsulateTo(ciphertext, sharedSecret, nil)
	return ciphertext, sharedSecret, nil
}

// Decapsulate recovers the shared secret from a ciphertext using our
// private key.
func Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	if len(privateKey) != PrivateKeySize {
		return nil, fmt.Errorf("pqkem: private key must be %d bytes, got %d", PrivateKeySize, len(privateKey))
	}
	if len(ciphertext) != CiphertextSize {
		return nil, fmt.Errorf("pqkem: ciphertext must be %d bytes, got %d", CiphertextSize, len(ciphertext))
	}
	var priv kyber1024.PrivateKey
	priv.Unpack(privateKey)

	sharedSecret := make([]byte, SharedKeySize)
	priv.DecapsulateTo(sharedSecret, ciphertext)
	return sharedSecret, nil
}
