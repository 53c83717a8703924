// Package identity implements the long-term account identity: the
// IdentityKeyPair, RegistrationId and LocalAddress entities of spec.md §3.
//
// The teacher's internal/security/signal.go models IdentityKeyPair as a
// bare X25519 KeyPair and separately calls VerifySignedPreKeySignature,
// which coerces X25519 key bytes into an ECDSA P-256 point via
// ScalarBaseMult — not a valid key-format conversion, and not a signature
// scheme X25519 key material actually supports. This package instead
// carries a single Ed25519 seed as the canonical identity key (real EdDSA
// signing) and derives an X25519 keypair from the same seed via
// internal/xcrypto's Edwards<->Montgomery conversion for the ECDH leg of
// the handshake (see DESIGN.md Open Question resolution #1).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xcrypto"
)

// MinRegistrationID and MaxRegistrationID bound RegistrationId per
// spec.md §3: "uint32 in [1, 16380]".
const (
	MinRegistrationID uint32 = 1
	MaxRegistrationID uint32 = 16380
)

// KeyPair is the long-term identity key pair. EdDSAPublic/EdDSAPrivate are
// the canonical representation; ECDHPublic/ECDHPrivate are derived from the
// same seed and used only for the PQXDH ECDH leg.
type KeyPair struct {
	EdDSAPublic  ed25519.PublicKey
	EdDSAPrivate ed25519.PrivateKey
	ECDHPublic   [32]byte
	ecdhPrivate  [32]byte
}

// Generate creates a fresh identity key pair. Per spec.md §3 this happens
// exactly once per account and the result is never rotated.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate ed25519 key: %w", err)
	}
	return fromEd25519(pub, priv)
}

func fromEd25519(pub ed25519.PublicKey, priv ed25519.PrivateKey) (KeyPair, error) {
	ecdhPub, err := xcrypto.Ed25519PublicToX25519Public(pub)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: derive x25519 public key: %w", err)
	}
	ecdhPriv := xcrypto.Ed25519SeedToX25519Private(priv.Seed())
	return KeyPair{
		EdDSAPublic:  pub,
		EdDSAPrivate: priv,
		ECDHPublic:   ecdhPub,
		ecdhPrivate:  ecdhPriv,
	}, nil
}

// FromSeed reconstructs a KeyPair from a persisted 32-byte Ed25519 seed
// (used when reloading an account from the hardware secret store).
func FromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return fromEd25519(pub, priv)
}

// Seed returns the 32-byte Ed25519 seed suitable for persistence in the
// hardware-protected secret store.
func (k KeyPair) Seed() []byte {
	return append([]byte(nil), k.EdDSAPrivate.Seed()...)
}

// ECDHPrivate exposes the derived X25519 private scalar for DH operations
// performed by the session engine.
func (k KeyPair) ECDHPrivate() [32]byte {
	return k.ecdhPrivate
}

// Sign produces an EdDSA signature over message using the identity's
// private key. Used to sign published signed-pre-key and Kyber-pre-key
// public material (spec.md §3: "signature = Sign(identity.private, ...)").
func (k KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(k.EdDSAPrivate, message)
}

// Verify checks an EdDSA signature made by Sign against an identity's
// public key.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// RegistrationID draws a fresh registration id uniformly in
// [MinRegistrationID, MaxRegistrationID] via rejection sampling.
func RegistrationID() (uint32, error) {
	span := MaxRegistrationID - MinRegistrationID + 1
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("identity: generate registration id: %w", err)
		}
		v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
		// Reject draws in the trailing partial bucket to keep the
		// distribution uniform across [0, span).
		limit := (^uint32(0) / span) * span
		if v >= limit {
			continue
		}
		return MinRegistrationID + v%span, nil
	}
}

// LocalAddress identifies an account (local or remote) by UUID and device
// id, per spec.md §3. Two addresses name the same peer iff both fields
// match.
type LocalAddress struct {
	UUID     string
	DeviceID uint32
}

// NewLocalAddress generates a fresh account address with the given device
// id (spec.md: "deviceId is a small integer, typically 1").
func NewLocalAddress(deviceID uint32) LocalAddress {
	return LocalAddress{UUID: uuid.NewString(), DeviceID: deviceID}
}

// String renders the address in the "uuid.deviceId" form spec.md §4.2 uses
// as the storage key for sessions and trusted identities.
func (a LocalAddress) String() string {
	return fmt.Sprintf("%s.%d", a.UUID, a.DeviceID)
}

// Equal reports whether two addresses name the same peer.
func (a LocalAddress) Equal(other LocalAddress) bool {
	return a.UUID == other.UUID && a.DeviceID == other.DeviceID
}
