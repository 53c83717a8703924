// Package session implements the Session Engine of spec.md §4.4: the
// PQXDH handshake (combining four classical X25519 Diffie-Hellman legs
// with a Kyber-1024 encapsulation) and the per-peer Double-Ratchet
// session that rides on top of it.
//
// The four-DH-leg combine step is grounded on the teacher's
// internal/security/signal.go PerformX3DH (DH1..DH4, concatenate, HKDF),
// extended with a fifth input — the Kyber shared secret — per spec.md
// §1's "PQXDH with Kyber-1024." Session persistence (gob-encoding a
// Record that wraps ratchet.State plus any not-yet-sent handshake
// fields) follows the teacher's "serialize the whole session struct"
// habit in signal.go's SignalSession, rerouted through
// internal/protocolstore instead of an in-memory map.
package session

import (
	"bytes"
	"crypto/ed25519"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/coreerr"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/identity"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/metrics"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/pqkem"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/prekeys"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/protocolstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/ratchet"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xcrypto"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xlog"
)

// CiphertextType discriminates the two ciphertext shapes on the wire
// (spec.md §4.5: "1-byte tag: 3 = PREKEY, 2 = WHISPER").
type CiphertextType uint8

const (
	WHISPER CiphertextType = 2
	PREKEY  CiphertextType = 3
)

var pqxdhInfo = []byte("e2eecore-pqxdh")

// handshakeFields are the PQXDH materials the initiator must attach to
// its first outbound ciphertext so the responder can complete its side
// of the handshake (spec.md §6 preKeyResponse-adjacent wire fields).
type handshakeFields struct {
	RegistrationID   uint32
	HasOneTimePreKey bool
	OneTimePreKeyID  uint32
	SignedPreKeyID   uint32
	KyberPreKeyID    uint32
	KyberCiphertext  []byte
	BaseKey          [32]byte
	IdentityKey      ed25519.PublicKey
}

// preKeyWireMessage is the full on-wire payload of a PREKEY-type
// ciphertext: the handshake materials plus the first ratchet message.
type preKeyWireMessage struct {
	Fields handshakeFields
	Header ratchet.Header
	Sealed []byte
}

// whisperWireMessage is the on-wire payload of a WHISPER-type
// ciphertext: just the ratchet header and sealed bytes.
type whisperWireMessage struct {
	Header ratchet.Header
	Sealed []byte
}

// record is the persisted per-peer session: the ratchet state plus,
// while the initiator's first message is still unsent, the handshake
// fields it must carry.
type record struct {
	Ratchet *ratchet.State
	Pending *handshakeFields
}

// Engine is the Session Engine.
type Engine struct {
	store      *protocolstore.Store
	prekeys    *prekeys.Manager
	localAddr  identity.LocalAddress
	maxSkipped int
	logger     *log.Logger
}

// New constructs a Session Engine.
func New(store *protocolstore.Store, pm *prekeys.Manager, localAddr identity.LocalAddress, maxSkipped int) *Engine {
	return &Engine{
		store:      store,
		prekeys:    pm,
		localAddr:  localAddr,
		maxSkipped: maxSkipped,
		logger:     xlog.New("SESSION-ENGINE"),
	}
}

func (e *Engine) loadRecord(addr identity.LocalAddress) (*record, bool, error) {
	b, ok := e.store.GetSession(addr.String())
	if !ok {
		return nil, false, nil
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		return nil, false, fmt.Errorf("session: decode session record: %w", err)
	}
	return &rec, true, nil
}

func (e *Engine) saveRecord(addr identity.LocalAddress, rec *record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("session: encode session record: %w", err)
	}
	if err := e.store.PutSession(addr.String(), buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	return nil
}

// HasSession reports whether an installed session exists for addr.
func (e *Engine) HasSession(addr identity.LocalAddress) bool {
	_, ok := e.store.GetSession(addr.String())
	return ok
}

// RemoveSession deletes the session record and trusted identity for
// addr, as spec.md §4.7's contact removal cascade requires.
func (e *Engine) RemoveSession(addr identity.LocalAddress) error {
	if err := e.store.DeleteSession(addr.String()); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	if err := e.store.DeleteTrustedIdentity(addr.String()); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	return nil
}

func adBytes(sender, recipient identity.LocalAddress) []byte {
	return []byte(sender.String() + "|" + recipient.String())
}

func verifySignedMaterial(identityPub ed25519.PublicKey, signedPub [32]byte, signedSig []byte, kyberPub, kyberSig []byte) error {
	if len(identityPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed identity key", coreerr.ErrBadBundle)
	}
	if !identity.Verify(identityPub, signedPub[:], signedSig) {
		return fmt.Errorf("%w: signed pre-key signature invalid", coreerr.ErrBadSignature)
	}
	if !identity.Verify(identityPub, kyberPub, kyberSig) {
		return fmt.Errorf("%w: kyber pre-key signature invalid", coreerr.ErrBadSignature)
	}
	return nil
}

func (e *Engine) checkTrust(addr identity.LocalAddress, remoteIdentity ed25519.PublicKey) error {
	existing, ok := e.store.GetTrustedIdentity(addr.String())
	if !ok {
		return nil
	}
	if !bytes.Equal(existing.RemotePublic, remoteIdentity) {
		return fmt.Errorf("%w: identity for %s changed since first contact", coreerr.ErrUntrustedIdentity, addr)
	}
	return nil
}

func (e *Engine) trust(addr identity.LocalAddress, remoteIdentity ed25519.PublicKey) error {
	if _, ok := e.store.GetTrustedIdentity(addr.String()); ok {
		return nil
	}
	id := protocolstore.TrustedIdentity{
		RemotePublic: append(ed25519.PublicKey(nil), remoteIdentity...),
		TrustedAt:    time.Now(),
	}
	if err := e.store.PutTrustedIdentity(addr.String(), id); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	return nil
}

// ProcessIncomingBundle installs the initiator side of a session from a
// freshly received PreKeyBundle (spec.md §4.4): verify the signed and
// Kyber pre-key signatures, run the hybrid PQXDH handshake, install the
// session, and trust-on-first-use the remote identity.
func (e *Engine) ProcessIncomingBundle(bundle prekeys.Bundle, remoteAddr identity.LocalAddress) error {
	if err := verifySignedMaterial(bundle.IdentityPublic, bundle.SignedPreKeyPublic, bundle.SignedPreKeySignature,
		bundle.KyberPreKeyPublic, bundle.KyberPreKeySignature); err != nil {
		metrics.RecordHandshake("initiator", "bad_signature")
		return err
	}
	if bundle.IdentityPublic.Equal(e.prekeys.Identity().EdDSAPublic) {
		return fmt.Errorf("%w: bundle is addressed from self", coreerr.ErrInvalidContact)
	}
	if err := e.checkTrust(remoteAddr, bundle.IdentityPublic); err != nil {
		metrics.RecordHandshake("initiator", "untrusted_identity")
		return err
	}

	remoteX25519, err := xcrypto.Ed25519PublicToX25519Public(bundle.IdentityPublic)
	if err != nil {
		metrics.RecordHandshake("initiator", "bad_bundle")
		return fmt.Errorf("%w: %v", coreerr.ErrBadBundle, err)
	}

	ephemeral, err := xcrypto.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("%w: generate ephemeral key: %v", coreerr.ErrInternalCrypto, err)
	}
	ourIdentity := e.prekeys.Identity()

	dh1, err := xcrypto.DH(ourIdentity.ECDHPrivate(), bundle.SignedPreKeyPublic)
	if err != nil {
		return fmt.Errorf("%w: DH1: %v", coreerr.ErrInternalCrypto, err)
	}
	dh2, err := xcrypto.DH(ephemeral.Private, remoteX25519)
	if err != nil {
		return fmt.Errorf("%w: DH2: %v", coreerr.ErrInternalCrypto, err)
	}
	dh3, err := xcrypto.DH(ephemeral.Private, bundle.SignedPreKeyPublic)
	if err != nil {
		return fmt.Errorf("%w: DH3: %v", coreerr.ErrInternalCrypto, err)
	}

	combined := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if bundle.HasOneTimePreKey {
		dh4, err := xcrypto.DH(ephemeral.Private, bundle.OneTimePreKeyPublic)
		if err != nil {
			return fmt.Errorf("%w: DH4: %v", coreerr.ErrInternalCrypto, err)
		}
		combined = append(combined, dh4[:]...)
	}

	kyberCiphertext, kyberSS, err := pqkem.Encapsulate(bundle.KyberPreKeyPublic)
	if err != nil {
		metrics.RecordHandshake("initiator", "internal")
		return fmt.Errorf("%w: kyber encapsulate: %v", coreerr.ErrInternalCrypto, err)
	}
	combined = append(combined, kyberSS...)

	sk, err := xcrypto.HKDF(combined, make([]byte, 32), pqxdhInfo, 32)
	if err != nil {
		return fmt.Errorf("%w: derive shared secret: %v", coreerr.ErrInternalCrypto, err)
	}
	var rootKey [32]byte
	copy(rootKey[:], sk)

	ratchetState, err := ratchet.NewSendingWithKeyPair(rootKey, ephemeral, bundle.SignedPreKeyPublic, e.maxSkipped)
	if err != nil {
		return fmt.Errorf("%w: install sending ratchet: %v", coreerr.ErrInternalCrypto, err)
	}

	rec := &record{
		Ratchet: ratchetState,
		Pending: &handshakeFields{
			RegistrationID:   e.prekeys.RegistrationID(),
			HasOneTimePreKey: bundle.HasOneTimePreKey,
			OneTimePreKeyID:  bundle.OneTimePreKeyID,
			SignedPreKeyID:   bundle.SignedPreKeyID,
			KyberPreKeyID:    bundle.KyberPreKeyID,
			KyberCiphertext:  kyberCiphertext,
			BaseKey:          ephemeral.Public,
			IdentityKey:      append(ed25519.PublicKey(nil), ourIdentity.EdDSAPublic...),
		},
	}
	if err := e.saveRecord(remoteAddr, rec); err != nil {
		return err
	}
	if err := e.trust(remoteAddr, bundle.IdentityPublic); err != nil {
		return err
	}
	metrics.RecordHandshake("initiator", "ok")
	e.logger.Printf("installed initiator session with %s", remoteAddr)
	return nil
}

// Encrypt advances the sending chain for remoteAddr and AEAD-seals
// plaintext. The returned ciphertext type is PREKEY exactly for the
// first outbound message after ProcessIncomingBundle installed the
// session, WHISPER otherwise (spec.md §4.4).
func (e *Engine) Encrypt(plaintext []byte, remoteAddr identity.LocalAddress) ([]byte, CiphertextType, error) {
	rec, ok, err := e.loadRecord(remoteAddr)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, fmt.Errorf("%w: no session with %s", coreerr.ErrNoSession, remoteAddr)
	}

	ad := adBytes(e.localAddr, remoteAddr)
	sealed, header, err := rec.Ratchet.Encrypt(plaintext, ad)
	if err != nil {
		return nil, 0, err
	}

	var out []byte
	var ctype CiphertextType
	if rec.Pending != nil {
		msg := preKeyWireMessage{Fields: *rec.Pending, Header: header, Sealed: sealed}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
			return nil, 0, fmt.Errorf("session: encode prekey message: %w", err)
		}
		out = buf.Bytes()
		ctype = PREKEY
		rec.Pending = nil
	} else {
		msg := whisperWireMessage{Header: header, Sealed: sealed}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
			return nil, 0, fmt.Errorf("session: encode whisper message: %w", err)
		}
		out = buf.Bytes()
		ctype = WHISPER
	}

	if err := e.saveRecord(remoteAddr, rec); err != nil {
		return nil, 0, err
	}
	metrics.MessagesEncryptedTotal.Inc()
	return out, ctype, nil
}

// Decrypt opens ciphertext of the given type from remoteAddr.
func (e *Engine) Decrypt(ciphertext []byte, ctype CiphertextType, remoteAddr identity.LocalAddress) ([]byte, error) {
	switch ctype {
	case PREKEY:
		return e.decryptPreKey(ciphertext, remoteAddr)
	case WHISPER:
		return e.decryptWhisper(ciphertext, remoteAddr)
	default:
		metrics.RecordDecrypt("invalid_version")
		return nil, fmt.Errorf("%w: unknown ciphertext type %d", coreerr.ErrInvalidVersion, ctype)
	}
}

func (e *Engine) decryptPreKey(ciphertext []byte, remoteAddr identity.LocalAddress) ([]byte, error) {
	var msg preKeyWireMessage
	if err := gob.NewDecoder(bytes.NewReader(ciphertext)).Decode(&msg); err != nil {
		metrics.RecordDecrypt("bad_bundle")
		return nil, fmt.Errorf("%w: malformed prekey message: %v", coreerr.ErrBadBundle, err)
	}

	ad := adBytes(remoteAddr, e.localAddr)
	rec, found, err := e.loadRecord(remoteAddr)
	if err != nil {
		return nil, err
	}

	if !found {
		plaintext, rec2, err := e.installResponderSession(msg, remoteAddr)
		if err != nil {
			return nil, err
		}
		rec = rec2
		if err := e.saveRecord(remoteAddr, rec); err != nil {
			return nil, err
		}
		if msg.Fields.HasOneTimePreKey {
			if err := e.prekeys.ReplenishOneTimeIfConsumed(msg.Fields.OneTimePreKeyID); err != nil {
				e.logger.Printf("warning: failed to replenish one-time pre-key %d: %v", msg.Fields.OneTimePreKeyID, err)
			}
		}
		metrics.RecordDecrypt("ok")
		return plaintext, nil
	}

	// A session already exists: this PREKEY ciphertext is either a
	// legitimate re-send racing the responder's own outbound traffic, or
	// (per spec.md §8 Property 4) a replay of an already-processed
	// message. Either way the handshake fields are not reprocessed —
	// only the ratchet message itself is opened.
	plaintext, err := rec.Ratchet.Decrypt(msg.Header, msg.Sealed, ad)
	if err != nil {
		return nil, mapRatchetError(err)
	}
	if err := e.saveRecord(remoteAddr, rec); err != nil {
		return nil, err
	}
	metrics.RecordDecrypt("ok")
	return plaintext, nil
}

func (e *Engine) installResponderSession(msg preKeyWireMessage, remoteAddr identity.LocalAddress) ([]byte, *record, error) {
	f := msg.Fields
	if len(f.IdentityKey) != ed25519.PublicKeySize {
		metrics.RecordDecrypt("bad_bundle")
		return nil, nil, fmt.Errorf("%w: malformed remote identity key", coreerr.ErrBadBundle)
	}
	if f.IdentityKey.Equal(e.prekeys.Identity().EdDSAPublic) {
		return nil, nil, fmt.Errorf("%w: message is addressed from self", coreerr.ErrInvalidContact)
	}
	if err := e.checkTrust(remoteAddr, f.IdentityKey); err != nil {
		metrics.RecordDecrypt("untrusted_identity")
		return nil, nil, err
	}

	signedRec, ok := e.store.GetSignedPreKey(f.SignedPreKeyID)
	if !ok {
		metrics.RecordDecrypt("invalid_key_id")
		return nil, nil, fmt.Errorf("%w: unknown signed pre-key id %d", coreerr.ErrInvalidKeyId, f.SignedPreKeyID)
	}
	kyberRec, ok := e.store.GetKyberPreKey(f.KyberPreKeyID)
	if !ok {
		metrics.RecordDecrypt("invalid_key_id")
		return nil, nil, fmt.Errorf("%w: unknown kyber pre-key id %d", coreerr.ErrInvalidKeyId, f.KyberPreKeyID)
	}
	var oneTimeRec protocolstore.PreKeyRecord
	if f.HasOneTimePreKey {
		oneTimeRec, ok = e.store.GetPreKey(f.OneTimePreKeyID)
		if !ok {
			metrics.RecordDecrypt("invalid_key_id")
			return nil, nil, fmt.Errorf("%w: unknown one-time pre-key id %d", coreerr.ErrInvalidKeyId, f.OneTimePreKeyID)
		}
	}

	remoteX25519, err := xcrypto.Ed25519PublicToX25519Public(f.IdentityKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", coreerr.ErrBadBundle, err)
	}

	dh1, err := xcrypto.DH(signedRec.KeyPair.Private, remoteX25519)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: DH1: %v", coreerr.ErrInternalCrypto, err)
	}
	dh2, err := xcrypto.DH(e.prekeys.Identity().ECDHPrivate(), f.BaseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: DH2: %v", coreerr.ErrInternalCrypto, err)
	}
	dh3, err := xcrypto.DH(signedRec.KeyPair.Private, f.BaseKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: DH3: %v", coreerr.ErrInternalCrypto, err)
	}
	combined := append(append(append([]byte{}, dh1[:]...), dh2[:]...), dh3[:]...)
	if f.HasOneTimePreKey {
		dh4, err := xcrypto.DH(oneTimeRec.KeyPair.Private, f.BaseKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: DH4: %v", coreerr.ErrInternalCrypto, err)
		}
		combined = append(combined, dh4[:]...)
	}

	kyberSS, err := pqkem.Decapsulate(kyberRec.KEMPrivate, f.KyberCiphertext)
	if err != nil {
		metrics.RecordHandshake("responder", "internal")
		return nil, nil, fmt.Errorf("%w: kyber decapsulate: %v", coreerr.ErrInternalCrypto, err)
	}
	combined = append(combined, kyberSS...)

	sk, err := xcrypto.HKDF(combined, make([]byte, 32), pqxdhInfo, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: derive shared secret: %v", coreerr.ErrInternalCrypto, err)
	}
	var rootKey [32]byte
	copy(rootKey[:], sk)

	ratchetState := ratchet.NewReceiving(rootKey, signedRec.KeyPair, e.maxSkipped)
	ad := adBytes(remoteAddr, e.localAddr)
	plaintext, err := ratchetState.Decrypt(msg.Header, msg.Sealed, ad)
	if err != nil {
		metrics.RecordHandshake("responder", "internal")
		return nil, nil, mapRatchetError(err)
	}

	if err := e.trust(remoteAddr, f.IdentityKey); err != nil {
		return nil, nil, err
	}
	metrics.RecordHandshake("responder", "ok")
	e.logger.Printf("installed responder session with %s", remoteAddr)
	return plaintext, &record{Ratchet: ratchetState}, nil
}

func (e *Engine) decryptWhisper(ciphertext []byte, remoteAddr identity.LocalAddress) ([]byte, error) {
	rec, ok, err := e.loadRecord(remoteAddr)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.RecordDecrypt("no_session")
		return nil, fmt.Errorf("%w: no session with %s", coreerr.ErrNoSession, remoteAddr)
	}

	var msg whisperWireMessage
	if err := gob.NewDecoder(bytes.NewReader(ciphertext)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: malformed whisper message: %v", coreerr.ErrBadBundle, err)
	}

	ad := adBytes(remoteAddr, e.localAddr)
	plaintext, err := rec.Ratchet.Decrypt(msg.Header, msg.Sealed, ad)
	if err != nil {
		return nil, mapRatchetError(err)
	}
	if err := e.saveRecord(remoteAddr, rec); err != nil {
		return nil, err
	}
	metrics.RecordDecrypt("ok")
	return plaintext, nil
}

func mapRatchetError(err error) error {
	switch {
	case errors.Is(err, ratchet.ErrDuplicateMessage):
		metrics.RecordDecrypt("duplicate")
		return fmt.Errorf("%w: %v", coreerr.ErrDuplicate, err)
	case errors.Is(err, ratchet.ErrTooManySkipped):
		metrics.RecordDecrypt("out_of_order_too_far")
		return fmt.Errorf("%w: %v", coreerr.ErrOutOfOrderTooFar, err)
	case errors.Is(err, coreerr.ErrBadMac):
		metrics.RecordDecrypt("bad_mac")
		return err
	case errors.Is(err, coreerr.ErrInternalCrypto):
		metrics.RecordDecrypt("internal")
		return err
	default:
		metrics.RecordDecrypt("bad_mac")
		return fmt.Errorf("%w: %v", coreerr.ErrBadMac, err)
	}
}
