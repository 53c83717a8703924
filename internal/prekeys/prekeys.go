// Package prekeys implements the Identity & PreKey Manager of spec.md
// §4.3: one-shot account bootstrap, scheduled signed/Kyber pre-key
// rotation, one-time pre-key replenishment, and bundle publication.
//
// The rotation scheduling shape (ticker-free here: callers drive it by
// calling RefreshSignedPreKeyIfDue/RefreshKyberPreKeyIfDue with the
// current time, per spec.md §4.8's "call on every encrypt" policy rather
// than a background goroutine) is grounded on the teacher's
// internal/security/keyrotation.go KeyRotationScheduler: the same
// due/last-rotated/interval bookkeeping, repointed from JWT-secret
// rotation to pre-key rotation, and on identity_key_rotation.go's
// mutex-guarded check-then-rotate discipline.
package prekeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/coreerr"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/identity"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/metrics"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/pqkem"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/protocolstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xcrypto"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xlog"
)

// Bundle is the PreKeyBundle of spec.md §3: everything a peer needs to
// start a session with us. It is derived on demand, never stored.
type Bundle struct {
	IdentityPublic ed25519.PublicKey
	RegistrationID uint32
	DeviceID       uint32

	HasOneTimePreKey    bool
	OneTimePreKeyID     uint32
	OneTimePreKeyPublic [32]byte

	SignedPreKeyID        uint32
	SignedPreKeyPublic    [32]byte
	SignedPreKeySignature []byte

	KyberPreKeyID        uint32
	KyberPreKeyPublic    []byte
	KyberPreKeySignature []byte
}

// Config carries the three rotation knobs spec.md §4.3 names.
type Config struct {
	RotationPeriod time.Duration
	ArchiveAge     time.Duration
	OneTimeBatch   int
}

// Manager is the Identity & PreKey Manager. It owns the long-term
// identity key pair and the typed pre-key buckets via protocolstore.
type Manager struct {
	store     *protocolstore.Store
	localAddr identity.LocalAddress
	cfg       Config
	logger    *log.Logger

	mu           sync.Mutex
	accountID    identity.KeyPair
	registration uint32
}

// New constructs a Manager over store for the local address addr.
func New(store *protocolstore.Store, addr identity.LocalAddress, cfg Config) *Manager {
	return &Manager{
		store:     store,
		localAddr: addr,
		cfg:       cfg,
		logger:    xlog.New("PREKEY-MANAGER"),
	}
}

// Initialize generates a fresh account: identity key pair, registration
// id, an initial batch of one-time pre-keys, an active signed pre-key,
// and an active Kyber pre-key, all persisted, with both rotation
// schedules set to now + RotationPeriod. Per spec.md this runs exactly
// once per account.
func (m *Manager) Initialize(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idKeyPair, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("prekeys: generate identity key pair: %w", err)
	}
	regID, err := identity.RegistrationID()
	if err != nil {
		return fmt.Errorf("prekeys: generate registration id: %w", err)
	}
	m.accountID = idKeyPair
	m.registration = regID

	batch := m.cfg.OneTimeBatch
	if batch < 1 {
		batch = 1
	}
	for i := 0; i < batch; i++ {
		if err := m.generateOneTimePreKeyLocked(); err != nil {
			return err
		}
	}

	signedID, err := m.generateSignedPreKeyLocked(now)
	if err != nil {
		return err
	}
	kyberID, err := m.generateKyberPreKeyLocked(now)
	if err != nil {
		return err
	}

	meta := protocolstore.Metadata{
		NextOneTimeID:       nextFreeKeyIDGuess(batch),
		NextSignedID:        signedID + 1,
		ActiveSignedID:      signedID,
		IsSignedRegistered:  true,
		NextSignedRefreshMs: now.Add(m.cfg.RotationPeriod).UnixMilli(),
		OldSignedDeletionMs: now.Add(m.cfg.RotationPeriod + m.cfg.ArchiveAge).UnixMilli(),
		NextKyberRefreshMs:  now.Add(m.cfg.RotationPeriod).UnixMilli(),
		OldKyberDeletionMs:  now.Add(m.cfg.RotationPeriod + m.cfg.ArchiveAge).UnixMilli(),
	}
	_ = kyberID
	if err := m.store.PutMetadata(meta); err != nil {
		return fmt.Errorf("prekeys: persist metadata: %w", err)
	}
	m.logger.Printf("initialized account registration_id=%d one_time_batch=%d", regID, batch)
	return nil
}

func nextFreeKeyIDGuess(generated int) uint32 {
	return uint32(generated)
}

// LoadIdentity restores the manager's in-memory identity/registration
// state after protocolstore.Load has hydrated the typed buckets. seed is
// the 32-byte Ed25519 seed from the hardware secret store.
func (m *Manager) LoadIdentity(seed []byte, registrationID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, err := identity.FromSeed(seed)
	if err != nil {
		return err
	}
	m.accountID = kp
	m.registration = registrationID
	return nil
}

// Identity returns the account's long-term identity key pair.
func (m *Manager) Identity() identity.KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountID
}

// RegistrationID returns the account's registration id.
func (m *Manager) RegistrationID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registration
}

func randomKeyID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	v := uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return v % (1 << 24), nil // keyId mod 2^24, spec.md §3
}

func (m *Manager) generateOneTimePreKeyLocked() error {
	id, err := randomKeyID()
	if err != nil {
		return fmt.Errorf("prekeys: draw one-time pre-key id: %w", err)
	}
	return m.generateOneTimePreKeyAtLocked(id)
}

// generateOneTimePreKeyAtLocked draws a fresh key pair and persists it under
// the given id, overwriting any existing record at that slot.
func (m *Manager) generateOneTimePreKeyAtLocked(id uint32) error {
	kp, err := xcrypto.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("prekeys: generate one-time pre-key: %w", err)
	}
	rec := protocolstore.PreKeyRecord{KeyID: id, KeyPair: kp}
	if err := m.store.PutPreKey(rec); err != nil {
		return fmt.Errorf("prekeys: persist one-time pre-key: %w", err)
	}
	return nil
}

func (m *Manager) generateSignedPreKeyLocked(now time.Time) (uint32, error) {
	id, err := randomKeyID()
	if err != nil {
		return 0, fmt.Errorf("prekeys: draw signed pre-key id: %w", err)
	}
	kp, err := xcrypto.GenerateX25519KeyPair()
	if err != nil {
		return 0, fmt.Errorf("prekeys: generate signed pre-key: %w", err)
	}
	sig := m.accountID.Sign(kp.Public[:])
	rec := protocolstore.SignedPreKeyRecord{
		KeyID:       id,
		TimestampMs: now.UnixMilli(),
		KeyPair:     kp,
		Signature:   sig,
	}
	if err := m.store.PutSignedPreKey(rec); err != nil {
		return 0, fmt.Errorf("prekeys: persist signed pre-key: %w", err)
	}
	metrics.RecordRotation("signed")
	return id, nil
}

func (m *Manager) generateKyberPreKeyLocked(now time.Time) (uint32, error) {
	id, err := randomKeyID()
	if err != nil {
		return 0, fmt.Errorf("prekeys: draw kyber pre-key id: %w", err)
	}
	kp, err := pqkem.GenerateKeyPair()
	if err != nil {
		// spec.md §9 is explicit: a Kyber generation failure here is
		// fatal, not a silent classical-only fallback.
		return 0, fmt.Errorf("prekeys: generate kyber pre-key (fatal, no classical fallback): %w", err)
	}
	sig := m.accountID.Sign(kp.PublicKey)
	rec := protocolstore.KyberPreKeyRecord{
		KeyID:       id,
		TimestampMs: now.UnixMilli(),
		KEMPublic:   kp.PublicKey,
		KEMPrivate:  kp.PrivateKey,
		Signature:   sig,
	}
	if err := m.store.PutKyberPreKey(rec); err != nil {
		return 0, fmt.Errorf("prekeys: persist kyber pre-key: %w", err)
	}
	metrics.RecordRotation("kyber")
	return id, nil
}

// RefreshSignedPreKeyIfDue rotates the active signed pre-key if now is at
// or past the scheduled refresh time. Once the deletion time set by the
// previous rotation (ArchiveAge after it) has passed, every signed
// pre-key other than the active one is deleted. It reports whether a
// rotation occurred.
func (m *Manager) RefreshSignedPreKeyIfDue(now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.store.GetMetadata()
	if now.UnixMilli() >= meta.OldSignedDeletionMs {
		if err := m.store.DeleteSignedPreKeysExcept(meta.ActiveSignedID); err != nil {
			m.logger.Printf("warning: failed to archive old signed pre-keys: %v", err)
		}
	}
	if now.UnixMilli() < meta.NextSignedRefreshMs {
		return false, nil
	}

	newID, err := m.generateSignedPreKeyLocked(now)
	if err != nil {
		return false, err
	}
	meta.ActiveSignedID = newID
	meta.NextSignedRefreshMs = now.Add(m.cfg.RotationPeriod).UnixMilli()
	meta.OldSignedDeletionMs = now.Add(m.cfg.ArchiveAge).UnixMilli()
	if err := m.store.PutMetadata(meta); err != nil {
		return true, fmt.Errorf("prekeys: persist metadata after signed rotation: %w", err)
	}
	m.logger.Printf("rotated signed pre-key, new id=%d", newID)
	return true, nil
}

// RefreshKyberPreKeyIfDue is RefreshSignedPreKeyIfDue's Kyber twin, on an
// independent schedule. After rotation only the newest Kyber record is
// retained (spec.md §4.3).
func (m *Manager) RefreshKyberPreKeyIfDue(now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.store.GetMetadata()
	if now.UnixMilli() < meta.NextKyberRefreshMs {
		return false, nil
	}

	newID, err := m.generateKyberPreKeyLocked(now)
	if err != nil {
		return false, err
	}
	meta.NextKyberRefreshMs = now.Add(m.cfg.RotationPeriod).UnixMilli()
	meta.OldKyberDeletionMs = now.Add(m.cfg.ArchiveAge).UnixMilli()
	if err := m.store.PutMetadata(meta); err != nil {
		return true, fmt.Errorf("prekeys: persist metadata after kyber rotation: %w", err)
	}
	if err := m.store.KeepNewestKyberPreKey(); err != nil {
		m.logger.Printf("warning: failed to archive old kyber pre-keys: %v", err)
	}
	m.logger.Printf("rotated kyber pre-key, new id=%d", newID)
	return true, nil
}

// ReplenishOneTimeIfConsumed generates a fresh one-time pre-key under
// usedID itself, called by the Session Engine after a PREKEY-type
// ciphertext consumes it (spec.md §4.3: "Generates a new one-time pre-key
// under the same id").
func (m *Manager) ReplenishOneTimeIfConsumed(usedID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.generateOneTimePreKeyAtLocked(usedID); err != nil {
		return err
	}
	metrics.OneTimePreKeysReplenishedTotal.Inc()
	return nil
}

// GetUnusedOneTimeID returns the smallest existing one-time pre-key id,
// synthesizing a new one if the store is empty.
func (m *Manager) GetUnusedOneTimeID() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.store.UnusedPreKeyID(); ok {
		return id, nil
	}
	if err := m.generateOneTimePreKeyLocked(); err != nil {
		return 0, err
	}
	id, ok := m.store.UnusedPreKeyID()
	if !ok {
		return 0, fmt.Errorf("%w: failed to synthesize one-time pre-key", coreerr.ErrInternal)
	}
	return id, nil
}

// BuildPublishableBundle produces the PreKeyBundle a peer needs to start
// a session with this account (spec.md §4.3).
func (m *Manager) BuildPublishableBundle() (Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.store.GetMetadata()
	signed, ok := m.store.GetSignedPreKey(meta.ActiveSignedID)
	if !ok {
		return Bundle{}, fmt.Errorf("%w: no active signed pre-key", coreerr.ErrBadBundle)
	}

	kyber, found := m.store.NewestKyberPreKey()
	if !found {
		return Bundle{}, fmt.Errorf("%w: no kyber pre-key", coreerr.ErrBadBundle)
	}

	bundle := Bundle{
		IdentityPublic:        append(ed25519.PublicKey(nil), m.accountID.EdDSAPublic...),
		RegistrationID:        m.registration,
		DeviceID:              m.localAddr.DeviceID,
		SignedPreKeyID:        signed.KeyID,
		SignedPreKeyPublic:    signed.KeyPair.Public,
		SignedPreKeySignature: append([]byte(nil), signed.Signature...),
		KyberPreKeyID:         kyber.KeyID,
		KyberPreKeyPublic:     append([]byte(nil), kyber.KEMPublic...),
		KyberPreKeySignature:  append([]byte(nil), kyber.Signature...),
	}

	if oneTimeID, ok := m.store.UnusedPreKeyID(); ok {
		if rec, ok := m.store.GetPreKey(oneTimeID); ok {
			bundle.HasOneTimePreKey = true
			bundle.OneTimePreKeyID = rec.KeyID
			bundle.OneTimePreKeyPublic = rec.KeyPair.Public
		}
	}

	return bundle, nil
}
