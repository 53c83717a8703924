// Package protocolstore is the Protocol Store of spec.md §2/§5: typed
// in-memory caches for pre-keys, signed pre-keys, Kyber pre-keys, sessions,
// trusted identities and rotation metadata, each guarded by its own mutex
// and backed by internal/atreststore for durability.
//
// spec.md §9's "Cyclic references among stores" design note calls for
// replacing the source's graph of stores pointing into each other with "a
// flat struct owning each sub-store by value." Store below is exactly
// that: one struct, six named mutex/cache pairs, no sub-store holds a
// pointer back to Store or to any sibling. Every exported method acquires
// the buckets it touches in the fixed order documented here
// (pre-keys ≺ signed ≺ kyber ≺ sessions ≺ identities ≺ metadata, spec.md
// §5) so the deadlock-freedom argument is auditable in one place.
package protocolstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/atreststore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xcrypto"
)

// PreKeyRecord is a one-time ECC pre-key (spec.md §3). keyId is mod 2^24.
type PreKeyRecord struct {
	KeyID   uint32
	KeyPair xcrypto.KeyPair
}

// SignedPreKeyRecord is a medium-lived signed pre-key.
type SignedPreKeyRecord struct {
	KeyID       uint32
	TimestampMs int64
	KeyPair     xcrypto.KeyPair
	Signature   []byte
}

// KyberPreKeyRecord is a medium-lived Kyber-1024 pre-key.
type KyberPreKeyRecord struct {
	KeyID       uint32
	TimestampMs int64
	KEMPublic   []byte
	KEMPrivate  []byte
	Signature   []byte
}

// TrustedIdentity is the remote public identity key trusted for a peer
// address under trust-on-first-use (spec.md §3).
type TrustedIdentity struct {
	RemotePublic []byte // Ed25519 public key bytes
	TrustedAt    time.Time
}

// Metadata is the Identity & PreKey Manager's scheduling state (spec.md
// §3: PreKeyMetadata).
type Metadata struct {
	NextOneTimeID       uint32
	NextSignedID        uint32
	ActiveSignedID      uint32
	IsSignedRegistered  bool
	SignedFailureCount  int
	NextSignedRefreshMs int64
	OldSignedDeletionMs int64
	NextKyberRefreshMs  int64
	OldKyberDeletionMs  int64
}

// Store is the flat, owns-everything-by-value Protocol Store.
type Store struct {
	at *atreststore.Store

	muPreKeys sync.Mutex
	preKeys   map[uint32]PreKeyRecord

	muSigned     sync.Mutex
	signedKeys   map[uint32]SignedPreKeyRecord

	muKyber    sync.Mutex
	kyberKeys  map[uint32]KyberPreKeyRecord

	muSessions sync.Mutex
	sessions   map[string][]byte // address string -> opaque serialized ratchet.State

	muIdentities sync.Mutex
	identities   map[string]TrustedIdentity // address string -> trusted identity

	muMetadata sync.Mutex
	metadata   Metadata
}

// New constructs an empty in-memory store bound to at for persistence.
// Call Load to hydrate it from disk.
func New(at *atreststore.Store) *Store {
	return &Store{
		at:         at,
		preKeys:    make(map[uint32]PreKeyRecord),
		signedKeys: make(map[uint32]SignedPreKeyRecord),
		kyberKeys:  make(map[uint32]KyberPreKeyRecord),
		sessions:   make(map[string][]byte),
		identities: make(map[string]TrustedIdentity),
	}
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("protocolstore: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(b []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("protocolstore: decode: %w", err)
	}
	return nil
}

// --- pre_keys bucket ---

func (s *Store) PutPreKey(rec PreKeyRecord) error {
	s.muPreKeys.Lock()
	defer s.muPreKeys.Unlock()
	s.preKeys[rec.KeyID] = rec
	return s.persistPreKey(rec)
}

func (s *Store) persistPreKey(rec PreKeyRecord) error {
	b, err := encode(rec)
	if err != nil {
		return err
	}
	return s.at.Put(atreststore.BucketPreKeys, preKeyKey(rec.KeyID), b)
}

func preKeyKey(id uint32) string { return fmt.Sprintf("%d", id) }

func (s *Store) GetPreKey(id uint32) (PreKeyRecord, bool) {
	s.muPreKeys.Lock()
	defer s.muPreKeys.Unlock()
	rec, ok := s.preKeys[id]
	return rec, ok
}

// DeletePreKey removes a one-time pre-key, enforcing spec.md §3's "used at
// most once" invariant once the caller has consumed it.
func (s *Store) DeletePreKey(id uint32) error {
	s.muPreKeys.Lock()
	defer s.muPreKeys.Unlock()
	delete(s.preKeys, id)
	return s.at.Delete(atreststore.BucketPreKeys, preKeyKey(id))
}

// UnusedPreKeyID returns the smallest existing pre-key id, matching
// get_unused_one_time_id()'s "smallest id whose record is still unused"
// policy (spec.md §4.3). The caller is responsible for synthesizing a new
// pre-key when none exist (prekeys.Manager.GetUnusedOneTimeID generates
// one under a random id).
func (s *Store) UnusedPreKeyID() (uint32, bool) {
	s.muPreKeys.Lock()
	defer s.muPreKeys.Unlock()
	if len(s.preKeys) == 0 {
		return 0, false
	}
	ids := make([]uint32, 0, len(s.preKeys))
	for id := range s.preKeys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], true
}

func (s *Store) PreKeyCount() int {
	s.muPreKeys.Lock()
	defer s.muPreKeys.Unlock()
	return len(s.preKeys)
}

// --- signed_pre_keys bucket ---

func (s *Store) PutSignedPreKey(rec SignedPreKeyRecord) error {
	s.muSigned.Lock()
	defer s.muSigned.Unlock()
	s.signedKeys[rec.KeyID] = rec
	b, err := encode(rec)
	if err != nil {
		return err
	}
	return s.at.Put(atreststore.BucketSignedPreKeys, preKeyKey(rec.KeyID), b)
}

func (s *Store) GetSignedPreKey(id uint32) (SignedPreKeyRecord, bool) {
	s.muSigned.Lock()
	defer s.muSigned.Unlock()
	rec, ok := s.signedKeys[id]
	return rec, ok
}

func (s *Store) DeleteSignedPreKey(id uint32) error {
	s.muSigned.Lock()
	defer s.muSigned.Unlock()
	delete(s.signedKeys, id)
	return s.at.Delete(atreststore.BucketSignedPreKeys, preKeyKey(id))
}

// DeleteSignedPreKeysExcept purges every signed pre-key other than keepID
// (spec.md §4.3 refresh_signed_pre_key_if_due archival step).
func (s *Store) DeleteSignedPreKeysExcept(keepID uint32) error {
	s.muSigned.Lock()
	defer s.muSigned.Unlock()
	for id := range s.signedKeys {
		if id == keepID {
			continue
		}
		delete(s.signedKeys, id)
		if err := s.at.Delete(atreststore.BucketSignedPreKeys, preKeyKey(id)); err != nil {
			return err
		}
	}
	return nil
}

// --- kyber_pre_keys bucket ---

func (s *Store) PutKyberPreKey(rec KyberPreKeyRecord) error {
	s.muKyber.Lock()
	defer s.muKyber.Unlock()
	s.kyberKeys[rec.KeyID] = rec
	b, err := encode(rec)
	if err != nil {
		return err
	}
	return s.at.Put(atreststore.BucketKyberPreKeys, preKeyKey(rec.KeyID), b)
}

func (s *Store) GetKyberPreKey(id uint32) (KyberPreKeyRecord, bool) {
	s.muKyber.Lock()
	defer s.muKyber.Unlock()
	rec, ok := s.kyberKeys[id]
	return rec, ok
}

// NewestKyberPreKey returns the Kyber record with the highest timestamp.
// Normally there is exactly one retained record; during a brief rotation
// overlap there may be two, in which case the newest wins.
func (s *Store) NewestKyberPreKey() (KyberPreKeyRecord, bool) {
	s.muKyber.Lock()
	defer s.muKyber.Unlock()
	var newest KyberPreKeyRecord
	found := false
	for _, rec := range s.kyberKeys {
		if !found || rec.TimestampMs > newest.TimestampMs {
			newest = rec
			found = true
		}
	}
	return newest, found
}

// KeepNewestKyberPreKey retains only the newest Kyber record, per spec.md
// §4.3: "After rotation, retain only the newest Kyber record."
func (s *Store) KeepNewestKyberPreKey() error {
	s.muKyber.Lock()
	defer s.muKyber.Unlock()
	if len(s.kyberKeys) <= 1 {
		return nil
	}
	var newest KyberPreKeyRecord
	first := true
	for _, rec := range s.kyberKeys {
		if first || rec.TimestampMs > newest.TimestampMs {
			newest = rec
			first = false
		}
	}
	for id := range s.kyberKeys {
		if id == newest.KeyID {
			continue
		}
		delete(s.kyberKeys, id)
		if err := s.at.Delete(atreststore.BucketKyberPreKeys, preKeyKey(id)); err != nil {
			return err
		}
	}
	return nil
}

// --- sessions bucket ---

func (s *Store) PutSession(address string, serialized []byte) error {
	s.muSessions.Lock()
	defer s.muSessions.Unlock()
	cp := append([]byte(nil), serialized...)
	s.sessions[address] = cp
	return s.at.Put(atreststore.BucketSessions, address, cp)
}

func (s *Store) GetSession(address string) ([]byte, bool) {
	s.muSessions.Lock()
	defer s.muSessions.Unlock()
	b, ok := s.sessions[address]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

func (s *Store) DeleteSession(address string) error {
	s.muSessions.Lock()
	defer s.muSessions.Unlock()
	delete(s.sessions, address)
	return s.at.Delete(atreststore.BucketSessions, address)
}

// --- trusted_identities bucket ---

func (s *Store) PutTrustedIdentity(address string, id TrustedIdentity) error {
	s.muIdentities.Lock()
	defer s.muIdentities.Unlock()
	s.identities[address] = id
	b, err := encode(id)
	if err != nil {
		return err
	}
	return s.at.Put(atreststore.BucketTrustedIdentities, address, b)
}

func (s *Store) GetTrustedIdentity(address string) (TrustedIdentity, bool) {
	s.muIdentities.Lock()
	defer s.muIdentities.Unlock()
	id, ok := s.identities[address]
	return id, ok
}

func (s *Store) DeleteTrustedIdentity(address string) error {
	s.muIdentities.Lock()
	defer s.muIdentities.Unlock()
	delete(s.identities, address)
	return s.at.Delete(atreststore.BucketTrustedIdentities, address)
}

// --- metadata bucket ---

const metadataKey = "prekey_metadata"

func (s *Store) PutMetadata(m Metadata) error {
	s.muMetadata.Lock()
	defer s.muMetadata.Unlock()
	s.metadata = m
	b, err := encode(m)
	if err != nil {
		return err
	}
	return s.at.Put(atreststore.BucketMetadata, metadataKey, b)
}

func (s *Store) GetMetadata() Metadata {
	s.muMetadata.Lock()
	defer s.muMetadata.Unlock()
	return s.metadata
}

// Load hydrates every in-memory cache from the at-rest store. It acquires
// buckets in the fixed order (pre-keys, signed, kyber, sessions,
// identities, metadata) even though nothing else runs concurrently with a
// fresh Load, to keep the acquisition discipline uniform across every
// method on Store.
func (s *Store) Load() error {
	s.muPreKeys.Lock()
	ids, err := s.at.List(atreststore.BucketPreKeys)
	if err != nil {
		s.muPreKeys.Unlock()
		return err
	}
	for _, k := range ids {
		b, found, err := s.at.Get(atreststore.BucketPreKeys, k, nil)
		if err != nil {
			s.muPreKeys.Unlock()
			return err
		}
		if !found {
			continue
		}
		var rec PreKeyRecord
		if err := decode(b, &rec); err != nil {
			s.muPreKeys.Unlock()
			return err
		}
		s.preKeys[rec.KeyID] = rec
	}
	s.muPreKeys.Unlock()

	s.muSigned.Lock()
	ids, err = s.at.List(atreststore.BucketSignedPreKeys)
	if err != nil {
		s.muSigned.Unlock()
		return err
	}
	for _, k := range ids {
		b, found, err := s.at.Get(atreststore.BucketSignedPreKeys, k, nil)
		if err != nil {
			s.muSigned.Unlock()
			return err
		}
		if !found {
			continue
		}
		var rec SignedPreKeyRecord
		if err := decode(b, &rec); err != nil {
			s.muSigned.Unlock()
			return err
		}
		s.signedKeys[rec.KeyID] = rec
	}
	s.muSigned.Unlock()

	s.muKyber.Lock()
	ids, err = s.at.List(atreststore.BucketKyberPreKeys)
	if err != nil {
		s.muKyber.Unlock()
		return err
	}
	for _, k := range ids {
		b, found, err := s.at.Get(atreststore.BucketKyberPreKeys, k, nil)
		if err != nil {
			s.muKyber.Unlock()
			return err
		}
		if !found {
			continue
		}
		var rec KyberPreKeyRecord
		if err := decode(b, &rec); err != nil {
			s.muKyber.Unlock()
			return err
		}
		s.kyberKeys[rec.KeyID] = rec
	}
	s.muKyber.Unlock()

	s.muSessions.Lock()
	addrs, err := s.at.List(atreststore.BucketSessions)
	if err != nil {
		s.muSessions.Unlock()
		return err
	}
	for _, addr := range addrs {
		b, found, err := s.at.Get(atreststore.BucketSessions, addr, nil)
		if err != nil {
			s.muSessions.Unlock()
			return err
		}
		if found {
			s.sessions[addr] = b
		}
	}
	s.muSessions.Unlock()

	s.muIdentities.Lock()
	addrs, err = s.at.List(atreststore.BucketTrustedIdentities)
	if err != nil {
		s.muIdentities.Unlock()
		return err
	}
	for _, addr := range addrs {
		b, found, err := s.at.Get(atreststore.BucketTrustedIdentities, addr, nil)
		if err != nil {
			s.muIdentities.Unlock()
			return err
		}
		if !found {
			continue
		}
		var id TrustedIdentity
		if err := decode(b, &id); err != nil {
			s.muIdentities.Unlock()
			return err
		}
		s.identities[addr] = id
	}
	s.muIdentities.Unlock()

	s.muMetadata.Lock()
	defer s.muMetadata.Unlock()
	b, found, err := s.at.Get(atreststore.BucketMetadata, metadataKey, nil)
	if err != nil {
		return err
	}
	if found {
		var m Metadata
		if err := decode(b, &m); err != nil {
			return err
		}
		s.metadata = m
	}
	return nil
}

// IsBootstrapped reports whether every critical bucket (pre-keys, signed
// pre-keys, Kyber pre-keys) has at least one record, the condition
// initialize_or_reload uses to distinguish a healthy reload from
// corruption (spec.md §4.8).
func (s *Store) IsBootstrapped() bool {
	s.muPreKeys.Lock()
	hasPreKeys := len(s.preKeys) > 0
	s.muPreKeys.Unlock()

	s.muSigned.Lock()
	hasSigned := len(s.signedKeys) > 0
	s.muSigned.Unlock()

	s.muKyber.Lock()
	hasKyber := len(s.kyberKeys) > 0
	s.muKyber.Unlock()

	return hasPreKeys && hasSigned && hasKyber
}
