// Package atreststore implements the At-Rest Encrypted Storage component of
// spec.md §4.2: every durable blob is AEAD-sealed under the hardware-backed
// master key, in nonce || ciphertext || tag form, associated with its
// bucket and key so a ciphertext from one bucket/key can never be replayed
// into another. It sits on internal/blobstore's content-addressed boundary.
package atreststore

import (
	"log"
	"time"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/blobstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/metrics"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xcrypto"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xlog"
)

// Bucket names, per spec.md §4.2 and §6.
const (
	BucketPreKeys           = "pre_keys"
	BucketSignedPreKeys     = "signed_pre_keys"
	BucketKyberPreKeys      = "kyber_pre_keys"
	BucketSessions          = "sessions"
	// BucketSenderKeys is carried for parity with spec.md §6's ten-bucket
	// persisted layout but is never written by this module: sender-key
	// distribution backs group messaging, which is an explicit Non-goal
	// (spec.md §1). Reserving the name here means a future group-messaging
	// component has a bucket to write into without renumbering this list.
	BucketSenderKeys        = "sender_keys"
	BucketTrustedIdentities = "trusted_identities"
	BucketContacts          = "contacts"
	BucketMessages          = "messages"
	BucketMetadata          = "metadata"
)

// Store AEAD-wraps a blobstore.Store under a fixed master key.
type Store struct {
	blob      blobstore.Store
	masterKey [32]byte
	logger    *log.Logger
}

// New returns a Store that seals/opens blobs in blob under masterKey.
func New(blob blobstore.Store, masterKey [32]byte) *Store {
	return &Store{blob: blob, masterKey: masterKey, logger: xlog.New("ATREST-STORE")}
}

func associatedData(bucket, key string) []byte {
	return []byte(bucket + "/" + key)
}

// Put canonically seals value and writes it atomically to bucket/key.
func (s *Store) Put(bucket, key string, value []byte) error {
	start := time.Now()
	sealed, err := xcrypto.SealAEAD(s.masterKey[:], value, associatedData(bucket, key))
	if err != nil {
		return err
	}
	if err := s.blob.Put(bucket, key, sealed); err != nil {
		return err
	}
	metrics.RecordAtRestWrite(bucket, time.Since(start))
	return nil
}

// Get opens the sealed blob at bucket/key. A missing key, or a blob that
// fails both AEAD-open and plaintext validation, is reported as "not
// found" (found == false, err == nil) rather than as an error — spec.md
// §4.2: "Corruption... returns 'not found' rather than raising."
//
// isLegacyPlaintext, if non-nil, is consulted when AEAD-open fails: if it
// reports the raw bytes as a structurally valid legacy plaintext value,
// Get re-seals them under the current master key (one-time migration) and
// returns them.
func (s *Store) Get(bucket, key string, isLegacyPlaintext func([]byte) bool) (value []byte, found bool, err error) {
	sealed, err := s.blob.Get(bucket, key)
	if err == blobstore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	plain, openErr := xcrypto.OpenAEAD(s.masterKey[:], sealed, associatedData(bucket, key))
	if openErr == nil {
		return plain, true, nil
	}

	if isLegacyPlaintext != nil && isLegacyPlaintext(sealed) {
		s.logger.Printf("migrating legacy plaintext value in %s/%s", bucket, key)
		if err := s.Put(bucket, key, sealed); err != nil {
			s.logger.Printf("warning: failed to re-seal migrated value in %s/%s: %v", bucket, key, err)
		}
		return sealed, true, nil
	}

	metrics.RecordAtRestCorruption(bucket)
	s.logger.Printf("warning: corrupt or foreign-key blob at %s/%s, treating as not found", bucket, key)
	return nil, false, nil
}

// Delete removes bucket/key if present.
func (s *Store) Delete(bucket, key string) error {
	return s.blob.Delete(bucket, key)
}

// List returns the keys currently present in bucket.
func (s *Store) List(bucket string) ([]string, error) {
	return s.blob.List(bucket)
}
