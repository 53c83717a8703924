// Package e2eecore is the Lifecycle Orchestrator of spec.md §4.8: the
// public entry point wiring together the Hardware Key-Holder, the
// At-Rest Store, the Identity & PreKey Manager, the Session Engine, the
// Envelope Codec, Contacts & Message History, and the Fingerprint
// Generator into the three top-level operations a host UI calls.
//
// The construction order — load config, acquire the key holder, build
// dependent stores, construct the rest, defer a graceful close with
// warning-level logging on failure — follows the teacher's
// cmd/*/main.go wiring idiom (config.Load() -> service construction ->
// deferred cleanup that logs rather than panics), reshaped from an HTTP
// server's startup into a library constructor.
package e2eecore

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/atreststore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/blobstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/config"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/contacts"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/coreerr"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/envelope"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/fingerprint"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/identity"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/prekeys"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/protocolstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/session"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/vaultkey"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xlog"
)

// Re-export the handful of sentinel errors and types a host application
// needs to branch on, so it never has to import internal/ packages.
var (
	ErrNotInitialized     = coreerr.ErrNotInitialized
	ErrInvalidContact      = coreerr.ErrInvalidContact
	ErrDuplicateContact    = coreerr.ErrDuplicateContact
	ErrUnknownContact      = coreerr.ErrUnknownContact
	ErrNoSession           = coreerr.ErrNoSession
	ErrUntrustedIdentity   = coreerr.ErrUntrustedIdentity
	ErrInvalidVersion      = coreerr.ErrInvalidVersion
	ErrInvalidKeyId        = coreerr.ErrInvalidKeyId
	ErrBadMac              = coreerr.ErrBadMac
	ErrDuplicate           = coreerr.ErrDuplicate
	ErrBadBundle           = coreerr.ErrBadBundle
	ErrStorageUnavailable  = coreerr.ErrStorageUnavailable
	ErrInternal            = coreerr.ErrInternal
	ErrBadSignature        = coreerr.ErrBadSignature
	ErrInternalCrypto      = coreerr.ErrInternalCrypto
	ErrOutOfOrderTooFar    = coreerr.ErrOutOfOrderTooFar
)

// Contact, StorageMessage, Envelope and MessageType are the shapes a
// host application exchanges with the Core.
type (
	Contact        = contacts.Contact
	StorageMessage = contacts.StorageMessage
	Envelope       = envelope.Envelope
	MessageType    = envelope.MessageType
)

const (
	Invalid                                = envelope.Invalid
	UpdatedPreKeyResponseAndSignalMessage   = envelope.UpdatedPreKeyResponseAndSignalMessage
	PreKeyResponseMessage                   = envelope.PreKeyResponseMessage
	SignalMessage                           = envelope.SignalMessage
)

// Core is the Lifecycle Orchestrator's handle on one account.
type Core struct {
	cfg       *config.Config
	keyHolder vaultkey.KeyHolder
	blob      blobstore.Store
	at        *atreststore.Store
	store     *protocolstore.Store
	prekeys   *prekeys.Manager
	engine    *session.Engine
	contacts  *contacts.Manager
	localAddr identity.LocalAddress
	logger    *log.Logger

	mu sync.Mutex
}

// Open constructs a Core from cfg: it acquires the hardware-backed
// master key, builds the at-rest store over it, and runs
// initialize_or_reload (spec.md §4.8).
func Open(cfg *config.Config) (*Core, error) {
	keyHolder, err := buildKeyHolder(cfg)
	if err != nil {
		return nil, err
	}
	blob, err := buildBlobStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("e2eecore: open blob store: %w", err)
	}

	c := &Core{
		cfg:       cfg,
		keyHolder: keyHolder,
		blob:      blob,
		logger:    xlog.New("LIFECYCLE"),
	}

	if err := c.initializeOrReload(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func buildKeyHolder(cfg *config.Config) (vaultkey.KeyHolder, error) {
	if cfg.VaultAddr != "" {
		return vaultkey.NewVaultKeyHolder(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount, cfg.VaultPath)
	}
	return vaultkey.NewSoftwareKeyHolder(filepath.Join(cfg.StorageRoot, "master.key")), nil
}

// buildBlobStore selects the blobstore.Store implementation named by
// cfg.StorageBackend.
func buildBlobStore(cfg *config.Config) (blobstore.Store, error) {
	switch cfg.StorageBackend {
	case "", "file":
		return blobstore.NewFileStore(filepath.Join(cfg.StorageRoot, "blobs"))
	case "sqlite":
		if err := os.MkdirAll(cfg.StorageRoot, 0o700); err != nil {
			return nil, err
		}
		return blobstore.NewSQLiteStore(filepath.Join(cfg.StorageRoot, "blobs.sqlite3"))
	default:
		return nil, fmt.Errorf("e2eecore: unknown storage backend %q", cfg.StorageBackend)
	}
}

func (c *Core) prekeysConfig() prekeys.Config {
	return prekeys.Config{
		RotationPeriod: c.cfg.RotationPeriod,
		ArchiveAge:     c.cfg.ArchiveAge,
		OneTimeBatch:   c.cfg.OneTimeBatch,
	}
}

// initializeOrReload implements spec.md §4.8: reload if an account
// already exists in the hardware secret store, treating a reload that
// finds any missing critical bucket as corruption (wipe and
// reinitialize); otherwise initialize a fresh account.
func (c *Core) initializeOrReload(ctx context.Context) error {
	masterKey, err := c.keyHolder.LoadOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("e2eecore: acquire master key: %w", err)
	}
	c.at = atreststore.New(c.blob, masterKey)
	c.store = protocolstore.New(c.at)

	uuidBytes, found, err := c.keyHolder.LoadSecret(ctx, vaultkey.SecretAccountUUID)
	if err != nil {
		return fmt.Errorf("e2eecore: load account uuid: %w", err)
	}

	if found {
		if err := c.store.Load(); err != nil {
			return fmt.Errorf("e2eecore: load protocol store: %w", err)
		}
		if c.store.IsBootstrapped() {
			if err := c.reloadIdentity(ctx, string(uuidBytes)); err != nil {
				return err
			}
			c.wireComponents()
			c.logger.Printf("reloaded account %s", c.localAddr)
			return nil
		}
		c.logger.Printf("warning: reload found a missing critical bucket, treating state as corrupted")
		if err := c.keyHolder.Wipe(ctx); err != nil {
			return fmt.Errorf("e2eecore: wipe corrupted account: %w", err)
		}
		masterKey, err = c.keyHolder.LoadOrCreate(ctx)
		if err != nil {
			return fmt.Errorf("e2eecore: acquire master key after wipe: %w", err)
		}
		c.at = atreststore.New(c.blob, masterKey)
		c.store = protocolstore.New(c.at)
	}

	if err := c.initializeFresh(ctx); err != nil {
		return err
	}
	c.wireComponents()
	c.logger.Printf("initialized fresh account %s", c.localAddr)
	return nil
}

func (c *Core) reloadIdentity(ctx context.Context, accountUUID string) error {
	seed, found, err := c.keyHolder.LoadSecret(ctx, vaultkey.SecretIdentitySeed)
	if err != nil || !found {
		return fmt.Errorf("%w: missing identity seed on reload", coreerr.ErrInternal)
	}
	regBytes, found, err := c.keyHolder.LoadSecret(ctx, vaultkey.SecretRegistrationID)
	if err != nil || !found || len(regBytes) != 4 {
		return fmt.Errorf("%w: missing registration id on reload", coreerr.ErrInternal)
	}
	deviceBytes, found, err := c.keyHolder.LoadSecret(ctx, vaultkey.SecretAccountDeviceID)
	if err != nil || !found || len(deviceBytes) != 4 {
		return fmt.Errorf("%w: missing device id on reload", coreerr.ErrInternal)
	}

	c.localAddr = identity.LocalAddress{
		UUID:     accountUUID,
		DeviceID: binary.BigEndian.Uint32(deviceBytes),
	}
	c.prekeys = prekeys.New(c.store, c.localAddr, c.prekeysConfig())
	return c.prekeys.LoadIdentity(seed, binary.BigEndian.Uint32(regBytes))
}

func (c *Core) initializeFresh(ctx context.Context) error {
	c.localAddr = identity.NewLocalAddress(1)
	c.prekeys = prekeys.New(c.store, c.localAddr, c.prekeysConfig())
	if err := c.prekeys.Initialize(time.Now()); err != nil {
		return fmt.Errorf("e2eecore: initialize account: %w", err)
	}

	id := c.prekeys.Identity()
	if err := c.keyHolder.StoreSecret(ctx, vaultkey.SecretIdentitySeed, id.Seed()); err != nil {
		return fmt.Errorf("e2eecore: persist identity seed: %w", err)
	}
	var regBuf [4]byte
	binary.BigEndian.PutUint32(regBuf[:], c.prekeys.RegistrationID())
	if err := c.keyHolder.StoreSecret(ctx, vaultkey.SecretRegistrationID, regBuf[:]); err != nil {
		return fmt.Errorf("e2eecore: persist registration id: %w", err)
	}
	var devBuf [4]byte
	binary.BigEndian.PutUint32(devBuf[:], c.localAddr.DeviceID)
	if err := c.keyHolder.StoreSecret(ctx, vaultkey.SecretAccountDeviceID, devBuf[:]); err != nil {
		return fmt.Errorf("e2eecore: persist device id: %w", err)
	}
	if err := c.keyHolder.StoreSecret(ctx, vaultkey.SecretAccountUUID, []byte(c.localAddr.UUID)); err != nil {
		return fmt.Errorf("e2eecore: persist account uuid: %w", err)
	}
	return nil
}

func (c *Core) wireComponents() {
	c.engine = session.New(c.store, c.prekeys, c.localAddr, c.cfg.MaxSkippedMessageKeys)
	c.contacts = contacts.New(c.at, c.engine)
}

// Address returns the local account's address.
func (c *Core) Address() identity.LocalAddress {
	return c.localAddr
}

// Close releases any resources the configured blob store holds open (the
// SQLite backend keeps a database handle; the file backend holds nothing).
func (c *Core) Close() error {
	if closer, ok := c.blob.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// AddContact, ListContacts, GetContact, VerifyContact and RemoveContact
// delegate to Contacts & Message History (spec.md §4.7).
func (c *Core) AddContact(ct Contact) error      { return c.contacts.AddContact(ct) }
func (c *Core) ListContacts() ([]Contact, error) { return c.contacts.ListContacts() }
func (c *Core) GetContact(addr identity.LocalAddress) (Contact, error) {
	return c.contacts.GetContact(addr)
}
func (c *Core) VerifyContact(addr identity.LocalAddress) error { return c.contacts.VerifyContact(addr) }
func (c *Core) RemoveContact(addr identity.LocalAddress) error { return c.contacts.RemoveContact(addr) }
func (c *Core) History(addr identity.LocalAddress) ([]StorageMessage, error) {
	return c.contacts.History(addr)
}

// Fingerprint returns the 60-digit safety number between this account
// and contact, or ("", false) if contact's identity is not yet trusted
// (spec.md §4.6).
func (c *Core) Fingerprint(contact Contact) (string, bool) {
	remote, ok := c.store.GetTrustedIdentity(contact.RemoteAddress.String())
	if !ok {
		return "", false
	}
	local := c.prekeys.Identity()
	return fingerprint.Generate(
		[]byte(c.localAddr.String()), local.EdDSAPublic,
		[]byte(contact.RemoteAddress.String()), remote.RemotePublic,
		c.cfg.FingerprintIterations,
	)
}

// BuildInvite produces a pure-invite envelope (spec.md §8 Scenario S1):
// only pre_key_response is present.
func (c *Core) BuildInvite() (Envelope, error) {
	bundle, err := c.prekeys.BuildPublishableBundle()
	if err != nil {
		return Envelope{}, err
	}
	pkr := bundleToWire(bundle, c.localAddr)
	return Envelope{
		SignalProtocolAddressName: c.localAddr.UUID,
		DeviceID:                  int32(c.localAddr.DeviceID),
		Timestamp:                 time.Now().UnixMilli(),
		PreKeyResponse:            &pkr,
	}, nil
}

// Encrypt implements the Lifecycle Orchestrator's encrypt(text,
// contact) (spec.md §4.8): refresh rotations as needed, piggyback a
// fresh bundle on rotation, encrypt through the Session Engine, and log
// the plaintext to history.
func (c *Core) Encrypt(text string, contact Contact) (Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	var pkr *envelope.PreKeyResponse
	rotated, err := c.prekeys.RefreshSignedPreKeyIfDue(now)
	if err != nil {
		c.logger.Printf("warning: signed pre-key rotation failed, continuing with pre-rotation key: %v", err)
	} else if rotated {
		bundle, err := c.prekeys.BuildPublishableBundle()
		if err != nil {
			c.logger.Printf("warning: failed to build bundle after rotation: %v", err)
		} else {
			v := bundleToWire(bundle, c.localAddr)
			pkr = &v
		}
	}
	if _, err := c.prekeys.RefreshKyberPreKeyIfDue(now); err != nil {
		c.logger.Printf("warning: kyber pre-key rotation failed, continuing with pre-rotation key: %v", err)
	}

	ciphertext, ctype, err := c.engine.Encrypt([]byte(text), contact.RemoteAddress)
	if err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		SignalProtocolAddressName: c.localAddr.UUID,
		DeviceID:                  int32(c.localAddr.DeviceID),
		Timestamp:                 now.UnixMilli(),
		HasCiphertextMessage:      true,
		CiphertextMessage:         ciphertext,
		HasCiphertextType:         true,
		CiphertextType:            envelope.CiphertextType(ctype),
		PreKeyResponse:            pkr,
	}

	if err := c.contacts.LogMessage(StorageMessage{
		PeerAddress:      contact.RemoteAddress,
		SenderAddress:    c.localAddr,
		RecipientAddress: contact.RemoteAddress,
		Timestamp:        now.UnixMilli(),
		Text:             text,
	}); err != nil {
		c.logger.Printf("warning: failed to log outbound message to history: %v", err)
	}
	return env, nil
}

// Decrypt implements the Lifecycle Orchestrator's decrypt(envelope,
// contact) (spec.md §4.8): validate and apply a piggybacked bundle first
// if present, then decrypt any ciphertext through the Session Engine,
// logging the plaintext to history. A pure-invite envelope (no
// ciphertext) returns ("", nil) once its bundle is installed. A bundle
// that rides with a ciphertext is not installed as a new session when a
// session with the sender already exists or the ciphertext is itself a
// PREKEY message, since installing it would replace the session that
// ciphertext was sealed under.
func (c *Core) Decrypt(env Envelope, contact Contact) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.SignalProtocolAddressName == c.localAddr.UUID {
		return "", fmt.Errorf("%w: envelope addressed from self", coreerr.ErrInvalidContact)
	}

	if env.PreKeyResponse != nil {
		bundle, err := wireToBundle(*env.PreKeyResponse)
		if err != nil {
			return "", err
		}
		displaces := env.HasCiphertextMessage &&
			(c.engine.HasSession(contact.RemoteAddress) || env.CiphertextType == envelope.PreKey)
		if !displaces {
			if err := c.engine.ProcessIncomingBundle(bundle, contact.RemoteAddress); err != nil {
				return "", err
			}
		}
	}

	if !env.HasCiphertextMessage {
		return "", nil
	}
	if !env.HasCiphertextType {
		return "", fmt.Errorf("%w: ciphertext present without a ciphertext type", coreerr.ErrInvalidVersion)
	}

	plaintext, err := c.engine.Decrypt(env.CiphertextMessage, session.CiphertextType(env.CiphertextType), contact.RemoteAddress)
	if err != nil {
		return "", err
	}

	if err := c.contacts.LogMessage(StorageMessage{
		PeerAddress:      contact.RemoteAddress,
		SenderAddress:    contact.RemoteAddress,
		RecipientAddress: c.localAddr,
		Timestamp:        env.Timestamp,
		Text:             string(plaintext),
	}); err != nil {
		c.logger.Printf("warning: failed to log inbound message to history: %v", err)
	}
	return string(plaintext), nil
}

// EncodeEnvelope and DecodeEnvelope expose the Envelope Codec directly,
// for a transport layer that only ever sees bytes.
func EncodeEnvelope(env Envelope) []byte { return envelope.Encode(env) }
func DecodeEnvelope(data []byte) (Envelope, MessageType) { return envelope.Decode(data) }

func bundleToWire(b prekeys.Bundle, localAddr identity.LocalAddress) envelope.PreKeyResponse {
	dev := envelope.DeviceRecord{
		DeviceID:       int32(localAddr.DeviceID),
		RegistrationID: int32(b.RegistrationID),
		SignedPreKey: envelope.SignedPreKeyWire{
			KeyID:     int32(b.SignedPreKeyID),
			PublicKey: append([]byte(nil), b.SignedPreKeyPublic[:]...),
			Signature: append([]byte(nil), b.SignedPreKeySignature...),
		},
	}
	if b.HasOneTimePreKey {
		dev.HasPreKey = true
		dev.PreKey = envelope.PreKeyWire{
			KeyID:     int32(b.OneTimePreKeyID),
			PublicKey: append([]byte(nil), b.OneTimePreKeyPublic[:]...),
		}
	}
	return envelope.PreKeyResponse{
		IdentityKey:      append([]byte(nil), b.IdentityPublic...),
		Devices:          []envelope.DeviceRecord{dev},
		KyberPubKey:      append([]byte(nil), b.KyberPreKeyPublic...),
		HasKyberPreKeyID: true,
		KyberPreKeyID:    int32(b.KyberPreKeyID),
		KyberSignature:   append([]byte(nil), b.KyberPreKeySignature...),
	}
}

func wireToBundle(p envelope.PreKeyResponse) (prekeys.Bundle, error) {
	if len(p.Devices) == 0 {
		return prekeys.Bundle{}, fmt.Errorf("%w: preKeyResponse has no devices", coreerr.ErrBadBundle)
	}
	dev := p.Devices[0]
	if len(dev.SignedPreKey.PublicKey) != 32 {
		return prekeys.Bundle{}, fmt.Errorf("%w: signed pre-key public key wrong size", coreerr.ErrBadBundle)
	}

	b := prekeys.Bundle{
		IdentityPublic:        ed25519.PublicKey(append([]byte(nil), p.IdentityKey...)),
		RegistrationID:        uint32(dev.RegistrationID),
		DeviceID:              uint32(dev.DeviceID),
		SignedPreKeyID:        uint32(dev.SignedPreKey.KeyID),
		SignedPreKeySignature: append([]byte(nil), dev.SignedPreKey.Signature...),
		KyberPreKeyID:         uint32(p.KyberPreKeyID),
		KyberPreKeyPublic:     append([]byte(nil), p.KyberPubKey...),
		KyberPreKeySignature:  append([]byte(nil), p.KyberSignature...),
	}
	copy(b.SignedPreKeyPublic[:], dev.SignedPreKey.PublicKey)

	if dev.HasPreKey {
		if len(dev.PreKey.PublicKey) != 32 {
			return prekeys.Bundle{}, fmt.Errorf("%w: one-time pre-key public key wrong size", coreerr.ErrBadBundle)
		}
		b.HasOneTimePreKey = true
		b.OneTimePreKeyID = uint32(dev.PreKey.KeyID)
		copy(b.OneTimePreKeyPublic[:], dev.PreKey.PublicKey)
	}
	return b, nil
}
