// Package vaultkey implements the Hardware Key-Holder of spec.md §4.1: a
// scoped holder of the 256-bit AEAD master key, with the policy "available
// only after first unlock on this device, not exportable, not synced."
//
// The interface is grounded on the teacher's internal/security/hsm.go
// HSMProvider interface (narrowed to load_or_create/wipe of a single
// symmetric master key plus store/load of a few short named secrets, not
// a general signing/wrapping HSM). Two implementations satisfy it:
// SoftwareKeyHolder (adapted from the teacher's SoftwareHSM dev-only
// in-memory store, made durable as a 0600 master-key file plus a sibling
// "secrets" directory, since a real device's secure element would survive
// process restarts) and VaultKeyHolder (adapted from the
// teacher's internal/config VaultClient/GetSecretFromVault, repointed from
// "JWT secret in Vault" to "AEAD master key in Vault").
package vaultkey

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/xlog"
)

// MasterKeySize is the width of the AEAD master key (spec.md §4.1).
const MasterKeySize = 32

// Named secrets spec.md §6 lists as living directly in the
// hardware-protected secret store rather than in AEAD-sealed blobs:
// "identity_key_pair, local_registration_id, account_uuid,
// account_device_id, storage_master_key." The master key itself goes
// through LoadOrCreate; the other four go through
// StoreSecret/LoadSecret under these fixed names.
const (
	SecretIdentitySeed    = "identity_seed"
	SecretRegistrationID  = "registration_id"
	SecretAccountUUID     = "account_uuid"
	SecretAccountDeviceID = "account_device_id"
)

// secretNames is every name Wipe must purge alongside the master key
// itself, so a factory reset leaves nothing behind.
var secretNames = []string{SecretIdentitySeed, SecretRegistrationID, SecretAccountUUID, SecretAccountDeviceID}

// KeyHolder is the Hardware Key-Holder boundary, widened from spec.md
// §4.1's master-key-only description to also carry the handful of other
// short values §4.2 says belong in the same hardware-protected secret
// store rather than in an AEAD-sealed blob.
type KeyHolder interface {
	// LoadOrCreate is idempotent: on first call it generates a fresh
	// master key and stores it under the holder's access policy; on
	// later calls it returns the same key.
	LoadOrCreate(ctx context.Context) ([MasterKeySize]byte, error)

	// StoreSecret persists a short named value (see the Secret*
	// constants) directly in the hardware-protected store.
	StoreSecret(ctx context.Context, name string, value []byte) error

	// LoadSecret retrieves a value previously written by StoreSecret.
	LoadSecret(ctx context.Context, name string) (value []byte, found bool, err error)

	// Wipe purges the master key and every named secret, rendering all
	// at-rest blobs undecryptable and discarding the account identity:
	// the factory-reset primitive.
	Wipe(ctx context.Context) error
}

// SoftwareKeyHolder is a software-only stand-in for a hardware-backed
// secure element, for development and tests. Its doc comment carries the
// same warning the teacher's SoftwareHSM carries: this is not a substitute
// for real hardware backing.
//
// WARNING: software-only. NOT a substitute for a hardware-backed secure
// element. Do not use for anything but development and tests.
type SoftwareKeyHolder struct {
	path       string
	secretsDir string
	logger     *log.Logger
}

// NewSoftwareKeyHolder returns a holder that persists the master key at
// path with 0600 permissions, and named secrets alongside it in a
// sibling "secrets" directory.
func NewSoftwareKeyHolder(path string) *SoftwareKeyHolder {
	return &SoftwareKeyHolder{
		path:       path,
		secretsDir: filepath.Join(filepath.Dir(path), "secrets"),
		logger:     xlog.New("SOFTWARE-KEY-HOLDER"),
	}
}

func (s *SoftwareKeyHolder) LoadOrCreate(ctx context.Context) ([MasterKeySize]byte, error) {
	var key [MasterKeySize]byte

	if b, err := os.ReadFile(s.path); err == nil {
		if len(b) != MasterKeySize {
			return key, fmt.Errorf("vaultkey: stored master key at %s has wrong length %d", s.path, len(b))
		}
		copy(key[:], b)
		return key, nil
	} else if !os.IsNotExist(err) {
		return key, err
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("vaultkey: generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return key, err
	}
	if err := os.WriteFile(s.path, key[:], 0o600); err != nil {
		return key, err
	}
	s.logger.Printf("generated new master key at %s", s.path)
	return key, nil
}

func (s *SoftwareKeyHolder) StoreSecret(ctx context.Context, name string, value []byte) error {
	if err := os.MkdirAll(s.secretsDir, 0o700); err != nil {
		return fmt.Errorf("vaultkey: create secrets dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.secretsDir, name), value, 0o600); err != nil {
		return fmt.Errorf("vaultkey: store secret %s: %w", name, err)
	}
	return nil
}

func (s *SoftwareKeyHolder) LoadSecret(ctx context.Context, name string) ([]byte, bool, error) {
	b, err := os.ReadFile(filepath.Join(s.secretsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("vaultkey: load secret %s: %w", name, err)
	}
	return b, true, nil
}

func (s *SoftwareKeyHolder) Wipe(ctx context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err == nil {
		s.logger.Printf("wiped master key at %s", s.path)
	}
	if err := os.RemoveAll(s.secretsDir); err != nil {
		return fmt.Errorf("vaultkey: wipe secrets dir: %w", err)
	}
	return nil
}

// VaultKeyHolder backs the master key with HashiCorp Vault's KV v2 engine,
// the same client/mount/path shape as the teacher's config.VaultClient.
type VaultKeyHolder struct {
	client     *vaultapi.Client
	mountPath  string
	secretPath string
	logger     *log.Logger
}

// NewVaultKeyHolder connects to Vault at addr with token and returns a
// holder backed by the KV v2 secret at mountPath/secretPath.
func NewVaultKeyHolder(addr, token, mountPath, secretPath string) (*VaultKeyHolder, error) {
	cfg := &vaultapi.Config{Address: addr}
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vaultkey: create vault client: %w", err)
	}
	client.SetToken(token)

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("vaultkey: vault health check failed: %w", err)
	}

	logger := xlog.New("VAULT-KEY-HOLDER")
	logger.Printf("connected to vault at %s (mount=%s path=%s)", addr, mountPath, secretPath)

	return &VaultKeyHolder{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
		logger:     logger,
	}, nil
}

func (v *VaultKeyHolder) LoadOrCreate(ctx context.Context) ([MasterKeySize]byte, error) {
	var key [MasterKeySize]byte

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	secret, err := v.client.KVv2(v.mountPath).Get(cctx, v.secretPath)
	if err != nil && !errors.Is(err, vaultapi.ErrSecretNotFound) {
		return key, fmt.Errorf("vaultkey: read master key from vault: %w", err)
	}
	if err == nil && secret != nil && secret.Data != nil {
		encoded, _ := secret.Data["master_key"].(string)
		raw, decErr := base64.StdEncoding.DecodeString(encoded)
		if decErr != nil || len(raw) != MasterKeySize {
			return key, fmt.Errorf("vaultkey: stored master key in vault is malformed")
		}
		copy(key[:], raw)
		return key, nil
	}

	if _, genErr := rand.Read(key[:]); genErr != nil {
		return key, fmt.Errorf("vaultkey: generate master key: %w", genErr)
	}

	_, err = v.client.KVv2(v.mountPath).Put(cctx, v.secretPath, map[string]interface{}{
		"master_key": base64.StdEncoding.EncodeToString(key[:]),
	})
	if err != nil {
		return key, fmt.Errorf("vaultkey: store master key in vault: %w", err)
	}
	v.logger.Printf("generated and stored new master key in vault")
	return key, nil
}

func (v *VaultKeyHolder) secretPathFor(name string) string {
	return v.secretPath + "_" + name
}

func (v *VaultKeyHolder) StoreSecret(ctx context.Context, name string, value []byte) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := v.client.KVv2(v.mountPath).Put(cctx, v.secretPathFor(name), map[string]interface{}{
		"value": base64.StdEncoding.EncodeToString(value),
	})
	if err != nil {
		return fmt.Errorf("vaultkey: store secret %s in vault: %w", name, err)
	}
	return nil
}

func (v *VaultKeyHolder) LoadSecret(ctx context.Context, name string) ([]byte, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	secret, err := v.client.KVv2(v.mountPath).Get(cctx, v.secretPathFor(name))
	if err != nil || secret == nil || secret.Data == nil {
		return nil, false, nil
	}
	encoded, ok := secret.Data["value"].(string)
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, nil
	}
	return raw, true, nil
}

func (v *VaultKeyHolder) Wipe(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := v.client.KVv2(v.mountPath).Delete(cctx, v.secretPath); err != nil {
		return fmt.Errorf("vaultkey: delete master key from vault: %w", err)
	}
	for _, name := range secretNames {
		if err := v.client.KVv2(v.mountPath).Delete(cctx, v.secretPathFor(name)); err != nil {
			v.logger.Printf("warning: failed to delete secret %s from vault: %v", name, err)
		}
	}
	v.logger.Printf("wiped master key and secrets from vault")
	return nil
}
