// Package config loads the core's configuration knobs from the environment
// (with optional .env file support), the way the teacher's own config
// package loads server configuration.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every externally tunable knob spec.md §6 enumerates, plus the
// storage paths and optional Vault coordinates needed to construct the
// hardware key-holder and at-rest store.
type Config struct {
	// StorageRoot is the directory the at-rest store persists buckets
	// under: StorageRoot/blobs for the file blob store, and the database
	// file StorageRoot/blobs.sqlite3 for the SQLite blob store.
	StorageRoot string

	// RotationPeriod is the interval between signed- and Kyber-pre-key
	// rotations. Default 2 days (spec.md §4.3/§6).
	RotationPeriod time.Duration

	// ArchiveAge is how long a non-active signed/Kyber pre-key record is
	// retained before being purged. Default 2 days.
	ArchiveAge time.Duration

	// OneTimeBatch is how many one-time pre-keys are kept provisioned.
	// Default 2 (spec.md §9 flags this value for review but does not
	// change it).
	OneTimeBatch int

	// FingerprintIterations is the slow-hash round count the fingerprint
	// generator applies per side. Default 5200.
	FingerprintIterations int

	// MaxSkippedMessageKeys bounds the out-of-order receive window.
	// Default 2000.
	MaxSkippedMessageKeys int

	// StorageBackend selects the blobstore.Store implementation Open
	// constructs: "file" (default) for one file per bucket entry under
	// StorageRoot, or "sqlite" for a single SQLite database file at
	// StorageRoot/blobs.sqlite3.
	StorageBackend string

	// VaultAddr/VaultToken/VaultMount/VaultPath, when VaultAddr is
	// non-empty, select the Vault-backed hardware key-holder
	// implementation instead of the local file-backed one.
	VaultAddr  string
	VaultToken string
	VaultMount string
	VaultPath  string
}

const (
	defaultRotationPeriod        = 48 * time.Hour
	defaultArchiveAge            = 48 * time.Hour
	defaultOneTimeBatch          = 2
	defaultFingerprintIterations = 5200
	defaultMaxSkippedMessageKeys = 2000
	defaultStorageBackend        = "file"
)

// loadEnvFiles loads environment files in the same precedence order the
// teacher's chat server uses: .env -> .env.{NODE_ENV} -> .env.local.
func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

// Load reads configuration from the environment, applying spec.md's
// defaults for anything unset. Unlike the teacher's Load, nothing here is
// fatal: a core with no Vault coordinates simply falls back to the local
// file-backed key holder (see internal/vaultkey).
func Load() *Config {
	loadEnvFiles()

	cfg := &Config{
		StorageRoot:           getEnv("E2EE_STORAGE_ROOT", "./e2ee-data"),
		RotationPeriod:        getEnvDurationMs("E2EE_ROTATION_PERIOD_MS", defaultRotationPeriod),
		ArchiveAge:            getEnvDurationMs("E2EE_ARCHIVE_AGE_MS", defaultArchiveAge),
		OneTimeBatch:          getEnvInt("E2EE_ONE_TIME_BATCH", defaultOneTimeBatch),
		FingerprintIterations: getEnvInt("E2EE_FINGERPRINT_ITERATIONS", defaultFingerprintIterations),
		MaxSkippedMessageKeys: getEnvInt("E2EE_MAX_SKIPPED_MESSAGE_KEYS", defaultMaxSkippedMessageKeys),
		StorageBackend:        getEnv("E2EE_STORAGE_BACKEND", defaultStorageBackend),
		VaultAddr:             os.Getenv("VAULT_ADDR"),
		VaultToken:            os.Getenv("VAULT_TOKEN"),
		VaultMount:            getEnv("VAULT_MOUNT_PATH", "secret"),
		VaultPath:             getEnv("VAULT_SECRET_PATH", "e2eecore/master-key"),
	}

	if cfg.OneTimeBatch < 1 {
		log.Printf("Warning: E2EE_ONE_TIME_BATCH must be >= 1, forcing 1 (configured %d)", cfg.OneTimeBatch)
		cfg.OneTimeBatch = 1
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationMs(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(parsed) * time.Millisecond
		}
	}
	return defaultValue
}
