package prekeys

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/atreststore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/blobstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/identity"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/protocolstore"
)

type memBlob struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{data: make(map[string]map[string][]byte)}
}

func (m *memBlob) Put(bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[bucket] == nil {
		m.data[bucket] = make(map[string][]byte)
	}
	m.data[bucket][key] = append([]byte(nil), value...)
	return nil
}

func (m *memBlob) Get(bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[bucket][key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memBlob) Delete(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[bucket], key)
	return nil
}

func (m *memBlob) List(bucket string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data[bucket]))
	for k := range m.data[bucket] {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	var masterKey [32]byte
	at := atreststore.New(newMemBlob(), masterKey)
	store := protocolstore.New(at)
	addr := identity.NewLocalAddress(1)
	return New(store, addr, cfg)
}

func defaultConfig() Config {
	return Config{RotationPeriod: 48 * time.Hour, ArchiveAge: 48 * time.Hour, OneTimeBatch: 2}
}

func TestInitializeBootstrapsAccount(t *testing.T) {
	m := newTestManager(t, defaultConfig())
	now := time.Now()
	require.NoError(t, m.Initialize(now))

	assert.NotEmpty(t, m.Identity().EdDSAPublic)
	assert.GreaterOrEqual(t, m.RegistrationID(), identity.MinRegistrationID)

	bundle, err := m.BuildPublishableBundle()
	require.NoError(t, err)
	assert.True(t, bundle.HasOneTimePreKey)
	assert.NotZero(t, bundle.SignedPreKeyID)
	assert.NotEmpty(t, bundle.KyberPreKeyPublic)
}

func TestLoadIdentityRestoresAccount(t *testing.T) {
	m := newTestManager(t, defaultConfig())
	require.NoError(t, m.Initialize(time.Now()))
	original := m.Identity()
	regID := m.RegistrationID()

	reloaded := newTestManager(t, defaultConfig())
	require.NoError(t, reloaded.LoadIdentity(original.Seed(), regID))
	assert.Equal(t, original.EdDSAPublic, reloaded.Identity().EdDSAPublic)
	assert.Equal(t, regID, reloaded.RegistrationID())
}

func TestBuildPublishableBundleSignaturesVerify(t *testing.T) {
	m := newTestManager(t, defaultConfig())
	require.NoError(t, m.Initialize(time.Now()))

	bundle, err := m.BuildPublishableBundle()
	require.NoError(t, err)
	assert.True(t, identity.Verify(bundle.IdentityPublic, bundle.SignedPreKeyPublic[:], bundle.SignedPreKeySignature))
	assert.True(t, identity.Verify(bundle.IdentityPublic, bundle.KyberPreKeyPublic, bundle.KyberPreKeySignature))
}

func TestRefreshSignedPreKeyOnlyRotatesWhenDue(t *testing.T) {
	m := newTestManager(t, defaultConfig())
	now := time.Now()
	require.NoError(t, m.Initialize(now))

	rotated, err := m.RefreshSignedPreKeyIfDue(now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, rotated, "rotation period is 48h, one hour later is not due")

	rotated, err = m.RefreshSignedPreKeyIfDue(now.Add(49 * time.Hour))
	require.NoError(t, err)
	assert.True(t, rotated)
}

func TestRefreshKyberPreKeyOnlyRotatesWhenDue(t *testing.T) {
	m := newTestManager(t, defaultConfig())
	now := time.Now()
	require.NoError(t, m.Initialize(now))

	rotated, err := m.RefreshKyberPreKeyIfDue(now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, rotated)

	rotated, err = m.RefreshKyberPreKeyIfDue(now.Add(49 * time.Hour))
	require.NoError(t, err)
	assert.True(t, rotated)
}

func TestReplenishOneTimeIfConsumedKeepsBundlesAvailable(t *testing.T) {
	m := newTestManager(t, defaultConfig())
	now := time.Now()
	require.NoError(t, m.Initialize(now))

	id, err := m.GetUnusedOneTimeID()
	require.NoError(t, err)
	before, ok := m.store.GetPreKey(id)
	require.True(t, ok)
	require.NoError(t, m.ReplenishOneTimeIfConsumed(id))

	after, ok := m.store.GetPreKey(id)
	require.True(t, ok)
	assert.NotEqual(t, before.KeyPair, after.KeyPair, "the key pair at the slot must be freshly generated")

	bundle, err := m.BuildPublishableBundle()
	require.NoError(t, err)
	assert.True(t, bundle.HasOneTimePreKey)
	assert.Equal(t, id, bundle.OneTimePreKeyID, "replenishment must reissue under the same id, per spec.md's one-time pre-key slot semantics")
}

func TestGetUnusedOneTimeIDSynthesizesWhenExhausted(t *testing.T) {
	m := newTestManager(t, Config{RotationPeriod: 48 * time.Hour, ArchiveAge: 48 * time.Hour, OneTimeBatch: 1})
	require.NoError(t, m.Initialize(time.Now()))

	first, err := m.GetUnusedOneTimeID()
	require.NoError(t, err)
	require.NoError(t, m.store.DeletePreKey(first))

	second, err := m.GetUnusedOneTimeID()
	require.NoError(t, err)
	assert.NotZero(t, second)
}
