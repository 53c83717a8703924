package contacts

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/atreststore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/blobstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/coreerr"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/identity"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/prekeys"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/protocolstore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/session"
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

func newManager(t *testing.T) (*Manager, identity.LocalAddress) {
	t.Helper()
	var masterKey [32]byte
	at := atreststore.New(newMemBlob(), masterKey)
	store := protocolstore.New(at)
	localAddr := identity.NewLocalAddress(1)
	pm := prekeys.New(store, localAddr, prekeys.Config{
		RotationPeriod: 48 * time.Hour,
		ArchiveAge:     48 * time.Hour,
		OneTimeBatch:   2,
	})
	require.NoError(t, pm.Initialize(time.Now()))
	engine := session.New(store, pm, localAddr, 2000)
	return New(at, engine), localAddr
}

func TestAddContact(t *testing.T) {
	t.Run("TestAddThenGet", func(t *testing.T) {
		m, _ := newManager(t)
		peer := identity.NewLocalAddress(1)
		require.NoError(t, m.AddContact(Contact{RemoteAddress: peer, FirstName: "Bob"}))

		got, err := m.GetContact(peer)
		require.NoError(t, err)
		assert.Equal(t, "Bob", got.FirstName)
		assert.False(t, got.Verified)
	})

	t.Run("TestDuplicateContactFails", func(t *testing.T) {
		m, _ := newManager(t)
		peer := identity.NewLocalAddress(1)
		require.NoError(t, m.AddContact(Contact{RemoteAddress: peer}))
		err := m.AddContact(Contact{RemoteAddress: peer})
		assert.ErrorIs(t, err, coreerr.ErrDuplicateContact)
	})

	t.Run("TestEmptyAddressFails", func(t *testing.T) {
		m, _ := newManager(t)
		err := m.AddContact(Contact{})
		assert.ErrorIs(t, err, coreerr.ErrInvalidContact)
	})

	t.Run("TestUnknownContactFails", func(t *testing.T) {
		m, _ := newManager(t)
		_, err := m.GetContact(identity.NewLocalAddress(1))
		assert.ErrorIs(t, err, coreerr.ErrUnknownContact)
	})
}

func TestVerifyContact(t *testing.T) {
	m, _ := newManager(t)
	peer := identity.NewLocalAddress(1)
	require.NoError(t, m.AddContact(Contact{RemoteAddress: peer}))
	require.NoError(t, m.VerifyContact(peer))

	got, err := m.GetContact(peer)
	require.NoError(t, err)
	assert.True(t, got.Verified)
}

func TestMessageHistory(t *testing.T) {
	m, local := newManager(t)
	peer := identity.NewLocalAddress(1)
	require.NoError(t, m.AddContact(Contact{RemoteAddress: peer}))

	require.NoError(t, m.LogMessage(StorageMessage{PeerAddress: peer, SenderAddress: local, RecipientAddress: peer, Timestamp: 100, Text: "first"}))
	require.NoError(t, m.LogMessage(StorageMessage{PeerAddress: peer, SenderAddress: peer, RecipientAddress: local, Timestamp: 50, Text: "second"}))

	history, err := m.History(peer)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Text, "history must be sorted by timestamp ascending")
	assert.Equal(t, "first", history[1].Text)
}

func TestRemoveContactCascades(t *testing.T) {
	m, local := newManager(t)
	peer := identity.NewLocalAddress(1)
	require.NoError(t, m.AddContact(Contact{RemoteAddress: peer}))
	require.NoError(t, m.LogMessage(StorageMessage{PeerAddress: peer, SenderAddress: local, RecipientAddress: peer, Timestamp: 1, Text: "hi"}))

	require.NoError(t, m.RemoveContact(peer))

	_, err := m.GetContact(peer)
	assert.ErrorIs(t, err, coreerr.ErrUnknownContact)

	history, err := m.History(peer)
	require.NoError(t, err)
	assert.Empty(t, history)
}
