package session

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
)

// memBlob is an in-memory blobstore.Store for tests, avoiding any
// filesystem dependency.
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

const testMaxSkipped = 2000

type account struct {
	addr    identity.LocalAddress
	store   *protocolstore.Store
	prekeys *prekeys.Manager
	engine  *Engine
}

func newAccount(t *testing.T, deviceID uint32) *account {
	t.Helper()
	var masterKey [32]byte
	for i := range masterKey {
		masterKey[i] = byte(i + int(deviceID))
	}
	at := atreststore.New(newMemBlob(), masterKey)
	store := protocolstore.New(at)
	addr := identity.NewLocalAddress(deviceID)
	pm := prekeys.New(store, addr, prekeys.Config{
		RotationPeriod: 48 * time.Hour,
		ArchiveAge:     48 * time.Hour,
		OneTimeBatch:   2,
	})
	require.NoError(t, pm.Initialize(time.Now()))
	engine := New(store, pm, addr, testMaxSkipped)
	return &account{addr: addr, store: store, prekeys: pm, engine: engine}
}

func establishSession(t *testing.T, initiator, responder *account) {
	t.Helper()
	bundle, err := responder.prekeys.BuildPublishableBundle()
	require.NoError(t, err)
	require.NoError(t, initiator.engine.ProcessIncomingBundle(bundle, responder.addr))
}

func TestPQXDHHandshakeAndExchange(t *testing.T) {
	t.Run("TestFirstMessageIsPreKeyType", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		establishSession(t, alice, bob)

		ciphertext, ctype, err := alice.engine.Encrypt([]byte("hello bob"), bob.addr)
		require.NoError(t, err)
		assert.Equal(t, PREKEY, ctype)

		plaintext, err := bob.engine.Decrypt(ciphertext, ctype, alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "hello bob", string(plaintext))
	})

	t.Run("TestSecondMessageIsWhisperType", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		establishSession(t, alice, bob)

		c1, t1, err := alice.engine.Encrypt([]byte("first"), bob.addr)
		require.NoError(t, err)
		_, err = bob.engine.Decrypt(c1, t1, alice.addr)
		require.NoError(t, err)

		c2, t2, err := alice.engine.Encrypt([]byte("second"), bob.addr)
		require.NoError(t, err)
		assert.Equal(t, WHISPER, t2)

		plaintext, err := bob.engine.Decrypt(c2, t2, alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "second", string(plaintext))
	})

	t.Run("TestBidirectionalExchange", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		establishSession(t, alice, bob)

		c1, t1, err := alice.engine.Encrypt([]byte("hi bob"), bob.addr)
		require.NoError(t, err)
		_, err = bob.engine.Decrypt(c1, t1, alice.addr)
		require.NoError(t, err)

		c2, t2, err := bob.engine.Encrypt([]byte("hi alice"), alice.addr)
		require.NoError(t, err)
		plaintext, err := alice.engine.Decrypt(c2, t2, bob.addr)
		require.NoError(t, err)
		assert.Equal(t, "hi alice", string(plaintext))

		c3, t3, err := alice.engine.Encrypt([]byte("how are you"), bob.addr)
		require.NoError(t, err)
		plaintext, err = bob.engine.Decrypt(c3, t3, alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "how are you", string(plaintext))
	})

	t.Run("TestReplayOfPreKeyMessageIsDuplicate", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		establishSession(t, alice, bob)

		ciphertext, ctype, err := alice.engine.Encrypt([]byte("hello"), bob.addr)
		require.NoError(t, err)
		_, err = bob.engine.Decrypt(ciphertext, ctype, alice.addr)
		require.NoError(t, err)

		_, err = bob.engine.Decrypt(ciphertext, ctype, alice.addr)
		assert.ErrorIs(t, err, coreerr.ErrDuplicate)
	})

	t.Run("TestOutOfOrderDeliveryStillDecrypts", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		establishSession(t, alice, bob)

		// The very first message establishes bob's session (PREKEY
		// type); only the messages after it can arrive out of order on
		// an already-established chain.
		c0, t0, err := alice.engine.Encrypt([]byte("first"), bob.addr)
		require.NoError(t, err)
		_, err = bob.engine.Decrypt(c0, t0, alice.addr)
		require.NoError(t, err)

		var ciphertexts [][]byte
		var ctypes []CiphertextType
		for i := 0; i < 3; i++ {
			c, ct, err := alice.engine.Encrypt([]byte{byte('a' + i)}, bob.addr)
			require.NoError(t, err)
			ciphertexts = append(ciphertexts, c)
			ctypes = append(ctypes, ct)
		}

		// Deliver message 2 before message 1; message 1 arrives via a
		// skipped-key entry created while decrypting message 2.
		p2, err := bob.engine.Decrypt(ciphertexts[1], ctypes[1], alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "b", string(p2))

		p1, err := bob.engine.Decrypt(ciphertexts[0], ctypes[0], alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "a", string(p1))

		p3, err := bob.engine.Decrypt(ciphertexts[2], ctypes[2], alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "c", string(p3))
	})

	t.Run("TestDecryptWithoutSessionFails", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		_, err := alice.engine.Decrypt([]byte("garbage"), WHISPER, bob.addr)
		assert.Error(t, err)
	})

	t.Run("TestEncryptWithoutSessionFails", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		_, _, err := alice.engine.Encrypt([]byte("hi"), bob.addr)
		assert.Error(t, err)
	})

	t.Run("TestRemoveSessionDropsState", func(t *testing.T) {
		alice := newAccount(t, 1)
		bob := newAccount(t, 1)
		establishSession(t, alice, bob)
		require.True(t, alice.engine.HasSession(bob.addr))
		require.NoError(t, alice.engine.RemoveSession(bob.addr))
		assert.False(t, alice.engine.HasSession(bob.addr))
	})
}
