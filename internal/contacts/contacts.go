// Package contacts implements Contacts & Message History (spec.md §4.7):
// append-only contact records with explicit removal, and a local
// plaintext message log protected only by the at-rest AEAD wrapper —
// never by the session ratchet, which protects the wire, not the disk.
//
// The entity shapes follow the teacher's internal/models/messages.go
// struct-field conventions (plain exported fields, no business logic on
// the struct itself); persistence goes through internal/atreststore's
// contacts/messages buckets rather than the teacher's Postgres tables,
// since this module has no server.
package contacts

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/jaydenbeard/keyboard-e2ee-core/internal/atreststore"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/coreerr"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/identity"
	"github.com/jaydenbeard/keyboard-e2ee-core/internal/session"
)

// Contact is the Contact entity of spec.md §3. Equality is on
// RemoteAddress only.
type Contact struct {
	RemoteAddress identity.LocalAddress
	FirstName     string
	LastName      string
	Verified      bool
}

// StorageMessage is the plaintext history entry of spec.md §3.
type StorageMessage struct {
	PeerAddress      identity.LocalAddress
	SenderAddress    identity.LocalAddress
	RecipientAddress identity.LocalAddress
	Timestamp        int64
	Text             string
}

// Manager owns contact and message persistence and cascades contact
// removal into the Session Engine.
type Manager struct {
	at     *atreststore.Store
	engine *session.Engine
}

// New constructs a Manager backed by at and engine (for the removal
// cascade: deleting a contact also deletes its session and trusted
// identity).
func New(at *atreststore.Store, engine *session.Engine) *Manager {
	return &Manager{at: at, engine: engine}
}

func encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("contacts: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decode(b []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("contacts: decode: %w", err)
	}
	return nil
}

// AddContact appends a new contact. It fails with DuplicateContact if
// the remote address is already known, and with InvalidContact if the
// address is the zero value.
func (m *Manager) AddContact(c Contact) error {
	if c.RemoteAddress.UUID == "" {
		return fmt.Errorf("%w: empty remote address", coreerr.ErrInvalidContact)
	}
	key := c.RemoteAddress.String()
	if _, found, err := m.at.Get(atreststore.BucketContacts, key, nil); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	} else if found {
		return fmt.Errorf("%w: %s", coreerr.ErrDuplicateContact, key)
	}
	return m.putContact(c)
}

func (m *Manager) putContact(c Contact) error {
	b, err := encode(c)
	if err != nil {
		return err
	}
	if err := m.at.Put(atreststore.BucketContacts, c.RemoteAddress.String(), b); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	return nil
}

// GetContact looks up a contact by remote address.
func (m *Manager) GetContact(addr identity.LocalAddress) (Contact, error) {
	b, found, err := m.at.Get(atreststore.BucketContacts, addr.String(), nil)
	if err != nil {
		return Contact{}, fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	if !found {
		return Contact{}, fmt.Errorf("%w: %s", coreerr.ErrUnknownContact, addr)
	}
	var c Contact
	if err := decode(b, &c); err != nil {
		return Contact{}, err
	}
	return c, nil
}

// ListContacts returns every known contact, sorted by remote address
// for deterministic iteration order.
func (m *Manager) ListContacts() ([]Contact, error) {
	keys, err := m.at.List(atreststore.BucketContacts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	sort.Strings(keys)
	contacts := make([]Contact, 0, len(keys))
	for _, k := range keys {
		b, found, err := m.at.Get(atreststore.BucketContacts, k, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
		}
		if !found {
			continue
		}
		var c Contact
		if err := decode(b, &c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

// VerifyContact flips a contact's verified flag to true, per spec.md
// §4.7's verify_contact.
func (m *Manager) VerifyContact(addr identity.LocalAddress) error {
	c, err := m.GetContact(addr)
	if err != nil {
		return err
	}
	c.Verified = true
	return m.putContact(c)
}

// RemoveContact deletes the contact record, its session record, its
// trusted identity, and all local history for that peer, per spec.md
// §4.7.
func (m *Manager) RemoveContact(addr identity.LocalAddress) error {
	if _, err := m.GetContact(addr); err != nil {
		return err
	}
	msgs, err := m.messageKeysFor(addr)
	if err != nil {
		return err
	}
	for _, key := range msgs {
		if err := m.at.Delete(atreststore.BucketMessages, key); err != nil {
			return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
		}
	}
	if err := m.at.Delete(atreststore.BucketContacts, addr.String()); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	if err := m.engine.RemoveSession(addr); err != nil {
		return err
	}
	return nil
}

func messageKeyPrefix(peer identity.LocalAddress) string {
	return peer.String() + "/"
}

func (m *Manager) messageKeysFor(peer identity.LocalAddress) ([]string, error) {
	keys, err := m.at.List(atreststore.BucketMessages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	prefix := messageKeyPrefix(peer)
	var matched []string
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			matched = append(matched, k)
		}
	}
	return matched, nil
}

// LogMessage appends a plaintext history entry for msg.PeerAddress.
func (m *Manager) LogMessage(msg StorageMessage) error {
	key := messageKeyPrefix(msg.PeerAddress) + uuid.NewString()
	b, err := encode(msg)
	if err != nil {
		return err
	}
	if err := m.at.Put(atreststore.BucketMessages, key, b); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
	}
	return nil
}

// History returns every stored message for peer, ordered by timestamp.
func (m *Manager) History(peer identity.LocalAddress) ([]StorageMessage, error) {
	keys, err := m.messageKeysFor(peer)
	if err != nil {
		return nil, err
	}
	msgs := make([]StorageMessage, 0, len(keys))
	for _, k := range keys {
		b, found, err := m.at.Get(atreststore.BucketMessages, k, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", coreerr.ErrStorageUnavailable, err)
		}
		if !found {
			continue
		}
		var msg StorageMessage
		if err := decode(b, &msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp < msgs[j].Timestamp })
	return msgs, nil
}
