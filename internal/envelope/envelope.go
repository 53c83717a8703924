// Package envelope implements the Envelope Codec of spec.md §4.5/§6: a
// canonical, schema-explicit binary encoding of MessageEnvelope — fixed
// field tags, length-prefixed byte strings, fixed-width integers — and
// never a JSON-shaped framing.
//
// The tagged-field shape (a byte tag, a big-endian length, then the
// value) is grounded on the teacher's internal/security/sealed_sender.go
// manual packing (combinedData[0:4] as a big-endian length prefix ahead
// of each variable-length section); this package generalizes that single
// fixed-order packing into a small self-describing TLV scheme so that
// every field in §6 can be optional and the codec can reject duplicate
// fields on decode, which a purely positional format cannot express.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType is the discriminator §4.5 computes over a decoded envelope.
type MessageType int

const (
	Invalid MessageType = iota
	UpdatedPreKeyResponseAndSignalMessage
	PreKeyResponseMessage
	SignalMessage
)

func (t MessageType) String() string {
	switch t {
	case UpdatedPreKeyResponseAndSignalMessage:
		return "UpdatedPreKeyResponseAndSignalMessage"
	case PreKeyResponseMessage:
		return "PreKeyResponseMessage"
	case SignalMessage:
		return "SignalMessage"
	default:
		return "Invalid"
	}
}

// CiphertextType mirrors internal/session.CiphertextType without
// importing it, so the codec stays a pure, engine-independent layer per
// spec.md §4.5 ("The codec is pure; it never touches the store or the
// engine.").
type CiphertextType int32

const (
	Whisper CiphertextType = 2
	PreKey  CiphertextType = 3
)

// SignedPreKeyWire is the nested signedPreKey record of §6.
type SignedPreKeyWire struct {
	KeyID     int32
	PublicKey []byte
	Signature []byte
}

// PreKeyWire is the nested preKey record of §6.
type PreKeyWire struct {
	KeyID     int32
	PublicKey []byte
}

// DeviceRecord is one device entry of preKeyResponse.devices (§6). This
// module always emits exactly one, since multi-device sync is a
// non-goal, but the wire format carries a sequence.
type DeviceRecord struct {
	DeviceID       int32
	RegistrationID int32
	SignedPreKey   SignedPreKeyWire
	PreKey         PreKeyWire
	HasPreKey      bool
}

// PreKeyResponse is the nested preKeyResponse record of §6.
type PreKeyResponse struct {
	IdentityKey      []byte
	Devices          []DeviceRecord
	KyberPubKey      []byte
	HasKyberPreKeyID bool
	KyberPreKeyID    int32
	KyberSignature   []byte
}

// Envelope is the canonical in-memory form of MessageEnvelope (spec.md §3).
type Envelope struct {
	SignalProtocolAddressName string
	DeviceID                  int32
	Timestamp                 int64

	HasCiphertextMessage bool
	CiphertextMessage    []byte

	HasCiphertextType bool
	CiphertextType    CiphertextType

	PreKeyResponse *PreKeyResponse
}

// Classify implements §4.5's message-type discrimination.
func Classify(e Envelope) MessageType {
	switch {
	case e.PreKeyResponse != nil && e.HasCiphertextMessage:
		return UpdatedPreKeyResponseAndSignalMessage
	case e.PreKeyResponse != nil:
		return PreKeyResponseMessage
	case e.HasCiphertextMessage:
		return SignalMessage
	default:
		return Invalid
	}
}

// Top-level field tags.
const (
	tagAddressName    byte = 0x01
	tagDeviceID       byte = 0x02
	tagTimestamp      byte = 0x03
	tagCiphertextMsg  byte = 0x04
	tagCiphertextType byte = 0x05
	tagPreKeyResponse byte = 0x06
)

// preKeyResponse field tags (own tag space, nested inside tagPreKeyResponse).
const (
	tagPKRIdentityKey   byte = 0x01
	tagPKRDevices       byte = 0x02
	tagPKRKyberPub      byte = 0x03
	tagPKRKyberPreKeyID byte = 0x04
	tagPKRKyberSig      byte = 0x05
)

// device record field tags.
const (
	tagDevDeviceID       byte = 0x01
	tagDevRegistrationID byte = 0x02
	tagDevSignedPreKey   byte = 0x03
	tagDevPreKey         byte = 0x04
)

// signedPreKey/preKey nested field tags (shared tag space, each only
// ever nested one level below a device record).
const (
	tagKeyID     byte = 0x01
	tagPublicKey byte = 0x02
	tagSignature byte = 0x03
)

type writer struct {
	buf []byte
}

func (w *writer) putField(tag byte, value []byte) {
	w.buf = append(w.buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	w.buf = append(w.buf, lenBuf[:]...)
	w.buf = append(w.buf, value...)
}

func (w *writer) putInt32(tag byte, v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.putField(tag, b[:])
}

func (w *writer) putInt64(tag byte, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.putField(tag, b[:])
}

func (w *writer) putBytes(tag byte, v []byte) {
	w.putField(tag, v)
}

func (w *writer) putString(tag byte, v string) {
	w.putField(tag, []byte(v))
}

func (w *writer) putNested(tag byte, nested []byte) {
	w.putField(tag, nested)
}

// Encode serializes e into its canonical wire form. Encode never fails:
// every in-memory Envelope is representable.
func Encode(e Envelope) []byte {
	w := &writer{}
	w.putString(tagAddressName, e.SignalProtocolAddressName)
	w.putInt32(tagDeviceID, e.DeviceID)
	w.putInt64(tagTimestamp, e.Timestamp)
	if e.HasCiphertextMessage {
		w.putBytes(tagCiphertextMsg, e.CiphertextMessage)
	}
	if e.HasCiphertextType {
		w.putInt32(tagCiphertextType, int32(e.CiphertextType))
	}
	if e.PreKeyResponse != nil {
		w.putNested(tagPreKeyResponse, encodePreKeyResponse(*e.PreKeyResponse))
	}
	return w.buf
}

func encodePreKeyResponse(p PreKeyResponse) []byte {
	w := &writer{}
	w.putBytes(tagPKRIdentityKey, p.IdentityKey)
	devBuf := &writer{}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(p.Devices)))
	devBuf.buf = append(devBuf.buf, countBuf[:]...)
	for _, d := range p.Devices {
		enc := encodeDeviceRecord(d)
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(enc)))
		devBuf.buf = append(devBuf.buf, l[:]...)
		devBuf.buf = append(devBuf.buf, enc...)
	}
	w.putNested(tagPKRDevices, devBuf.buf)
	if p.KyberPubKey != nil {
		w.putBytes(tagPKRKyberPub, p.KyberPubKey)
	}
	if p.HasKyberPreKeyID {
		w.putInt32(tagPKRKyberPreKeyID, p.KyberPreKeyID)
	}
	if p.KyberSignature != nil {
		w.putBytes(tagPKRKyberSig, p.KyberSignature)
	}
	return w.buf
}

func encodeDeviceRecord(d DeviceRecord) []byte {
	w := &writer{}
	w.putInt32(tagDevDeviceID, d.DeviceID)
	w.putInt32(tagDevRegistrationID, d.RegistrationID)
	w.putNested(tagDevSignedPreKey, encodeSignedPreKey(d.SignedPreKey))
	if d.HasPreKey {
		w.putNested(tagDevPreKey, encodePreKey(d.PreKey))
	}
	return w.buf
}

func encodeSignedPreKey(s SignedPreKeyWire) []byte {
	w := &writer{}
	w.putInt32(tagKeyID, s.KeyID)
	w.putBytes(tagPublicKey, s.PublicKey)
	w.putBytes(tagSignature, s.Signature)
	return w.buf
}

func encodePreKey(p PreKeyWire) []byte {
	w := &writer{}
	w.putInt32(tagKeyID, p.KeyID)
	w.putBytes(tagPublicKey, p.PublicKey)
	return w.buf
}

// rawField is one parsed (tag, value) pair prior to field-specific
// interpretation.
type rawField struct {
	tag   byte
	value []byte
}

// splitFields parses data into a tag-ordered sequence of raw fields,
// rejecting anything structurally malformed (truncated length prefix,
// length running past the end of data) by returning ok=false rather
// than panicking — this is the only place truncated/mutated input is
// handled, so every caller above it can assume well-formed fields.
func splitFields(data []byte) ([]rawField, bool) {
	var fields []rawField
	for len(data) > 0 {
		if len(data) < 5 {
			return nil, false
		}
		tag := data[0]
		length := binary.BigEndian.Uint32(data[1:5])
		data = data[5:]
		if uint64(length) > uint64(len(data)) {
			return nil, false
		}
		fields = append(fields, rawField{tag: tag, value: data[:length]})
		data = data[length:]
	}
	return fields, true
}

var errDuplicateField = errors.New("envelope: duplicate field")
var errMalformed = errors.New("envelope: malformed encoding")

// fieldMap resolves raw fields into a tag -> value map, rejecting
// duplicate tags per spec.md §4.5 ("MUST reject duplicates").
func fieldMap(fields []rawField) (map[byte][]byte, error) {
	m := make(map[byte][]byte, len(fields))
	for _, f := range fields {
		if _, dup := m[f.tag]; dup {
			return nil, fmt.Errorf("%w: tag 0x%02x", errDuplicateField, f.tag)
		}
		m[f.tag] = f.value
	}
	return m, nil
}

func decodeInt32(b []byte) (int32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(b)), true
}

func decodeInt64(b []byte) (int64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b)), true
}

// Decode parses data into an Envelope and classifies it. It never
// panics: any structurally invalid input — truncated fields, duplicate
// tags, a malformed nested record, an out-of-range ciphertextType —
// yields (zero Envelope, Invalid), per spec.md §8 Property 1.
func Decode(data []byte) (env Envelope, msgType MessageType) {
	defer func() {
		if recover() != nil {
			env, msgType = Envelope{}, Invalid
		}
	}()

	e, err := decodeEnvelope(data)
	if err != nil {
		return Envelope{}, Invalid
	}
	t := Classify(e)
	if t == Invalid {
		return Envelope{}, Invalid
	}
	return e, t
}

func decodeEnvelope(data []byte) (Envelope, error) {
	fields, ok := splitFields(data)
	if !ok {
		return Envelope{}, errMalformed
	}
	m, err := fieldMap(fields)
	if err != nil {
		return Envelope{}, err
	}

	var e Envelope
	if v, ok := m[tagAddressName]; ok {
		e.SignalProtocolAddressName = string(v)
	} else {
		return Envelope{}, fmt.Errorf("%w: missing signalProtocolAddressName", errMalformed)
	}
	if v, ok := m[tagDeviceID]; ok {
		n, ok := decodeInt32(v)
		if !ok {
			return Envelope{}, fmt.Errorf("%w: deviceId", errMalformed)
		}
		e.DeviceID = n
	} else {
		return Envelope{}, fmt.Errorf("%w: missing deviceId", errMalformed)
	}
	if v, ok := m[tagTimestamp]; ok {
		n, ok := decodeInt64(v)
		if !ok {
			return Envelope{}, fmt.Errorf("%w: timestamp", errMalformed)
		}
		e.Timestamp = n
	} else {
		return Envelope{}, fmt.Errorf("%w: missing timestamp", errMalformed)
	}
	if v, ok := m[tagCiphertextMsg]; ok {
		e.HasCiphertextMessage = true
		e.CiphertextMessage = append([]byte(nil), v...)
	}
	if v, ok := m[tagCiphertextType]; ok {
		n, ok := decodeInt32(v)
		if !ok {
			return Envelope{}, fmt.Errorf("%w: ciphertextType", errMalformed)
		}
		if n != int32(Whisper) && n != int32(PreKey) {
			return Envelope{}, fmt.Errorf("%w: ciphertextType value %d", errMalformed, n)
		}
		e.HasCiphertextType = true
		e.CiphertextType = CiphertextType(n)
	}
	if v, ok := m[tagPreKeyResponse]; ok {
		p, err := decodePreKeyResponse(v)
		if err != nil {
			return Envelope{}, err
		}
		e.PreKeyResponse = &p
	}
	return e, nil
}

func decodePreKeyResponse(data []byte) (PreKeyResponse, error) {
	fields, ok := splitFields(data)
	if !ok {
		return PreKeyResponse{}, errMalformed
	}
	m, err := fieldMap(fields)
	if err != nil {
		return PreKeyResponse{}, err
	}

	var p PreKeyResponse
	v, ok := m[tagPKRIdentityKey]
	if !ok {
		return PreKeyResponse{}, fmt.Errorf("%w: missing identityKey", errMalformed)
	}
	p.IdentityKey = append([]byte(nil), v...)

	devData, ok := m[tagPKRDevices]
	if !ok {
		return PreKeyResponse{}, fmt.Errorf("%w: missing devices", errMalformed)
	}
	devices, err := decodeDeviceSequence(devData)
	if err != nil {
		return PreKeyResponse{}, err
	}
	p.Devices = devices

	if v, ok := m[tagPKRKyberPub]; ok {
		p.KyberPubKey = append([]byte(nil), v...)
	}
	if v, ok := m[tagPKRKyberPreKeyID]; ok {
		n, ok := decodeInt32(v)
		if !ok {
			return PreKeyResponse{}, fmt.Errorf("%w: kyberPreKeyId", errMalformed)
		}
		p.HasKyberPreKeyID = true
		p.KyberPreKeyID = n
	}
	if v, ok := m[tagPKRKyberSig]; ok {
		p.KyberSignature = append([]byte(nil), v...)
	}
	return p, nil
}

func decodeDeviceSequence(data []byte) ([]DeviceRecord, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: devices count", errMalformed)
	}
	count := binary.BigEndian.Uint32(data[0:4])
	data = data[4:]
	devices := make([]DeviceRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: device length", errMalformed)
		}
		l := binary.BigEndian.Uint32(data[0:4])
		data = data[4:]
		if uint64(l) > uint64(len(data)) {
			return nil, fmt.Errorf("%w: device length overruns buffer", errMalformed)
		}
		d, err := decodeDeviceRecord(data[:l])
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
		data = data[l:]
	}
	return devices, nil
}

func decodeDeviceRecord(data []byte) (DeviceRecord, error) {
	fields, ok := splitFields(data)
	if !ok {
		return DeviceRecord{}, errMalformed
	}
	m, err := fieldMap(fields)
	if err != nil {
		return DeviceRecord{}, err
	}

	var d DeviceRecord
	v, ok := m[tagDevDeviceID]
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: missing device deviceId", errMalformed)
	}
	n, ok := decodeInt32(v)
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: device deviceId", errMalformed)
	}
	d.DeviceID = n

	v, ok = m[tagDevRegistrationID]
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: missing registrationId", errMalformed)
	}
	n, ok = decodeInt32(v)
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: registrationId", errMalformed)
	}
	d.RegistrationID = n

	v, ok = m[tagDevSignedPreKey]
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: missing signedPreKey", errMalformed)
	}
	sp, err := decodeSignedPreKey(v)
	if err != nil {
		return DeviceRecord{}, err
	}
	d.SignedPreKey = sp

	if v, ok := m[tagDevPreKey]; ok {
		pk, err := decodePreKey(v)
		if err != nil {
			return DeviceRecord{}, err
		}
		d.PreKey = pk
		d.HasPreKey = true
	}
	return d, nil
}

func decodeSignedPreKey(data []byte) (SignedPreKeyWire, error) {
	fields, ok := splitFields(data)
	if !ok {
		return SignedPreKeyWire{}, errMalformed
	}
	m, err := fieldMap(fields)
	if err != nil {
		return SignedPreKeyWire{}, err
	}
	var s SignedPreKeyWire
	v, ok := m[tagKeyID]
	if !ok {
		return SignedPreKeyWire{}, fmt.Errorf("%w: missing signedPreKey.keyId", errMalformed)
	}
	n, ok := decodeInt32(v)
	if !ok {
		return SignedPreKeyWire{}, fmt.Errorf("%w: signedPreKey.keyId", errMalformed)
	}
	s.KeyID = n
	pub, ok := m[tagPublicKey]
	if !ok {
		return SignedPreKeyWire{}, fmt.Errorf("%w: missing signedPreKey.publicKey", errMalformed)
	}
	s.PublicKey = append([]byte(nil), pub...)
	sig, ok := m[tagSignature]
	if !ok {
		return SignedPreKeyWire{}, fmt.Errorf("%w: missing signedPreKey.signature", errMalformed)
	}
	s.Signature = append([]byte(nil), sig...)
	return s, nil
}

func decodePreKey(data []byte) (PreKeyWire, error) {
	fields, ok := splitFields(data)
	if !ok {
		return PreKeyWire{}, errMalformed
	}
	m, err := fieldMap(fields)
	if err != nil {
		return PreKeyWire{}, err
	}
	var p PreKeyWire
	v, ok := m[tagKeyID]
	if !ok {
		return PreKeyWire{}, fmt.Errorf("%w: missing preKey.keyId", errMalformed)
	}
	n, ok := decodeInt32(v)
	if !ok {
		return PreKeyWire{}, fmt.Errorf("%w: preKey.keyId", errMalformed)
	}
	p.KeyID = n
	pub, ok := m[tagPublicKey]
	if !ok {
		return PreKeyWire{}, fmt.Errorf("%w: missing preKey.publicKey", errMalformed)
	}
	p.PublicKey = append([]byte(nil), pub...)
	return p, nil
}
