package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSignalMessage() Envelope {
	return Envelope{
		SignalProtocolAddressName: "11111111-1111-1111-1111-111111111111",
		DeviceID:                  1,
		Timestamp:                 1700000000000,
		HasCiphertextMessage:      true,
		CiphertextMessage:         []byte{0x01, 0x02, 0x03, 0x04},
		HasCiphertextType:         true,
		CiphertextType:            Whisper,
	}
}

func samplePreKeyResponse() *PreKeyResponse {
	return &PreKeyResponse{
		IdentityKey: []byte("identity-public-key-bytes"),
		Devices: []DeviceRecord{
			{
				DeviceID:       1,
				RegistrationID: 42,
				SignedPreKey: SignedPreKeyWire{
					KeyID:     7,
					PublicKey: []byte("signed-pre-key-public"),
					Signature: []byte("signed-pre-key-signature"),
				},
				HasPreKey: true,
				PreKey: PreKeyWire{
					KeyID:     9,
					PublicKey: []byte("one-time-pre-key-public"),
				},
			},
		},
		KyberPubKey:      []byte("kyber-public-key"),
		HasKyberPreKeyID: true,
		KyberPreKeyID:    3,
		KyberSignature:   []byte("kyber-signature"),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("TestSignalMessage", func(t *testing.T) {
		env := sampleSignalMessage()
		wire := Encode(env)
		decoded, msgType := Decode(wire)
		assert.Equal(t, SignalMessage, msgType)
		assert.Equal(t, env, decoded)
	})

	t.Run("TestPreKeyResponseOnly", func(t *testing.T) {
		env := Envelope{
			SignalProtocolAddressName: "22222222-2222-2222-2222-222222222222",
			DeviceID:                  1,
			Timestamp:                 1700000001000,
			PreKeyResponse:            samplePreKeyResponse(),
		}
		wire := Encode(env)
		decoded, msgType := Decode(wire)
		assert.Equal(t, PreKeyResponseMessage, msgType)
		assert.Equal(t, env, decoded)
	})

	t.Run("TestUpdatedPreKeyResponseAndSignalMessage", func(t *testing.T) {
		env := sampleSignalMessage()
		env.PreKeyResponse = samplePreKeyResponse()
		wire := Encode(env)
		decoded, msgType := Decode(wire)
		assert.Equal(t, UpdatedPreKeyResponseAndSignalMessage, msgType)
		assert.Equal(t, env, decoded)
	})

	t.Run("TestNeitherFieldIsInvalid", func(t *testing.T) {
		env := Envelope{
			SignalProtocolAddressName: "33333333-3333-3333-3333-333333333333",
			DeviceID:                  1,
			Timestamp:                 1700000002000,
		}
		wire := Encode(env)
		_, msgType := Decode(wire)
		assert.Equal(t, Invalid, msgType)
	})
}

func TestDecodeNeverPanics(t *testing.T) {
	valid := Encode(sampleSignalMessage())

	t.Run("TestEmptyInput", func(t *testing.T) {
		assertDecodeInvalid(t, nil)
	})

	t.Run("TestRandomGarbage", func(t *testing.T) {
		assertDecodeInvalid(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	})

	t.Run("TestTruncatedLengthPrefix", func(t *testing.T) {
		assertDecodeInvalid(t, valid[:3])
	})

	t.Run("TestLengthRunsPastEnd", func(t *testing.T) {
		mutated := append([]byte(nil), valid...)
		mutated[1] = 0x7f // inflate the first field's declared length
		assertDecodeInvalid(t, mutated)
	})

	t.Run("TestEveryTruncationPrefix", func(t *testing.T) {
		for i := 0; i < len(valid); i++ {
			assert.NotPanics(t, func() {
				Decode(valid[:i])
			})
		}
	})

	t.Run("TestDuplicateTopLevelField", func(t *testing.T) {
		doubled := append(append([]byte(nil), valid...), valid...)
		assertDecodeInvalid(t, doubled)
	})

	t.Run("TestOutOfRangeCiphertextType", func(t *testing.T) {
		env := sampleSignalMessage()
		env.CiphertextType = CiphertextType(99)
		assertDecodeInvalid(t, Encode(env))
	})
}

func assertDecodeInvalid(t *testing.T, data []byte) {
	t.Helper()
	var env Envelope
	var msgType MessageType
	assert.NotPanics(t, func() {
		env, msgType = Decode(data)
	})
	assert.Equal(t, Invalid, msgType)
	assert.Equal(t, Envelope{}, env)
}

func TestClassify(t *testing.T) {
	t.Run("TestAllFourDiscriminations", func(t *testing.T) {
		cases := []struct {
			name string
			env  Envelope
			want MessageType
		}{
			{"neither", Envelope{}, Invalid},
			{"ciphertext only", Envelope{HasCiphertextMessage: true}, SignalMessage},
			{"bundle only", Envelope{PreKeyResponse: &PreKeyResponse{}}, PreKeyResponseMessage},
			{"both", Envelope{HasCiphertextMessage: true, PreKeyResponse: &PreKeyResponse{}}, UpdatedPreKeyResponseAndSignalMessage},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				require.Equal(t, c.want, Classify(c.env))
			})
		}
	})
}
