// internal/ccnet/crc_test.go
package ccnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumKnownFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  uint16
	}{
		{"poll", []byte{0x02, 0x03, 0x06, 0x33}, 0x81DA},
		{"ack", []byte{0x02, 0x03, 0x06, 0x00}, 0x82C2},
		{"reset", []byte{0x02, 0x03, 0x06, 0x30}, 0xB341},
		{"idling response", []byte{0x02, 0x03, 0x06, 0x14}, 0xD467},
		{"escrow response", []byte{0x02, 0x03, 0x07, 0x80, 0x04}, 0x75A8},
		{"enable all types", []byte{0x02, 0x03, 0x0C, 0x34, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, 0xF7FE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Checksum(tt.frame))
		})
	}
}

func TestChecksumDeterministic(t *testing.T) {
	data := []byte{0x02, 0x03, 0x07, 0x80, 0x04}
	first := Checksum(data)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Checksum(data))
	}
}

func TestVerifyFrameAcceptsBuiltFrames(t *testing.T) {
	for payloadLen := 0; payloadLen <= MaxFrameLen-MinFrameLen; payloadLen++ {
		data := make([]byte, payloadLen)
		for i := range data {
			data[i] = byte(i * 7)
		}
		frame, err := BuildFrame(CmdPoll, data)
		require.NoError(t, err)
		assert.True(t, VerifyFrame(frame), "payload length %d", payloadLen)
	}
}

func TestVerifyFrameRejectsAnySingleBitFlip(t *testing.T) {
	frame, err := BuildFrame(CmdEnableBillTypes, []byte{0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	require.True(t, VerifyFrame(frame))

	for i := range frame {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), frame...)
			corrupted[i] ^= 1 << bit
			assert.False(t, VerifyFrame(corrupted), "byte %d bit %d", i, bit)
		}
	}
}

func TestVerifyFrameRejectsShortInput(t *testing.T) {
	assert.False(t, VerifyFrame(nil))
	assert.False(t, VerifyFrame([]byte{0x02, 0x03, 0x06}))
}
