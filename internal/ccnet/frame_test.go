// internal/ccnet/frame_test.go
package ccnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFrameLayout(t *testing.T) {
	frame, err := BuildFrame(CmdPoll, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x03, 0x06, 0x33, 0xDA, 0x81}, frame)
}

func TestBuildFrameWithPayload(t *testing.T) {
	frame, err := BuildFrame(CmdEnableBillTypes, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	assert.Equal(t, Sync, frame[0])
	assert.Equal(t, ValidatorAddr, frame[1])
	assert.Equal(t, byte(len(frame)), frame[2])
	assert.Equal(t, CmdEnableBillTypes, frame[3])
	assert.True(t, VerifyFrame(frame))
}

func TestBuildFrameRejectsOversizedPayload(t *testing.T) {
	_, err := BuildFrame(CmdPoll, make([]byte, MaxFrameLen-MinFrameLen+1))
	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameMalformed, frameErr.Kind)
}

func TestParseFrameRoundTrip(t *testing.T) {
	built, err := BuildFrame(0x80, []byte{0x04})
	require.NoError(t, err)

	payload, err := ParseFrame(built)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x04}, payload)
}

func TestParseFrameMalformed(t *testing.T) {
	valid, err := BuildFrame(CmdPoll, nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
		kind  FrameErrorKind
	}{
		{"too short", []byte{0x02, 0x03, 0x06}, FrameMalformed},
		{"bad sync", mutate(valid, 0, 0x55), FrameMalformed},
		{"bad address", mutate(valid, 1, 0x01), FrameMalformed},
		{"length mismatch", append(append([]byte(nil), valid...), 0x00), FrameMalformed},
		{"corrupted payload", mutate(valid, 3, 0x34), FrameChecksumMismatch},
		{"corrupted checksum", mutate(valid, len(valid)-1, 0x00), FrameChecksumMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(tt.frame)
			var frameErr *FrameError
			require.ErrorAs(t, err, &frameErr)
			assert.Equal(t, tt.kind, frameErr.Kind)
		})
	}
}

func mutate(frame []byte, index int, value byte) []byte {
	out := append([]byte(nil), frame...)
	out[index] = value
	return out
}
