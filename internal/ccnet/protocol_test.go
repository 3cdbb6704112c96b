// internal/ccnet/protocol_test.go
package ccnet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cash-device-service/internal/model"
)

// fakeConn is an in-memory transport. Reads serve a byte inbox and
// block until the context deadline when it is empty, like a serial
// port with a read timeout.
type fakeConn struct {
	mu      sync.Mutex
	opened  bool
	writes  [][]byte
	inbox   []byte
	onWrite func(frame []byte)
}

func (f *fakeConn) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = false
	return nil
}

func (f *fakeConn) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (f *fakeConn) Read(ctx context.Context, maxBytes int) ([]byte, error) {
	for {
		f.mu.Lock()
		if len(f.inbox) > 0 {
			n := maxBytes
			if n > len(f.inbox) {
				n = len(f.inbox)
			}
			chunk := append([]byte(nil), f.inbox[:n]...)
			f.inbox = f.inbox[n:]
			f.mu.Unlock()
			return chunk, nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (f *fakeConn) GetProtocolType() model.ConnectionType {
	return model.ConnectionTypeSerial
}

func (f *fakeConn) Ping(ctx context.Context) error {
	return nil
}

func (f *fakeConn) queue(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, raw...)
}

// sentCommands extracts the command byte of every frame written so
// far, skipping control frames.
func (f *fakeConn) sentCommands(includeControl bool) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds []byte
	for _, frame := range f.writes {
		if len(frame) < MinFrameLen {
			continue
		}
		cmd := frame[3]
		if !includeControl && (cmd == CmdACK || cmd == CmdNAK) {
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds
}

func respondWith(t *testing.T, f *fakeConn, payload ...byte) {
	t.Helper()
	require.NotEmpty(t, payload)
	frame, err := BuildFrame(payload[0], payload[1:])
	require.NoError(t, err)
	f.queue(frame)
}

func testProtocol(f *fakeConn) *Protocol {
	return NewProtocol(f, 30*time.Millisecond, 3, nil)
}

func TestExchangeDeliversPayloadAndAcknowledges(t *testing.T) {
	conn := &fakeConn{}
	respondWith(t, conn, StatusIdling)

	payload, err := testProtocol(conn).Exchange(context.Background(), CmdPoll, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{StatusIdling}, payload)

	// The data reply must be confirmed with an ACK frame.
	all := conn.sentCommands(true)
	require.Len(t, all, 2)
	assert.Equal(t, CmdPoll, all[0])
	assert.Equal(t, CmdACK, all[1])
}

func TestExchangeDoesNotAcknowledgeControlReplies(t *testing.T) {
	conn := &fakeConn{}
	respondWith(t, conn, CmdACK)

	payload, err := testProtocol(conn).Exchange(context.Background(), CmdStack, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{CmdACK}, payload)
	assert.Equal(t, []byte{CmdStack}, conn.sentCommands(true))
}

func TestExchangeRetriesChecksumMismatchExactlyFourAttempts(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(frame []byte) {
		if len(frame) >= MinFrameLen && frame[3] == CmdPoll {
			good, err := BuildFrame(StatusIdling, nil)
			require.NoError(t, err)
			good[len(good)-1] ^= 0xFF
			conn.queue(good)
		}
	}

	_, err := testProtocol(conn).Exchange(context.Background(), CmdPoll, nil)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CommunicationFailure, protoErr.Kind)
	assert.Equal(t, CmdPoll, protoErr.Command)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameChecksumMismatch, frameErr.Kind)

	// The initial attempt plus exactly three retransmissions.
	assert.Equal(t, []byte{CmdPoll, CmdPoll, CmdPoll, CmdPoll}, conn.sentCommands(false))
}

func TestExchangeRetriesTimeoutsThenFails(t *testing.T) {
	conn := &fakeConn{}

	start := time.Now()
	_, err := testProtocol(conn).Exchange(context.Background(), CmdPoll, nil)
	elapsed := time.Since(start)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CommunicationFailure, protoErr.Kind)

	var frameErr *FrameError
	require.ErrorAs(t, err, &frameErr)
	assert.Equal(t, FrameTimeout, frameErr.Kind)

	assert.Equal(t, []byte{CmdPoll, CmdPoll, CmdPoll, CmdPoll}, conn.sentCommands(false))
	assert.GreaterOrEqual(t, elapsed, 4*30*time.Millisecond)
}

func TestExchangeRecoversAfterOneBadReply(t *testing.T) {
	conn := &fakeConn{}
	attempts := 0
	conn.onWrite = func(frame []byte) {
		if len(frame) < MinFrameLen || frame[3] != CmdPoll {
			return
		}
		attempts++
		reply, err := BuildFrame(StatusIdling, nil)
		require.NoError(t, err)
		if attempts == 1 {
			reply[4] ^= 0x01
		}
		conn.queue(reply)
	}

	payload, err := testProtocol(conn).Exchange(context.Background(), CmdPoll, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{StatusIdling}, payload)
	assert.Equal(t, 2, attempts)
}

func TestExchangeNAKRetriedOnceThenCommunicationFailure(t *testing.T) {
	conn := &fakeConn{}
	naks := 0
	conn.onWrite = func(frame []byte) {
		if len(frame) >= MinFrameLen && frame[3] == CmdStack {
			naks++
			respondWith(t, conn, CmdNAK)
		}
	}

	_, err := testProtocol(conn).Exchange(context.Background(), CmdStack, nil)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, CommunicationFailure, protoErr.Kind)

	// The wrapped cause names the negative acknowledgement.
	var nakErr *ProtocolError
	require.ErrorAs(t, errors.Unwrap(err), &nakErr)
	assert.Equal(t, NegativeAcknowledged, nakErr.Kind)

	assert.Equal(t, 2, naks)
}

func TestExchangeNAKOnceThenSuccess(t *testing.T) {
	conn := &fakeConn{}
	sends := 0
	conn.onWrite = func(frame []byte) {
		if len(frame) >= MinFrameLen && frame[3] == CmdStack {
			sends++
			if sends == 1 {
				respondWith(t, conn, CmdNAK)
			} else {
				respondWith(t, conn, CmdACK)
			}
		}
	}

	payload, err := testProtocol(conn).Exchange(context.Background(), CmdStack, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{CmdACK}, payload)
	assert.Equal(t, 2, sends)
}

func TestExchangeHonorsCancellation(t *testing.T) {
	conn := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testProtocol(conn).Exchange(ctx, CmdPoll, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollDecodesEscrowStatus(t *testing.T) {
	conn := &fakeConn{}
	respondWith(t, conn, StatusEscrow, 0x04)

	st, err := testProtocol(conn).Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Escrow)
	assert.Equal(t, byte(0x04), st.Detail)
}

func TestEnableBillTypesSendsMasks(t *testing.T) {
	conn := &fakeConn{}
	respondWith(t, conn, CmdACK)

	err := testProtocol(conn).EnableBillTypes(context.Background(), AllBills, AllBills)
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.NotEmpty(t, conn.writes)
	frame := conn.writes[0]
	require.Len(t, frame, 12)
	assert.Equal(t, CmdEnableBillTypes, frame[3])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, frame[4:10])
}

func TestIdentificationParsesFields(t *testing.T) {
	conn := &fakeConn{}
	block := make([]byte, 0, 34)
	block = append(block, []byte("CCNET-1547RU   ")...)
	block = append(block, []byte("SN0012345678")...)
	block = append(block, 0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x11, 0x22)
	require.Len(t, block, 34)
	respondWith(t, conn, block...)

	ident, err := testProtocol(conn).Identification(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "CCNET-1547RU", ident.PartNumber)
	assert.Equal(t, "SN0012345678", ident.SerialNumber)
	assert.Equal(t, "DE AD BE EF 00 11 22", ident.AssetNumber)
}

func TestDeviceStatusParsesMasks(t *testing.T) {
	conn := &fakeConn{}
	respondWith(t, conn, 0x00, 0x00, 0xFC, 0x00, 0x00, 0x04)

	enabled, security, err := testProtocol(conn).DeviceStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, enabled.Has(0x02))
	assert.True(t, enabled.Has(0x07))
	assert.False(t, enabled.Has(0x00))
	assert.True(t, security.Has(0x02))
	assert.False(t, security.Has(0x03))
}
