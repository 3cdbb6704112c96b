// internal/driver/puloon/lcdm_test.go
package puloon

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
	onWrite func(data []byte)
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

// buildResponse frames a device response with valid checksum.
func buildResponse(body ...byte) []byte {
	raw := append([]byte{lcdmSOH, lcdmID, lcdmSTX}, body...)
	raw = append(raw, lcdmETX)
	return append(raw, bcc(raw))
}

func statusResponse(errByte, r6, r7 byte) []byte {
	return buildResponse(CmdStatus, 0x00, errByte, r6, r7)
}

func purgeResponse(errByte byte) []byte {
	return buildResponse(CmdPurge, errByte)
}

// bothDispenseResponse lays out the counter block of an
// upper-and-lower dispense reply.
func bothDispenseResponse(errByte byte, upperCheck, upperExit, lowerCheck, lowerExit, upperRej, lowerRej int) []byte {
	body := []byte{CmdBothDispense}
	body = append(body, encodeCount(upperCheck)...)
	body = append(body, encodeCount(upperExit)...)
	body = append(body, encodeCount(lowerCheck)...)
	body = append(body, encodeCount(lowerExit)...)
	body = append(body, errByte, 0x00, 0x00)
	body = append(body, encodeCount(upperRej)...)
	body = append(body, encodeCount(lowerRej)...)
	return buildResponse(body...)
}

// isCommandPacket tells command frames apart from single byte
// acknowledgements on the write side.
func isCommandPacket(data []byte) bool {
	return len(data) > 1 && data[0] == lcdmEOT
}

func testSession(f *fakeConn) *Session {
	return NewSession(f, 50*time.Millisecond, nil)
}

func TestBuildPacketFramesCommand(t *testing.T) {
	packet := BuildPacket(CmdStatus, nil)
	assert.Equal(t, []byte{0x04, 0x50, 0x02, 0x46, 0x03, 0x13}, packet)
}

func TestBuildPacketChecksumCoversData(t *testing.T) {
	packet := BuildPacket(CmdBothDispense, []byte("0512"))
	require.Len(t, packet, 10)
	assert.Equal(t, bcc(packet[:len(packet)-1]), packet[len(packet)-1])
	assert.Equal(t, []byte("0512"), packet[4:8])
}

func TestVerifyPacket(t *testing.T) {
	good := buildResponse(CmdPurge, 0x30)
	assert.True(t, VerifyPacket(good))

	corrupted := append([]byte(nil), good...)
	corrupted[len(corrupted)-1] ^= 0xFF
	assert.False(t, VerifyPacket(corrupted))

	badHeader := append([]byte(nil), good...)
	badHeader[0] = lcdmEOT
	assert.False(t, VerifyPacket(badHeader))

	assert.False(t, VerifyPacket([]byte{lcdmSOH, lcdmID}))
}

func TestCountEncoding(t *testing.T) {
	assert.Equal(t, []byte{'0', '0'}, encodeCount(0))
	assert.Equal(t, []byte{'0', '7'}, encodeCount(7))
	assert.Equal(t, []byte{'6', '0'}, encodeCount(60))
	assert.Equal(t, 42, decodeCount('4', '2'))
	assert.Equal(t, 0, decodeCount('0', '0'))
}

func TestCheckErrorByte(t *testing.T) {
	assert.NoError(t, checkErrorByte(0x30))
	assert.NoError(t, checkErrorByte(0x31))

	err := checkErrorByte(0x38)
	var devErr *DispenserError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(0x38), devErr.Code)
	assert.Equal(t, "upper bill end", devErr.Message)

	err = checkErrorByte(0x99)
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "unknown error", devErr.Message)
}

func TestDecodeSensors(t *testing.T) {
	// Eject sensor and upper near end on byte six, lower cassette out
	// and reject tray on byte seven.
	st := decodeSensors(0b01010000, 0b01000100)
	assert.True(t, st.EjectSensor)
	assert.True(t, st.UpperNearEnd)
	assert.True(t, st.CashBoxLower)
	assert.True(t, st.RejectTray)
	assert.False(t, st.CheckSensor1)
	assert.False(t, st.SolenoidSensor)

	assert.True(t, st.PathBlocked())
	assert.True(t, st.CassetteMissing())

	clear := decodeSensors(0b01000000, 0b00100000)
	assert.False(t, clear.PathBlocked())
	assert.False(t, clear.CassetteMissing())
	assert.True(t, clear.UpperNearEnd)
	assert.True(t, clear.LowerNearEnd)
}

func TestStatusExchange(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		if isCommandPacket(data) {
			conn.queue([]byte{lcdmACK})
			conn.queue(statusResponse(0x30, 0b00000000, 0b00100000))
		}
	}

	st, err := testSession(conn).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.LowerNearEnd)
	assert.False(t, st.PathBlocked())

	// The response packet must be confirmed with an ACK byte.
	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 2)
	assert.Equal(t, []byte{lcdmACK}, conn.writes[1])
}

func TestStatusReportsDeviceFault(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		if isCommandPacket(data) {
			conn.queue([]byte{lcdmACK})
			conn.queue(statusResponse(0x45, 0x00, 0x00))
		}
	}

	_, err := testSession(conn).Status(context.Background())
	var devErr *DispenserError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(0x45), devErr.Code)
}

func TestExchangeResendsAfterNAK(t *testing.T) {
	conn := &fakeConn{}
	sends := 0
	conn.onWrite = func(data []byte) {
		if !isCommandPacket(data) {
			return
		}
		sends++
		if sends == 1 {
			conn.queue([]byte{lcdmNAK})
			return
		}
		conn.queue([]byte{lcdmACK})
		conn.queue(purgeResponse(0x30))
	}

	err := testSession(conn).Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sends)
}

func TestExchangeGivesUpAfterTwoNAKs(t *testing.T) {
	conn := &fakeConn{}
	sends := 0
	conn.onWrite = func(data []byte) {
		if isCommandPacket(data) {
			sends++
			conn.queue([]byte{lcdmNAK})
		}
	}

	err := testSession(conn).Purge(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not acknowledged")
	assert.Equal(t, 2, sends)
}

func TestReadResponseNAKsCorruptedPacket(t *testing.T) {
	conn := &fakeConn{}
	bad := purgeResponse(0x30)
	bad[len(bad)-1] ^= 0xFF

	naks := 0
	conn.onWrite = func(data []byte) {
		if isCommandPacket(data) {
			conn.queue([]byte{lcdmACK})
			conn.queue(bad)
			return
		}
		if len(data) == 1 && data[0] == lcdmNAK {
			naks++
			conn.queue(purgeResponse(0x30))
		}
	}

	err := testSession(conn).Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, naks)
}

func TestDispenseBothParsesCounters(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		if isCommandPacket(data) {
			// Counts requested ride as four ASCII digits.
			assert.Equal(t, []byte("0503"), data[4:8])
			conn.queue([]byte{lcdmACK})
			conn.queue(bothDispenseResponse(0x30, 5, 5, 3, 3, 0, 0))
		}
	}

	counts, err := testSession(conn).DispenseBoth(context.Background(), 5, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.UpperExit)
	assert.Equal(t, 3, counts.LowerExit)
	assert.Equal(t, 0, counts.UpperRejected)
	assert.Equal(t, 0, counts.LowerRejected)
}

func TestDispenseBothReturnsCountsAlongsideFault(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		if isCommandPacket(data) {
			conn.queue([]byte{lcdmACK})
			// Two bills made it out of the upper cassette before the
			// lower cassette ran empty.
			conn.queue(bothDispenseResponse(0x40, 2, 2, 0, 0, 1, 0))
		}
	}

	counts, err := testSession(conn).DispenseBoth(context.Background(), 5, 3)
	var devErr *DispenserError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(0x40), devErr.Code)
	require.NotNil(t, counts)
	assert.Equal(t, 2, counts.UpperExit)
	assert.Equal(t, 0, counts.LowerExit)
	assert.Equal(t, 1, counts.UpperRejected)
}

func TestDispenseBothRejectsOutOfRangeCounts(t *testing.T) {
	conn := &fakeConn{}
	s := testSession(conn)

	_, err := s.DispenseBoth(context.Background(), MaxDispenseCount+1, 0)
	require.Error(t, err)
	_, err = s.DispenseBoth(context.Background(), 0, -1)
	require.Error(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Empty(t, conn.writes)
}

func TestDispenseSingleRejectsZeroCount(t *testing.T) {
	err := testSession(&fakeConn{}).DispenseSingle(context.Background(), CmdUpperDispense, 0)
	require.Error(t, err)
}

func TestExchangeTimesOutWithoutResponse(t *testing.T) {
	conn := &fakeConn{}

	err := testSession(conn).Purge(context.Background())
	require.Error(t, err)

	var devErr *DispenserError
	assert.False(t, errors.As(err, &devErr))
}
