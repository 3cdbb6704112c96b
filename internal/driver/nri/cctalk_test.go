// internal/driver/nri/cctalk_test.go
package nri

import (
	"context"
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

// reply frames a device-to-host answer.
func reply(data ...byte) []byte {
	return BuildMessage(HostAddress, DefaultDeviceAddress, HeaderReply, data)
}

func testCcTalkSession(f *fakeConn) *Session {
	return NewSession(f, DefaultDeviceAddress, 50*time.Millisecond, nil)
}

func TestChecksumBringsSumToZero(t *testing.T) {
	assert.Equal(t, byte(255), Checksum([]byte{2, 0, 1, 254}))
	assert.Equal(t, byte(0), Checksum([]byte{0}))
	assert.Equal(t, byte(0), Checksum([]byte{128, 128}))
}

func TestBuildMessageFramesCommand(t *testing.T) {
	message := BuildMessage(DefaultDeviceAddress, HostAddress, HeaderSimplePoll, nil)
	assert.Equal(t, []byte{2, 0, 1, 254, 255}, message)

	withData := BuildMessage(DefaultDeviceAddress, HostAddress, HeaderModifyInhibitStatus, []byte{0xFF, 0xFF})
	require.Len(t, withData, 7)
	assert.Equal(t, byte(2), withData[1])
	assert.Equal(t, byte(0), byte(sumBytes(withData)))
}

func sumBytes(raw []byte) int {
	sum := 0
	for _, b := range raw {
		sum += int(b)
	}
	return sum % 256
}

func TestParseReply(t *testing.T) {
	data, err := ParseReply(reply(0x05), DefaultDeviceAddress)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05}, data)

	// Empty data block is a bare acknowledge.
	data, err = ParseReply(reply(), DefaultDeviceAddress)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestParseReplyRejectsCorruption(t *testing.T) {
	corrupted := reply(0x05)
	corrupted[len(corrupted)-1] ^= 0x01
	_, err := ParseReply(corrupted, DefaultDeviceAddress)
	assert.ErrorContains(t, err, "checksum")

	truncated := reply(0x05)[:4]
	_, err = ParseReply(truncated, DefaultDeviceAddress)
	assert.ErrorContains(t, err, "too short")

	wrongLen := reply(0x05)
	wrongLen[1] = 3
	_, err = ParseReply(wrongLen, DefaultDeviceAddress)
	assert.ErrorContains(t, err, "length mismatch")

	stranger := BuildMessage(HostAddress, 5, HeaderReply, []byte{0x05})
	_, err = ParseReply(stranger, DefaultDeviceAddress)
	assert.ErrorContains(t, err, "unexpected address")
}

func TestParseCreditEventsNoNewEvents(t *testing.T) {
	events, counter, err := ParseCreditEvents([]byte{7, 10, 1}, 7)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, byte(7), counter)
}

func TestParseCreditEventsReturnsDeltaOldestFirst(t *testing.T) {
	// Counter moved from 5 to 7: two new events, newest first on the
	// wire. Channel 16 credited after channel 10.
	data := []byte{7, 16, 0, 10, 0, 12, 0, 14, 0, 10, 0}
	events, counter, err := ParseCreditEvents(data, 5)
	require.NoError(t, err)
	assert.Equal(t, byte(7), counter)
	require.Len(t, events, 2)
	assert.Equal(t, byte(10), events[0].Slot)
	assert.Equal(t, byte(16), events[1].Slot)
}

func TestParseCreditEventsCounterWraps(t *testing.T) {
	events, counter, err := ParseCreditEvents([]byte{1, 12, 0, 10, 0}, 255)
	require.NoError(t, err)
	assert.Equal(t, byte(1), counter)
	require.Len(t, events, 2)
	assert.Equal(t, byte(10), events[0].Slot)
	assert.Equal(t, byte(12), events[1].Slot)
}

func TestParseCreditEventsClampsToBufferDepth(t *testing.T) {
	// Counter jumped by eight but the buffer only holds two entries;
	// the overflow is lost.
	events, _, err := ParseCreditEvents([]byte{20, 14, 0, 12, 0}, 12)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestParseCreditEventsRejectsEmptyReply(t *testing.T) {
	_, _, err := ParseCreditEvents(nil, 0)
	assert.Error(t, err)
}

func TestSimplePollRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		conn.queue(reply())
	}

	err := testCcTalkSession(conn).SimplePoll(context.Background())
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 1)
	assert.Equal(t, []byte{2, 0, 1, 254, 255}, conn.writes[0])
}

func TestSetInhibitsSendsChannelMask(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		conn.queue(reply())
	}
	s := testCcTalkSession(conn)

	require.NoError(t, s.SetInhibits(context.Background(), true))
	require.NoError(t, s.SetInhibits(context.Background(), false))

	conn.mu.Lock()
	defer conn.mu.Unlock()
	require.Len(t, conn.writes, 2)
	assert.Equal(t, []byte{0xFF, 0xFF}, conn.writes[0][4:6])
	assert.Equal(t, []byte{0x00, 0x00}, conn.writes[1][4:6])
}

func TestReadBufferedCreditReturnsDataBlock(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		conn.queue(reply(3, 10, 0, 0, 0, 0, 0, 0, 0, 0, 0))
	}

	data, err := testCcTalkSession(conn).ReadBufferedCredit(context.Background())
	require.NoError(t, err)
	require.Len(t, data, 11)
	assert.Equal(t, byte(3), data[0])
}

func TestCommandRejectsCorruptedReply(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		bad := reply(0x05)
		bad[len(bad)-1] ^= 0xFF
		conn.queue(bad)
	}

	err := testCcTalkSession(conn).SimplePoll(context.Background())
	assert.ErrorContains(t, err, "bad reply")
}

func TestCommandTimesOutWithoutReply(t *testing.T) {
	err := testCcTalkSession(&fakeConn{}).SimplePoll(context.Background())
	assert.ErrorContains(t, err, "no reply")
}

func TestManufacturerIDDecodesASCII(t *testing.T) {
	conn := &fakeConn{}
	conn.onWrite = func(data []byte) {
		conn.queue(reply([]byte("NRI")...))
	}

	id, err := testCcTalkSession(conn).ManufacturerID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "NRI", id)
}

func TestParseCoinValues(t *testing.T) {
	values, err := parseCoinValues(map[string]interface{}{
		"10": float64(100),
		"12": float64(200),
		"14": float64(500),
		"16": float64(1000),
	})
	require.NoError(t, err)
	assert.Equal(t, model.Money(1000), values[16])
	assert.Equal(t, model.Money(100), values[10])

	_, err = parseCoinValues(map[string]interface{}{"coin": float64(100)})
	assert.Error(t, err)
	_, err = parseCoinValues(map[string]interface{}{"10": "hundred"})
	assert.Error(t, err)
}
