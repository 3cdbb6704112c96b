// internal/driver/nri/cctalk.go
package nri

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/protocol"
)

// ccTalk bus addresses. Coin acceptors sit at address 2 by default,
// the host is always 1.
const (
	HostAddress          byte = 1
	DefaultDeviceAddress byte = 2
)

// ccTalk headers used by the coin acceptor session. A reply always
// carries header 0.
const (
	HeaderReply                byte = 0
	HeaderReset                byte = 1
	HeaderRequestProductCode   byte = 244
	HeaderRequestManufacturer  byte = 246
	HeaderReadBufferedCredit   byte = 229
	HeaderModifyInhibitStatus  byte = 231
	HeaderRequestInhibitStatus byte = 230
	HeaderSimplePoll           byte = 254
)

// minMessageLen is the smallest valid ccTalk message, a header with
// no data.
const minMessageLen = 5

// maxCreditEvents is the depth of the acceptor's credit buffer.
const maxCreditEvents = 5

// Checksum is the ccTalk simple checksum, the byte that brings the
// message sum to a multiple of 256.
func Checksum(data []byte) byte {
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return byte((256 - sum%256) % 256)
}

// BuildMessage frames a ccTalk message for the wire.
func BuildMessage(dest, src, header byte, data []byte) []byte {
	message := make([]byte, 0, len(data)+minMessageLen)
	message = append(message, dest, byte(len(data)), src, header)
	message = append(message, data...)
	return append(message, Checksum(message))
}

// ParseReply validates a reply message addressed to the host and
// returns its data block.
func ParseReply(raw []byte, deviceAddr byte) ([]byte, error) {
	if len(raw) < minMessageLen {
		return nil, fmt.Errorf("message too short: %d bytes", len(raw))
	}
	if int(raw[1])+minMessageLen != len(raw) {
		return nil, fmt.Errorf("message length mismatch: header says %d data bytes, got %d", raw[1], len(raw)-minMessageLen)
	}
	if Checksum(raw[:len(raw)-1]) != raw[len(raw)-1] {
		return nil, fmt.Errorf("checksum mismatch")
	}
	if raw[0] != HostAddress || raw[2] != deviceAddr {
		return nil, fmt.Errorf("reply from unexpected address %d to %d", raw[2], raw[0])
	}
	return raw[4 : len(raw)-1], nil
}

// CreditEvent is one entry of the acceptor's credit buffer. Slot zero
// marks a status event, Code then carries the status; otherwise Slot
// names the coin channel that credited.
type CreditEvent struct {
	Slot byte
	Code byte
}

// ParseCreditEvents extracts new events from a read-buffered-credit
// reply. The first data byte is a wrapping event counter; entries are
// newest first, two bytes each. Only the delta against lastCounter is
// returned, oldest first.
func ParseCreditEvents(data []byte, lastCounter byte) ([]CreditEvent, byte, error) {
	if len(data) < 1 {
		return nil, lastCounter, fmt.Errorf("empty credit reply")
	}

	counter := data[0]
	if counter == lastCounter {
		return nil, counter, nil
	}

	// Byte subtraction wraps mod 256, matching the device counter.
	newEvents := int(counter - lastCounter)
	buffered := (len(data) - 1) / 2
	if newEvents > buffered {
		// More coins arrived than the buffer holds; the overflow is
		// lost.
		newEvents = buffered
	}

	events := make([]CreditEvent, 0, newEvents)
	for i := newEvents - 1; i >= 0; i-- {
		pos := 1 + i*2
		events = append(events, CreditEvent{Slot: data[pos], Code: data[pos+1]})
	}
	return events, counter, nil
}

// Session drives ccTalk request/reply exchanges over a transport.
type Session struct {
	conn       protocol.DeviceProtocol
	deviceAddr byte
	timeout    time.Duration
	logger     *zap.Logger
}

// NewSession creates a ccTalk session over an opened transport.
func NewSession(conn protocol.DeviceProtocol, deviceAddr byte, timeout time.Duration, logger *zap.Logger) *Session {
	if deviceAddr == 0 {
		deviceAddr = DefaultDeviceAddress
	}
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{conn: conn, deviceAddr: deviceAddr, timeout: timeout, logger: logger}
}

// Command sends one message and returns the reply data block.
func (s *Session) Command(ctx context.Context, header byte, data []byte) ([]byte, error) {
	message := BuildMessage(s.deviceAddr, HostAddress, header, data)
	if err := s.conn.Write(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to send header %d: %w", header, err)
	}

	raw, err := s.readMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("no reply to header %d: %w", header, err)
	}

	reply, err := ParseReply(raw, s.deviceAddr)
	if err != nil {
		return nil, fmt.Errorf("bad reply to header %d: %w", header, err)
	}
	return reply, nil
}

// readMessage accumulates one complete message within the timeout.
// The length byte arrives second, so the total size is known after
// two bytes.
func (s *Session) readMessage(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(s.timeout)
	buf := make([]byte, 0, minMessageLen)
	for {
		want := minMessageLen
		if len(buf) >= 2 {
			want = int(buf[1]) + minMessageLen
		}
		if len(buf) >= want {
			return buf, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out reading reply, got %d bytes", len(buf))
		}

		readCtx, cancel := context.WithDeadline(ctx, deadline)
		chunk, err := s.conn.Read(readCtx, want-len(buf))
		cancel()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
}

// Reset reboots the acceptor. The device does not reply while it
// restarts, so the caller waits before the next exchange.
func (s *Session) Reset(ctx context.Context) error {
	message := BuildMessage(s.deviceAddr, HostAddress, HeaderReset, nil)
	if err := s.conn.Write(ctx, message); err != nil {
		return fmt.Errorf("failed to send reset: %w", err)
	}
	return nil
}

// SimplePoll verifies the device is alive.
func (s *Session) SimplePoll(ctx context.Context) error {
	_, err := s.Command(ctx, HeaderSimplePoll, nil)
	return err
}

// ReadBufferedCredit reads the raw credit buffer, counter first.
func (s *Session) ReadBufferedCredit(ctx context.Context) ([]byte, error) {
	return s.Command(ctx, HeaderReadBufferedCredit, nil)
}

// SetInhibits opens or closes all sixteen coin channels.
func (s *Session) SetInhibits(ctx context.Context, accept bool) error {
	mask := []byte{0x00, 0x00}
	if accept {
		mask = []byte{0xFF, 0xFF}
	}
	_, err := s.Command(ctx, HeaderModifyInhibitStatus, mask)
	return err
}

// ManufacturerID asks the device who built it.
func (s *Session) ManufacturerID(ctx context.Context) (string, error) {
	reply, err := s.Command(ctx, HeaderRequestManufacturer, nil)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// ProductCode asks the device what it is.
func (s *Session) ProductCode(ctx context.Context) (string, error) {
	reply, err := s.Command(ctx, HeaderRequestProductCode, nil)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}
