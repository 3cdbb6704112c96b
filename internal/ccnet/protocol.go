// internal/ccnet/protocol.go
package ccnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/model"
	"cash-device-service/internal/protocol"
)

const (
	// DefaultResponseTimeout bounds one reply frame read.
	DefaultResponseTimeout = 500 * time.Millisecond
	// DefaultRetryLimit is the number of retransmissions after the
	// first attempt of a command exchange.
	DefaultRetryLimit = 3

	drainWindow = 20 * time.Millisecond
)

// Protocol implements CCNET command/response semantics on top of a raw
// byte transport. It owns no concurrency; callers serialize access.
type Protocol struct {
	conn            protocol.DeviceProtocol
	logger          *zap.Logger
	responseTimeout time.Duration
	retryLimit      int
}

// NewProtocol wraps a transport in the CCNET exchange discipline.
// Zero values select the defaults.
func NewProtocol(conn protocol.DeviceProtocol, responseTimeout time.Duration, retryLimit int, logger *zap.Logger) *Protocol {
	if responseTimeout <= 0 {
		responseTimeout = DefaultResponseTimeout
	}
	if retryLimit < 0 {
		retryLimit = DefaultRetryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		conn:            conn,
		logger:          logger,
		responseTimeout: responseTimeout,
		retryLimit:      retryLimit,
	}
}

// Exchange sends one command and returns the reply payload. Frame
// level faults are retried up to the retry limit, a negative
// acknowledgement is retried once; either budget exhausted surfaces as
// a communication failure. Data replies are acknowledged before
// returning.
func (p *Protocol) Exchange(ctx context.Context, cmd byte, data []byte) ([]byte, error) {
	frame, err := BuildFrame(cmd, data)
	if err != nil {
		return nil, err
	}

	var lastErr error
	frameRetries := 0
	nakRetries := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if lastErr != nil {
			p.logger.Debug("retransmitting command",
				zap.String("command", fmt.Sprintf("0x%02X", cmd)),
				zap.Int("retry", frameRetries+nakRetries),
				zap.Error(lastErr))
			p.drainInput(ctx)
		}

		payload, err := p.exchangeOnce(ctx, frame)
		if err != nil {
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				return nil, err
			}
			frameRetries++
			if frameRetries > p.retryLimit {
				return nil, &ProtocolError{Kind: CommunicationFailure, Command: cmd, Err: err}
			}
			lastErr = err
			continue
		}

		if len(payload) == 1 && payload[0] == CmdNAK {
			nakErr := &ProtocolError{Kind: NegativeAcknowledged, Command: cmd}
			nakRetries++
			if nakRetries > 1 {
				return nil, &ProtocolError{Kind: CommunicationFailure, Command: cmd, Err: nakErr}
			}
			lastErr = nakErr
			continue
		}
		return payload, nil
	}
}

func (p *Protocol) exchangeOnce(ctx context.Context, frame []byte) ([]byte, error) {
	if err := p.conn.Write(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FrameError{Kind: FrameTimeout, Err: err}
	}

	payload, err := p.readFrame(ctx)
	if err != nil {
		return nil, err
	}

	// Data replies are confirmed so the device does not retransmit.
	// A bare ACK or NAK reply needs no confirmation.
	if len(payload) != 1 || (payload[0] != CmdACK && payload[0] != CmdNAK) {
		if err := p.sendControl(ctx, CmdACK); err != nil {
			p.logger.Warn("failed to acknowledge response", zap.Error(err))
		}
	}
	return payload, nil
}

// readFrame reads one complete frame within the response window.
func (p *Protocol) readFrame(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, p.responseTimeout)
	defer cancel()

	header, err := p.readFull(rctx, 3)
	if err != nil {
		return nil, p.classifyReadError(ctx, err)
	}
	if header[0] != Sync || header[1] != ValidatorAddr {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("bad frame header % X", header),
		}
	}
	total := int(header[2])
	if total < MinFrameLen || total > MaxFrameLen {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("length field %d out of bounds", total),
		}
	}

	rest, err := p.readFull(rctx, total-3)
	if err != nil {
		return nil, p.classifyReadError(ctx, err)
	}
	return ParseFrame(append(header, rest...))
}

// readFull accumulates exactly n bytes or fails on a stalled stream.
func (p *Protocol) readFull(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, 0, n)
	for len(buf) < n {
		chunk, err := p.conn.Read(ctx, n-len(buf))
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, fmt.Errorf("stream stalled after %d of %d bytes", len(buf), n)
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// classifyReadError keeps caller cancellation distinct from the read
// window elapsing: only the latter is a retryable frame timeout.
func (p *Protocol) classifyReadError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return err
	}
	return &FrameError{Kind: FrameTimeout, Err: err}
}

func (p *Protocol) sendControl(ctx context.Context, cmd byte) error {
	frame, err := BuildFrame(cmd, nil)
	if err != nil {
		return err
	}
	return p.conn.Write(ctx, frame)
}

// drainInput discards bytes left over from a broken exchange so the
// next reply parses from a frame boundary.
func (p *Protocol) drainInput(ctx context.Context) {
	deadline := time.Now().Add(drainWindow)
	for time.Now().Before(deadline) {
		dctx, cancel := context.WithTimeout(ctx, drainWindow)
		chunk, err := p.conn.Read(dctx, MaxFrameLen)
		cancel()
		if err != nil || len(chunk) == 0 {
			return
		}
	}
}

// Poll issues the status request and decodes the reply.
func (p *Protocol) Poll(ctx context.Context) (DecodedStatus, error) {
	payload, err := p.Exchange(ctx, CmdPoll, nil)
	if err != nil {
		return DecodedStatus{}, err
	}
	return DecodeStatus(payload)
}

// Reset commands a device reset. The device re-initializes and drops
// its bill type enables.
func (p *Protocol) Reset(ctx context.Context) error {
	return p.commandExpectingACK(ctx, CmdReset, nil)
}

// EnableBillTypes sets the accepted bill types and, independently,
// which of them are held in escrow pending a decision.
func (p *Protocol) EnableBillTypes(ctx context.Context, bills, escrow BillMask) error {
	data := append(bills.bytes(), escrow.bytes()...)
	return p.commandExpectingACK(ctx, CmdEnableBillTypes, data)
}

// Disable turns off acceptance of every bill type.
func (p *Protocol) Disable(ctx context.Context) error {
	return p.EnableBillTypes(ctx, 0, 0)
}

// Stack sends the escrowed bill to the cassette.
func (p *Protocol) Stack(ctx context.Context) error {
	return p.commandExpectingACK(ctx, CmdStack, nil)
}

// Return gives the escrowed bill back to the customer.
func (p *Protocol) Return(ctx context.Context) error {
	return p.commandExpectingACK(ctx, CmdReturn, nil)
}

// Hold keeps the escrowed bill in place for another escrow window.
func (p *Protocol) Hold(ctx context.Context) error {
	return p.commandExpectingACK(ctx, CmdHold, nil)
}

// SetSecurity raises or lowers validation strictness per bill type.
func (p *Protocol) SetSecurity(ctx context.Context, mask BillMask) error {
	return p.commandExpectingACK(ctx, CmdSetSecurity, mask.bytes())
}

func (p *Protocol) commandExpectingACK(ctx context.Context, cmd byte, data []byte) error {
	payload, err := p.Exchange(ctx, cmd, data)
	if err != nil {
		return err
	}
	if len(payload) != 1 || payload[0] != CmdACK {
		return fmt.Errorf("command 0x%02X answered % X instead of ACK", cmd, payload)
	}
	return nil
}

// DeviceStatus reports the currently enabled bill types and their
// security levels.
func (p *Protocol) DeviceStatus(ctx context.Context) (enabled, security BillMask, err error) {
	payload, err := p.Exchange(ctx, CmdGetStatus, nil)
	if err != nil {
		return 0, 0, err
	}
	if len(payload) < 6 {
		return 0, 0, fmt.Errorf("status response of %d bytes too short", len(payload))
	}
	return maskFromBytes(payload[0:3]), maskFromBytes(payload[3:6]), nil
}

// Identification describes the device firmware and serial numbers.
type Identification struct {
	PartNumber   string `json:"part_number"`
	SerialNumber string `json:"serial_number"`
	AssetNumber  string `json:"asset_number"`
}

// Identification queries the device identification block.
func (p *Protocol) Identification(ctx context.Context) (Identification, error) {
	payload, err := p.Exchange(ctx, CmdIdentification, nil)
	if err != nil {
		return Identification{}, err
	}
	if len(payload) < 34 {
		return Identification{}, fmt.Errorf("identification response of %d bytes too short", len(payload))
	}
	return Identification{
		PartNumber:   strings.TrimSpace(string(payload[0:15])),
		SerialNumber: strings.TrimSpace(string(payload[15:27])),
		AssetNumber:  fmt.Sprintf("% X", payload[27:34]),
	}, nil
}

// BillTableEntry describes one bill type slot of the device table.
type BillTableEntry struct {
	Code    byte        `json:"code"`
	Value   model.Money `json:"value"`
	Country string      `json:"country"`
}

// BillTable reads the 24 bill type slots the device supports. Unused
// slots are omitted.
func (p *Protocol) BillTable(ctx context.Context) ([]BillTableEntry, error) {
	payload, err := p.Exchange(ctx, CmdGetBillTable, nil)
	if err != nil {
		return nil, err
	}
	if len(payload) < 120 {
		return nil, fmt.Errorf("bill table response of %d bytes too short", len(payload))
	}
	entries := make([]BillTableEntry, 0, 24)
	for slot := 0; slot < 24; slot++ {
		word := payload[slot*5 : slot*5+5]
		if word[0] == 0 && word[1] == 0 && word[2] == 0 && word[3] == 0 {
			continue
		}
		entries = append(entries, BillTableEntry{
			Code:    byte(slot),
			Value:   billTableValue(word[0], word[4]),
			Country: strings.TrimSpace(string(word[1:4])),
		})
	}
	return entries, nil
}

// billTableValue decodes a table word: a leading digit scaled by a
// power of ten, bit 7 of the exponent marking a divisor instead.
func billTableValue(digit, exponent byte) model.Money {
	value := model.Money(digit) * 100
	power := int(exponent & 0x7F)
	if exponent&0x80 != 0 {
		for i := 0; i < power && value != 0; i++ {
			value /= 10
		}
		return value
	}
	for i := 0; i < power; i++ {
		value *= 10
	}
	return value
}
