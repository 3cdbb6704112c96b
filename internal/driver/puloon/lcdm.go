// internal/driver/puloon/lcdm.go
package puloon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cash-device-service/internal/protocol"
)

// LCDM-2000 framing bytes
const (
	lcdmEOT  byte = 0x04
	lcdmSOH  byte = 0x01
	lcdmSTX  byte = 0x02
	lcdmETX  byte = 0x03
	lcdmID   byte = 0x50
	lcdmACK  byte = 0x06
	lcdmNAK  byte = 0xFF
	lcdmNCK  byte = 0x15
)

// LCDM-2000 commands
const (
	CmdPurge         byte = 0x44
	CmdStatus        byte = 0x46
	CmdUpperDispense byte = 0x45
	CmdLowerDispense byte = 0x55
	CmdBothDispense  byte = 0x56
)

// MaxDispenseCount is the per-cassette limit of a single dispense
// command.
const MaxDispenseCount = 60

const (
	sendAttempts    = 2
	receiveAttempts = 3
)

// lcdmErrors maps device error codes to message and severity. Codes
// 0x30 and 0x31 are reported by the device but are not faults.
var lcdmErrors = map[byte]struct {
	message string
	fatal   bool
}{
	0x30: {"good", false},
	0x31: {"normal stop", false},
	0x32: {"pickup error", true},
	0x33: {"jam at CHK1,2 sensor", true},
	0x34: {"overflow bill", true},
	0x35: {"jam at EXIT or EJT sensor", true},
	0x36: {"jam at DIV sensor", true},
	0x37: {"undefined command", true},
	0x38: {"upper bill end", true},
	0x3A: {"counting error between CHK3,4 and DIV sensor", true},
	0x3B: {"note request error", true},
	0x3C: {"counting error between DIV and EJT sensor", true},
	0x3D: {"counting error between EJT and EXIT sensor", true},
	0x3F: {"reject tray is not recognized", true},
	0x40: {"lower bill end", true},
	0x41: {"motor stop", true},
	0x42: {"jam at DIV sensor", true},
	0x43: {"timeout from DIV to EJT sensor", true},
	0x44: {"over reject", true},
	0x45: {"upper cassette is not recognized", true},
	0x46: {"lower cassette is not recognized", true},
	0x47: {"dispensing timeout", true},
	0x48: {"jam at EJT sensor", true},
	0x49: {"diverter solenoid or SOL sensor error", true},
	0x4A: {"SOL sensor error", true},
	0x4C: {"jam at CHK3,4 sensor", true},
	0x4E: {"purge error, jam at DIV sensor", true},
}

// DispenserError is a device reported fault.
type DispenserError struct {
	Code    byte
	Message string
}

func (e *DispenserError) Error() string {
	return fmt.Sprintf("dispenser error 0x%02X: %s", e.Code, e.Message)
}

// checkErrorByte maps a response error byte to an error, nil for the
// non-fault codes.
func checkErrorByte(code byte) error {
	if entry, ok := lcdmErrors[code]; ok {
		if !entry.fatal {
			return nil
		}
		return &DispenserError{Code: code, Message: entry.message}
	}
	return &DispenserError{Code: code, Message: "unknown error"}
}

// SensorStatus holds the decoded sensor block of a STATUS response.
type SensorStatus struct {
	CheckSensor1   bool `json:"check_sensor_1"`
	CheckSensor2   bool `json:"check_sensor_2"`
	CheckSensor3   bool `json:"check_sensor_3"`
	CheckSensor4   bool `json:"check_sensor_4"`
	DivertSensor1  bool `json:"divert_sensor_1"`
	DivertSensor2  bool `json:"divert_sensor_2"`
	EjectSensor    bool `json:"eject_sensor"`
	ExitSensor     bool `json:"exit_sensor"`
	SolenoidSensor bool `json:"solenoid_sensor"`
	UpperNearEnd   bool `json:"upper_near_end"`
	LowerNearEnd   bool `json:"lower_near_end"`
	CashBoxUpper   bool `json:"cash_box_upper"`
	CashBoxLower   bool `json:"cash_box_lower"`
	RejectTray     bool `json:"reject_tray"`
}

// PathBlocked reports whether any transport path sensor sees a bill.
func (s *SensorStatus) PathBlocked() bool {
	return s.CheckSensor1 || s.CheckSensor2 || s.CheckSensor3 || s.CheckSensor4 ||
		s.DivertSensor1 || s.DivertSensor2 || s.EjectSensor || s.ExitSensor ||
		s.RejectTray
}

// CassetteMissing reports whether either cassette is out of its bay.
func (s *SensorStatus) CassetteMissing() bool {
	return s.CashBoxUpper || s.CashBoxLower
}

// DispenseCounts is the decoded counter block of a dual dispense
// response.
type DispenseCounts struct {
	UpperExit     int `json:"upper_exit"`
	LowerExit     int `json:"lower_exit"`
	UpperRejected int `json:"upper_rejected"`
	LowerRejected int `json:"lower_rejected"`
	UpperCheck    int `json:"upper_check"`
	LowerCheck    int `json:"lower_check"`
}

// Session drives the LCDM-2000 request/response exchange over a
// transport. One command is in flight at a time; the driver
// serializes callers.
type Session struct {
	conn    protocol.DeviceProtocol
	timeout time.Duration
	logger  *zap.Logger
}

// NewSession creates a dispenser session over an opened transport.
func NewSession(conn protocol.DeviceProtocol, timeout time.Duration, logger *zap.Logger) *Session {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{conn: conn, timeout: timeout, logger: logger}
}

// bcc is the packet checksum, XOR over all preceding bytes.
func bcc(buf []byte) byte {
	crc := buf[0]
	for _, b := range buf[1:] {
		crc ^= b
	}
	return crc
}

// BuildPacket frames a command for the wire.
func BuildPacket(cmd byte, data []byte) []byte {
	packet := make([]byte, 0, len(data)+5)
	packet = append(packet, lcdmEOT, lcdmID, lcdmSTX, cmd)
	packet = append(packet, data...)
	packet = append(packet, lcdmETX)
	return append(packet, bcc(packet))
}

// VerifyPacket checks response framing and checksum.
func VerifyPacket(raw []byte) bool {
	if len(raw) < 5 {
		return false
	}
	if raw[0] != lcdmSOH || raw[1] != lcdmID || raw[2] != lcdmSTX {
		return false
	}
	return bcc(raw[:len(raw)-1]) == raw[len(raw)-1]
}

// Exchange runs one command round trip: send until the device ACKs,
// then collect and acknowledge the response packet.
func (s *Session) Exchange(ctx context.Context, cmd byte, data []byte, respLen int) ([]byte, error) {
	packet := BuildPacket(cmd, data)

	acked := false
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if err := s.conn.Write(ctx, packet); err != nil {
			return nil, fmt.Errorf("failed to send command 0x%02X: %w", cmd, err)
		}

		ack, err := s.readFull(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("no acknowledge for command 0x%02X: %w", cmd, err)
		}
		if ack[0] == lcdmACK {
			acked = true
			break
		}
		// NAK means the device saw a corrupted packet; resend.
		s.logger.Warn("dispenser rejected command packet",
			zap.Uint8("command", cmd),
			zap.Uint8("response", ack[0]))
	}
	if !acked {
		return nil, fmt.Errorf("command 0x%02X not acknowledged", cmd)
	}

	return s.readResponse(ctx, respLen)
}

// readResponse collects the response packet, NAKing corrupted ones.
func (s *Session) readResponse(ctx context.Context, respLen int) ([]byte, error) {
	for attempt := 0; attempt < receiveAttempts; attempt++ {
		raw, err := s.readFull(ctx, respLen)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		if len(raw) < 4 || !VerifyPacket(raw) {
			if err := s.conn.Write(ctx, []byte{lcdmNAK}); err != nil {
				return nil, fmt.Errorf("failed to send NAK: %w", err)
			}
			continue
		}

		if err := s.conn.Write(ctx, []byte{lcdmACK}); err != nil {
			return nil, fmt.Errorf("failed to acknowledge response: %w", err)
		}
		return raw, nil
	}
	return nil, fmt.Errorf("no valid response after %d attempts", receiveAttempts)
}

// readFull reads exactly n bytes within the response timeout.
func (s *Session) readFull(ctx context.Context, n int) ([]byte, error) {
	deadline := time.Now().Add(s.timeout)
	buf := make([]byte, 0, n)
	for len(buf) < n {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out reading %d bytes, got %d", n, len(buf))
		}
		readCtx, cancel := context.WithDeadline(ctx, deadline)
		chunk, err := s.conn.Read(readCtx, n-len(buf))
		cancel()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

// Status queries the device and decodes the sensor block.
func (s *Session) Status(ctx context.Context) (*SensorStatus, error) {
	const (
		respLen      = 10
		errorBytePos = 5
	)

	raw, err := s.Exchange(ctx, CmdStatus, nil, respLen)
	if err != nil {
		return nil, err
	}
	if len(raw) != respLen {
		return nil, fmt.Errorf("unexpected status response length %d", len(raw))
	}
	if err := checkErrorByte(raw[errorBytePos]); err != nil {
		return nil, err
	}

	return decodeSensors(raw[6], raw[7]), nil
}

// decodeSensors expands the two sensor flag bytes of a STATUS
// response.
func decodeSensors(r6, r7 byte) *SensorStatus {
	return &SensorStatus{
		CheckSensor1:   r6&0b00000001 != 0,
		CheckSensor2:   r6&0b00000010 != 0,
		DivertSensor1:  r6&0b00000100 != 0,
		DivertSensor2:  r6&0b00001000 != 0,
		EjectSensor:    r6&0b00010000 != 0,
		ExitSensor:     r6&0b00100000 != 0,
		UpperNearEnd:   r6&0b01000000 != 0,
		SolenoidSensor: r7&0b00000001 != 0,
		CashBoxUpper:   r7&0b00000010 != 0,
		CashBoxLower:   r7&0b00000100 != 0,
		CheckSensor3:   r7&0b00001000 != 0,
		CheckSensor4:   r7&0b00010000 != 0,
		LowerNearEnd:   r7&0b00100000 != 0,
		RejectTray:     r7&0b01000000 != 0,
	}
}

// Purge clears any bills stuck in the transport path.
func (s *Session) Purge(ctx context.Context) error {
	const (
		respLen      = 7
		errorBytePos = 4
	)

	raw, err := s.Exchange(ctx, CmdPurge, nil, respLen)
	if err != nil {
		return err
	}
	if len(raw) != respLen {
		return fmt.Errorf("unexpected purge response length %d", len(raw))
	}
	return checkErrorByte(raw[errorBytePos])
}

// DispenseSingle dispenses from one cassette. The count rides as two
// ASCII digits.
func (s *Session) DispenseSingle(ctx context.Context, cmd byte, count int) error {
	const (
		respLen      = 14
		errorBytePos = 8
	)

	if count < 1 || count > MaxDispenseCount {
		return fmt.Errorf("dispense count %d out of range 1..%d", count, MaxDispenseCount)
	}

	raw, err := s.Exchange(ctx, cmd, encodeCount(count), respLen)
	if err != nil {
		return err
	}
	if len(raw) != respLen {
		return fmt.Errorf("unexpected dispense response length %d", len(raw))
	}
	return checkErrorByte(raw[errorBytePos])
}

// DispenseBoth dispenses from both cassettes in one motion and
// returns the device's per-cassette counters.
func (s *Session) DispenseBoth(ctx context.Context, upperCount, lowerCount int) (*DispenseCounts, error) {
	const (
		respLen      = 21
		errorBytePos = 12
	)

	if upperCount < 0 || upperCount > MaxDispenseCount {
		return nil, fmt.Errorf("upper count %d out of range 0..%d", upperCount, MaxDispenseCount)
	}
	if lowerCount < 0 || lowerCount > MaxDispenseCount {
		return nil, fmt.Errorf("lower count %d out of range 0..%d", lowerCount, MaxDispenseCount)
	}

	data := append(encodeCount(upperCount), encodeCount(lowerCount)...)
	raw, err := s.Exchange(ctx, CmdBothDispense, data, respLen)
	if err != nil {
		return nil, err
	}
	if len(raw) != respLen {
		return nil, fmt.Errorf("unexpected dispense response length %d", len(raw))
	}

	counts := &DispenseCounts{
		UpperCheck:    decodeCount(raw[4], raw[5]),
		UpperExit:     decodeCount(raw[6], raw[7]),
		LowerCheck:    decodeCount(raw[8], raw[9]),
		LowerExit:     decodeCount(raw[10], raw[11]),
		UpperRejected: decodeCount(raw[15], raw[16]),
		LowerRejected: decodeCount(raw[17], raw[18]),
	}

	if err := checkErrorByte(raw[errorBytePos]); err != nil {
		// Exit counts are valid even when the motion ended in a
		// fault; the caller needs them to settle inventory.
		return counts, err
	}
	return counts, nil
}

// encodeCount renders a count as two ASCII digits.
func encodeCount(count int) []byte {
	return []byte{byte('0' + count/10), byte('0' + count%10)}
}

// decodeCount reads a two ASCII digit counter.
func decodeCount(hi, lo byte) int {
	return int(hi-'0')*10 + int(lo-'0')
}
