// internal/ccnet/commands.go
// Package ccnet implements the CCNET serial protocol spoken by CashCode
// compatible bill validators: frame codec, command/response exchange,
// status decoding and the validator state machine.
package ccnet

import "fmt"

// Framing constants.
const (
	Sync          byte = 0x02
	ValidatorAddr byte = 0x03

	// Frame length bounds. The length byte counts the whole frame
	// including sync and checksum, so the smallest frame is a bare
	// command and the largest payload is MaxFrameLen-6 bytes.
	MinFrameLen = 6
	MaxFrameLen = 250
)

// Command codes sent from the controller to the validator.
const (
	CmdACK             byte = 0x00
	CmdReset           byte = 0x30
	CmdGetStatus       byte = 0x31
	CmdSetSecurity     byte = 0x32
	CmdPoll            byte = 0x33
	CmdEnableBillTypes byte = 0x34
	CmdStack           byte = 0x35
	CmdReturn          byte = 0x36
	CmdIdentification  byte = 0x37
	CmdHold            byte = 0x38
	CmdGetBillTable    byte = 0x41
	CmdNAK             byte = 0xFF
)

// Status codes reported in the first byte of a poll response.
const (
	StatusPowerUp                byte = 0x10
	StatusPowerUpBillInValidator byte = 0x11
	StatusPowerUpBillInStacker   byte = 0x12
	StatusInitialize             byte = 0x13
	StatusIdling                 byte = 0x14
	StatusAccepting              byte = 0x15
	StatusStacking               byte = 0x17
	StatusReturning              byte = 0x18
	StatusUnitDisabled           byte = 0x19
	StatusHolding                byte = 0x1A
	StatusBusy                   byte = 0x1B
	StatusRejecting              byte = 0x1C
	StatusCassetteFull           byte = 0x41
	StatusCassetteRemoved        byte = 0x42
	StatusJammed                 byte = 0x43
	StatusCassetteJammed         byte = 0x44
	StatusCheated                byte = 0x45
	StatusPause                  byte = 0x46
	StatusFailure                byte = 0x47
	StatusEscrow                 byte = 0x80
	StatusStacked                byte = 0x81
	StatusReturned               byte = 0x82
)

// Rejection reasons carried in the second byte of a rejecting status.
var rejectReasons = map[byte]string{
	0x60: "insertion error",
	0x61: "magnetic sensor error",
	0x62: "bill remained in head",
	0x63: "multiplying factor error",
	0x64: "conveying error",
	0x65: "identification error",
	0x66: "verification error",
	0x67: "optic sensor error",
	0x68: "denomination inhibited",
	0x69: "capacitance error",
	0x6A: "operation error",
	0x6C: "length error",
}

// Failure reasons carried in the second byte of a generic failure status.
var failureReasons = map[byte]string{
	0x50: "stack motor failure",
	0x51: "transport motor speed failure",
	0x52: "transport motor failure",
	0x53: "aligning motor failure",
	0x54: "initial cassette status failure",
	0x55: "optic canal failure",
	0x56: "magnetic canal failure",
	0x5F: "capacitance canal failure",
}

// RejectReason translates a rejection code into a readable description.
func RejectReason(code byte) string {
	if reason, ok := rejectReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown rejection 0x%02X", code)
}

// FailureReason translates a failure code into a readable description.
func FailureReason(code byte) string {
	if reason, ok := failureReasons[code]; ok {
		return reason
	}
	return fmt.Sprintf("unknown failure 0x%02X", code)
}

// BillMask selects bill types 0 through 23, one bit per device bill
// type code. On the wire the mask travels as three bytes, most
// significant byte first, matching the ENABLE BILL TYPES layout.
type BillMask uint32

// AllBills enables every bill type the device knows.
const AllBills BillMask = 0x00FFFFFF

// Has reports whether the mask includes the given bill type code.
func (m BillMask) Has(code byte) bool {
	return code < 24 && m&(1<<uint(code)) != 0
}

// With returns a copy of the mask with the given bill type enabled.
func (m BillMask) With(code byte) BillMask {
	if code >= 24 {
		return m
	}
	return m | 1<<uint(code)
}

func (m BillMask) bytes() []byte {
	return []byte{byte(m >> 16), byte(m >> 8), byte(m)}
}

func maskFromBytes(b []byte) BillMask {
	if len(b) < 3 {
		return 0
	}
	return BillMask(b[0])<<16 | BillMask(b[1])<<8 | BillMask(b[2])
}
