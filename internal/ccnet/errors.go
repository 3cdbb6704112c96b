// internal/ccnet/errors.go
package ccnet

import "fmt"

// FrameErrorKind classifies transport level faults. Frame errors are
// retried by the protocol layer and never reach the application raw.
type FrameErrorKind string

const (
	FrameChecksumMismatch FrameErrorKind = "CHECKSUM_MISMATCH"
	FrameMalformed        FrameErrorKind = "MALFORMED"
	FrameTimeout          FrameErrorKind = "TIMEOUT"
)

// FrameError reports a single failed frame read or write.
type FrameError struct {
	Kind FrameErrorKind
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame error %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("frame error %s", e.Kind)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ProtocolErrorKind classifies failures of a whole command exchange.
type ProtocolErrorKind string

const (
	// CommunicationFailure means the retry budget for a command is
	// exhausted. Fatal to the current operation; the state machine
	// moves to the error state.
	CommunicationFailure ProtocolErrorKind = "COMMUNICATION_FAILURE"
	// NegativeAcknowledged means the device explicitly rejected a
	// command with a NAK reply.
	NegativeAcknowledged ProtocolErrorKind = "NEGATIVE_ACKNOWLEDGED"
)

// ProtocolError reports a failed command exchange after retries.
type ProtocolError struct {
	Kind    ProtocolErrorKind
	Command byte
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error %s on command 0x%02X: %v", e.Kind, e.Command, e.Err)
	}
	return fmt.Sprintf("protocol error %s on command 0x%02X", e.Kind, e.Command)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UnknownDenominationError reports a bill type code the denomination
// table has no entry for. The polling loop survives it; the code is
// surfaced through an error event instead.
type UnknownDenominationError struct {
	Code byte
}

func (e *UnknownDenominationError) Error() string {
	return fmt.Sprintf("unknown denomination code 0x%02X", e.Code)
}

// ConfigError reports an invalid driver configuration. Raised at
// construction time, before any connection attempt.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}
