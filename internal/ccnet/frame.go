// internal/ccnet/frame.go
package ccnet

import "fmt"

// BuildFrame assembles a complete wire frame for the given command and
// payload: sync byte, peripheral address, total length, command, data
// and the trailing checksum.
func BuildFrame(cmd byte, data []byte) ([]byte, error) {
	total := len(data) + MinFrameLen
	if total > MaxFrameLen {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("payload of %d bytes exceeds maximum frame size", len(data)),
		}
	}
	frame := make([]byte, 0, total)
	frame = append(frame, Sync, ValidatorAddr, byte(total), cmd)
	frame = append(frame, data...)
	return appendChecksum(frame), nil
}

// ParseFrame validates the framing and checksum of a complete inbound
// frame and returns its payload, the bytes between the length field and
// the checksum. For responses the first payload byte is the response
// code or status.
func ParseFrame(frame []byte) ([]byte, error) {
	if len(frame) < MinFrameLen {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("frame of %d bytes below minimum", len(frame)),
		}
	}
	if frame[0] != Sync {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("bad sync byte 0x%02X", frame[0]),
		}
	}
	if frame[1] != ValidatorAddr {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("unexpected peripheral address 0x%02X", frame[1]),
		}
	}
	if int(frame[2]) != len(frame) {
		return nil, &FrameError{
			Kind: FrameMalformed,
			Err:  fmt.Errorf("length field %d does not match frame size %d", frame[2], len(frame)),
		}
	}
	if !VerifyFrame(frame) {
		return nil, &FrameError{Kind: FrameChecksumMismatch}
	}
	return frame[3 : len(frame)-2], nil
}
