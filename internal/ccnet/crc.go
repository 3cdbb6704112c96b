// internal/ccnet/crc.go
package ccnet

// Reversed CCITT polynomial used by the frame checksum.
const crcPolynomial uint16 = 0x08408

// Checksum computes the CCNET frame checksum: CRC16 with the reversed
// polynomial 0x08408, initial value zero, least significant bit first.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPolynomial
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// VerifyFrame reports whether a complete frame carries a valid trailing
// checksum. The checksum covers every byte before its own two, stored
// low byte first.
func VerifyFrame(frame []byte) bool {
	if len(frame) < MinFrameLen {
		return false
	}
	n := len(frame)
	want := uint16(frame[n-2]) | uint16(frame[n-1])<<8
	return Checksum(frame[:n-2]) == want
}

func appendChecksum(frame []byte) []byte {
	crc := Checksum(frame)
	return append(frame, byte(crc), byte(crc>>8))
}
