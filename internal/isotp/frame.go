// Package isotp implements ISO 15765-2 transport: segmentation and
// reassembly of payloads up to 4095 bytes over 8-byte CAN frames,
// including the flow-control handshake. One Session exists per
// ECU request/response address pair.
package isotp

import "fmt"

// pciType is the upper nibble of the first payload byte, identifying
// the ISO-TP frame kind.
type pciType byte

const (
	pciSingleFrame      pciType = 0x0
	pciFirstFrame       pciType = 0x1
	pciConsecutiveFrame pciType = 0x2
	pciFlowControl      pciType = 0x3
)

// Flow-control flag values (low nibble of an FC frame's first byte).
const (
	fcClearToSend byte = 0x0
	fcWait        byte = 0x1
	fcOverflow    byte = 0x2
)

// MaxPayload is the largest payload ISO-TP can carry (12-bit length field).
const MaxPayload = 4095

// frameDataLen is the usable payload capacity of a classic CAN frame.
const frameDataLen = 8

func pciNibble(b byte) pciType { return pciType(b >> 4) }

// decodeSingleFrame returns the declared payload length of a Single
// Frame PCI byte, or an error if the length is out of range (0 is
// invalid per spec, as is anything the frame can't hold).
func decodeSingleFrame(pci byte) (int, error) {
	n := int(pci & 0x0F)
	if n == 0 || n > frameDataLen-1 {
		return 0, fmt.Errorf("isotp: invalid single-frame length %d", n)
	}
	return n, nil
}

// decodeFirstFrame returns the declared total payload length from the
// FF's two PCI bytes.
func decodeFirstFrame(b0, b1 byte) (int, error) {
	n := (int(b0&0x0F) << 8) | int(b1)
	if n < frameDataLen-1 || n > MaxPayload {
		return 0, fmt.Errorf("isotp: invalid first-frame length %d", n)
	}
	return n, nil
}

// stMinNanos converts a raw STmin byte into a wait in nanoseconds per
// ISO 15765-2: 0x00-0x7F are milliseconds, 0xF1-0xF9 are 100-900us,
// anything else is reserved and treated as zero.
func stMinNanos(raw byte) int64 {
	switch {
	case raw <= 0x7F:
		return int64(raw) * 1_000_000
	case raw >= 0xF1 && raw <= 0xF9:
		return int64(raw-0xF0) * 100_000
	default:
		return 0
	}
}
