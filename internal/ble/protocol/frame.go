// Package protocol implements the FlySight command/response wire format:
// length-prefixed opcode frames with a CRC-16 trailer on the command and
// response characteristics, plus the directory-entry and live-GNSS packet
// layouts carried inside them.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcodes for the command characteristic. Responses arrive on the response
// characteristic carrying the request opcode with ResponseBit set.
const (
	OpDirRead    byte = 0x01
	OpFileRead   byte = 0x02
	OpFileCreate byte = 0x03
	OpFileWrite  byte = 0x04
	OpMaskRead   byte = 0x05
	OpMaskWrite  byte = 0x06
	OpStart      byte = 0x07
	OpCancel     byte = 0x08

	// OpStartResult is unsolicited: the device pushes it on the response
	// characteristic when the start pistol fires.
	OpStartResult byte = 0x49

	ResponseBit byte = 0x80
)

// StatusOK is the ack status byte; anything else is a device NAK.
const StatusOK byte = 0x00

// MaxFramePayload is the largest payload that fits one notification at the
// negotiated 247-byte MTU after the frame envelope.
const MaxFramePayload = 240

// frame envelope: [len u8][opcode u8][payload][crc u16 LE], where len counts
// opcode + payload and the CRC covers the same bytes.
const frameOverhead = 3

// ErrMalformed reports a frame that fails length or CRC validation.
var ErrMalformed = errors.New("protocol: malformed frame")

// Family maps an opcode (request or response) to its request opcode, the
// correlation key for FIFO matching.
func Family(op byte) byte {
	return op &^ ResponseBit
}

// IsResponse reports whether op is a response opcode.
func IsResponse(op byte) bool {
	return op&ResponseBit != 0
}

// EncodeFrame wraps opcode + payload in the frame envelope.
func EncodeFrame(op byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("protocol: payload %d exceeds max %d", len(payload), MaxFramePayload)
	}
	buf := make([]byte, 0, len(payload)+frameOverhead+1)
	buf = append(buf, byte(len(payload)+1), op)
	buf = append(buf, payload...)
	crc := crc16(buf[1:])
	buf = binary.LittleEndian.AppendUint16(buf, crc)
	return buf, nil
}

// DecodeFrame validates the envelope and returns the opcode and payload.
// The payload aliases data; callers that retain it must copy.
func DecodeFrame(data []byte) (op byte, payload []byte, err error) {
	if len(data) < frameOverhead+1 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	n := int(data[0])
	if n < 1 || len(data) != n+frameOverhead {
		return 0, nil, fmt.Errorf("%w: length byte %d, frame %d bytes", ErrMalformed, n, len(data))
	}
	body := data[1 : 1+n]
	want := binary.LittleEndian.Uint16(data[1+n:])
	if got := crc16(body); got != want {
		return 0, nil, fmt.Errorf("%w: crc 0x%04x, want 0x%04x", ErrMalformed, got, want)
	}
	return body[0], body[1:], nil
}

// crc16 is CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF), the checksum the
// device firmware applies to every command/response frame.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
