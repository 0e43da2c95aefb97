package protocol

import (
	"encoding/binary"
	"fmt"
)

// GNSS mask bits. Each bit enables a fixed group of fields in the live
// telemetry packet; groups always appear in bit order.
const (
	MaskTime     byte = 1 << 0 // time of week, u32 ms
	MaskPosition byte = 1 << 1 // lat i32, lon i32, 1e-7 deg
	MaskHeight   byte = 1 << 2 // height above ellipsoid, i32 mm
	MaskVelocity byte = 1 << 3 // velN, velE, velD, i32 mm/s
	MaskAccuracy byte = 1 << 4 // hAcc u32 mm, vAcc u32 mm, sAcc u32 mm/s
	MaskNumSV    byte = 1 << 5 // satellite count, u8

	MaskAll = MaskTime | MaskPosition | MaskHeight | MaskVelocity | MaskAccuracy | MaskNumSV
)

// GNSSData is one decoded live telemetry packet. Only the fields whose mask
// bit is set are populated; the rest are zero and must be treated as absent
// (check Has before reading). Snapshots are replaced wholesale per packet.
type GNSSData struct {
	Mask byte

	TimeOfWeek uint32  // ms into the GPS week
	Lat        float64 // degrees
	Lon        float64 // degrees
	Height     float64 // metres above ellipsoid
	VelN       float64 // m/s
	VelE       float64 // m/s
	VelD       float64 // m/s
	HAcc       float64 // metres
	VAcc       float64 // metres
	SAcc       float64 // m/s
	NumSV      uint8
}

// Has reports whether the field group for bit was present in the packet.
func (d GNSSData) Has(bit byte) bool {
	return d.Mask&bit != 0
}

// gnssGroupSize returns the byte width of the field group for a mask bit.
func gnssGroupSize(bit byte) int {
	switch bit {
	case MaskTime, MaskHeight:
		return 4
	case MaskPosition:
		return 8
	case MaskVelocity, MaskAccuracy:
		return 12
	case MaskNumSV:
		return 1
	}
	return 0
}

// GNSSPacketSize returns the exact payload length (after the leading mask
// byte) a packet with the given mask must carry.
func GNSSPacketSize(mask byte) int {
	n := 0
	for bit := byte(1); bit <= MaskNumSV; bit <<= 1 {
		if mask&bit != 0 {
			n += gnssGroupSize(bit)
		}
	}
	return n
}

// DecodeGNSSPacket parses one telemetry notification: a mask byte followed
// by exactly the fields that mask selects. Any length mismatch is a framing
// error; the packet must be dropped without touching prior state.
func DecodeGNSSPacket(data []byte) (GNSSData, error) {
	if len(data) < 1 {
		return GNSSData{}, fmt.Errorf("%w: empty gnss packet", ErrMalformed)
	}
	mask := data[0]
	if mask&^MaskAll != 0 {
		return GNSSData{}, fmt.Errorf("%w: unknown gnss mask bits 0x%02x", ErrMalformed, mask&^MaskAll)
	}
	body := data[1:]
	if want := GNSSPacketSize(mask); len(body) != want {
		return GNSSData{}, fmt.Errorf("%w: gnss payload %d bytes, mask 0x%02x needs %d", ErrMalformed, len(body), mask, want)
	}

	d := GNSSData{Mask: mask}
	off := 0
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(body[off:])
		off += 4
		return v
	}
	i32 := func() int32 { return int32(u32()) }

	if mask&MaskTime != 0 {
		d.TimeOfWeek = u32()
	}
	if mask&MaskPosition != 0 {
		d.Lat = float64(i32()) * 1e-7
		d.Lon = float64(i32()) * 1e-7
	}
	if mask&MaskHeight != 0 {
		d.Height = float64(i32()) / 1000
	}
	if mask&MaskVelocity != 0 {
		d.VelN = float64(i32()) / 1000
		d.VelE = float64(i32()) / 1000
		d.VelD = float64(i32()) / 1000
	}
	if mask&MaskAccuracy != 0 {
		d.HAcc = float64(u32()) / 1000
		d.VAcc = float64(u32()) / 1000
		d.SAcc = float64(u32()) / 1000
	}
	if mask&MaskNumSV != 0 {
		d.NumSV = body[off]
	}
	return d, nil
}

// EncodeGNSSPacket builds a telemetry notification from a snapshot, used by
// tests and device simulators.
func EncodeGNSSPacket(d GNSSData) []byte {
	buf := make([]byte, 0, 1+GNSSPacketSize(d.Mask))
	buf = append(buf, d.Mask)
	i32 := func(v float64, scale float64) {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v*scale)))
	}
	if d.Mask&MaskTime != 0 {
		buf = binary.LittleEndian.AppendUint32(buf, d.TimeOfWeek)
	}
	if d.Mask&MaskPosition != 0 {
		i32(d.Lat, 1e7)
		i32(d.Lon, 1e7)
	}
	if d.Mask&MaskHeight != 0 {
		i32(d.Height, 1000)
	}
	if d.Mask&MaskVelocity != 0 {
		i32(d.VelN, 1000)
		i32(d.VelE, 1000)
		i32(d.VelD, 1000)
	}
	if d.Mask&MaskAccuracy != 0 {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d.HAcc*1000))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d.VAcc*1000))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(d.SAcc*1000))
	}
	if d.Mask&MaskNumSV != 0 {
		buf = append(buf, d.NumSV)
	}
	return buf
}
