package fieldbus

import "math"

// The RCS controller exchanges coordinates as 32-bit floats spread across
// two consecutive holding registers with big-endian byte order inside each
// register and little-endian word order across the pair (low word first).

// encodeFloat32 packs v into the 4-byte register-pair payload.
func encodeFloat32(v float32) []byte {
	bits := math.Float32bits(v)
	lo := uint16(bits)
	hi := uint16(bits >> 16)
	return []byte{byte(lo >> 8), byte(lo), byte(hi >> 8), byte(hi)}
}

// decodeFloat32 unpacks a 4-byte register-pair payload.
func decodeFloat32(b []byte) float32 {
	lo := uint16(b[0])<<8 | uint16(b[1])
	hi := uint16(b[2])<<8 | uint16(b[3])
	return math.Float32frombits(uint32(hi)<<16 | uint32(lo))
}
