// Package wire implements the binary on-wire frame format for the cube
// overlay: one byte protocol version, one byte message class, then a
// class-specific big-endian payload. See spec.md §4.2 and §6 for the
// normative layouts; this package implements them directly on
// encoding/binary rather than a general serialization library, because
// the byte-for-byte layout below IS the external contract (see DESIGN.md).
package wire

import "time"

// ProtocolVersion is the single supported wire protocol version.
const ProtocolVersion uint8 = 1

// Fixed sizes from spec.md §6.
const (
	CubeKeySize       = 32
	NotifyKeySize     = 32
	HashSize          = 32
	CubeSize          = 1024
	MaxCubesPerMessage = 256 // open question (c) resolved in DESIGN.md
	MaxNodeAddressCount = 10
)

// dateEpoch is the reference point the 5-byte big-endian date fields in
// CubeMeta/KeyRequest count seconds from: the Unix epoch. Five bytes give
// roughly 34 thousand years of range, comfortably more than this network
// will ever need.
var dateEpoch = time.Unix(0, 0).UTC()

func encodeDate5(t time.Time) [5]byte {
	var out [5]byte
	secs := uint64(t.Sub(dateEpoch).Seconds())
	out[0] = byte(secs >> 32)
	out[1] = byte(secs >> 24)
	out[2] = byte(secs >> 16)
	out[3] = byte(secs >> 8)
	out[4] = byte(secs)
	return out
}

func decodeDate5(b []byte) time.Time {
	secs := uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
	return dateEpoch.Add(time.Duration(secs) * time.Second)
}
