package memstore

import (
	"fmt"
	"time"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/store"
)

// The memstore envelope is NOT the wire protocol and not a real cube
// format: cube signing, hashing and difficulty verification are out of
// scope for this module (see DESIGN.md). It is the minimum fixed layout
// needed to exercise the contest and notification logic against a fake
// store in tests:
//
//	key[32] cubeType[1] difficulty[1] date[8 unix seconds, BE]
//	updateCount[8 BE] notify[32] payload[...]
//
// EncodeEnvelope/decodeEnvelope are the only places this layout is used.
const envelopeHeaderLen = overlay.CubeKeySize + 1 + 1 + 8 + 8 + overlay.CubeKeySize

// EncodeEnvelope builds a memstore test cube from its logical fields.
// payload is padded/truncated to exactly wire.CubeSize bytes by the
// caller; memstore stores whatever length it is given.
func EncodeEnvelope(meta overlay.CubeMeta, updateCount uint64, notify overlay.NotificationKey, payload []byte) []byte {
	out := make([]byte, 0, envelopeHeaderLen+len(payload))
	out = append(out, meta.Key[:]...)
	out = append(out, byte(meta.CubeType), meta.Difficulty)
	out = appendUint64(out, uint64(meta.Date.Unix()))
	out = appendUint64(out, updateCount)
	out = append(out, notify[:]...)
	out = append(out, payload...)
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(uint(i)*8)))
	}
	return b
}

func readUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func decodeEnvelope(raw []byte) (store.CubeInfo, error) {
	if len(raw) < envelopeHeaderLen {
		return store.CubeInfo{}, fmt.Errorf("envelope shorter than header (%d < %d)", len(raw), envelopeHeaderLen)
	}
	var info store.CubeInfo
	off := 0
	copy(info.Meta.Key[:], raw[off:off+overlay.CubeKeySize])
	off += overlay.CubeKeySize
	info.Meta.CubeType = overlay.CubeType(raw[off])
	off++
	info.Meta.Difficulty = raw[off]
	off++
	info.Meta.Date = time.Unix(int64(readUint64(raw[off:off+8])), 0).UTC()
	off += 8
	info.UpdateCount = readUint64(raw[off : off+8])
	off += 8
	copy(info.Notify[:], raw[off:off+overlay.CubeKeySize])
	off += overlay.CubeKeySize
	info.Raw = append([]byte(nil), raw...)
	return info, nil
}
