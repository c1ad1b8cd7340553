package wire

import (
	"encoding/binary"

	"github.com/cubeoverlay/node/internal/overlay"
)

// KeyResponsePayload answers a KeyRequest with up to MaxCubesPerMessage
// metadata records, in the same mode as the request.
type KeyResponsePayload struct {
	Mode  KeyRequestMode
	Metas []overlay.CubeMeta
}

func (KeyResponsePayload) Class() MessageClass { return ClassKeyResponse }

const keyResponseRecordLen = 1 + 1 + 5 + CubeKeySize

func (p KeyResponsePayload) encodeBody() []byte {
	metas := p.Metas
	if len(metas) > MaxCubesPerMessage {
		metas = metas[:MaxCubesPerMessage]
	}
	out := make([]byte, 0, 1+2+len(metas)*keyResponseRecordLen)
	out = append(out, byte(p.Mode))
	out = putUint16(out, len(metas))
	for _, m := range metas {
		out = append(out, byte(m.CubeType), m.Difficulty)
		d := encodeDate5(m.Date)
		out = append(out, d[:]...)
		out = append(out, m.Key[:]...)
	}
	return out
}

func decodeKeyResponse(body []byte) (KeyResponsePayload, error) {
	if len(body) < 3 {
		return KeyResponsePayload{}, &ParseError{Class: ClassKeyResponse, Msg: "body shorter than fixed header"}
	}
	if !validKeyRequestMode(body[0]) {
		return KeyResponsePayload{}, &ParseError{Class: ClassKeyResponse, Msg: "invalid mode byte"}
	}
	p := KeyResponsePayload{Mode: KeyRequestMode(body[0])}
	count := int(binary.BigEndian.Uint16(body[1:3]))
	if count > MaxCubesPerMessage {
		count = MaxCubesPerMessage
	}
	rest := body[3:]
	if len(rest) != count*keyResponseRecordLen {
		return KeyResponsePayload{}, &ParseError{Class: ClassKeyResponse, Msg: "record count inconsistent with body length"}
	}
	p.Metas = make([]overlay.CubeMeta, count)
	for i := 0; i < count; i++ {
		rec := rest[i*keyResponseRecordLen : (i+1)*keyResponseRecordLen]
		m := overlay.CubeMeta{
			CubeType:   overlay.CubeType(rec[0]),
			Difficulty: rec[1],
			Date:       decodeDate5(rec[2:7]),
		}
		copy(m.Key[:], rec[7:7+CubeKeySize])
		p.Metas[i] = m
	}
	return p, nil
}
