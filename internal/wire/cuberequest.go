package wire

import (
	"encoding/binary"

	"github.com/cubeoverlay/node/internal/overlay"
)

// CubeRequestPayload asks for a batch of cubes by key, capped at
// MaxCubesPerMessage.
type CubeRequestPayload struct {
	Keys []overlay.CubeKey
}

func (CubeRequestPayload) Class() MessageClass { return ClassCubeRequest }

func (p CubeRequestPayload) encodeBody() []byte {
	keys := p.Keys
	if len(keys) > MaxCubesPerMessage {
		keys = keys[:MaxCubesPerMessage]
	}
	out := make([]byte, 0, 2+len(keys)*CubeKeySize)
	out = putUint16(out, len(keys))
	for _, k := range keys {
		out = append(out, k[:]...)
	}
	return out
}

func decodeCubeRequest(body []byte) (CubeRequestPayload, error) {
	if len(body) < 2 {
		return CubeRequestPayload{}, &ParseError{Class: ClassCubeRequest, Msg: "body shorter than count field"}
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	if count > MaxCubesPerMessage {
		count = MaxCubesPerMessage
	}
	rest := body[2:]
	if len(rest) != count*CubeKeySize {
		return CubeRequestPayload{}, &ParseError{Class: ClassCubeRequest, Msg: "key count inconsistent with body length"}
	}
	keys := make([]overlay.CubeKey, count)
	for i := 0; i < count; i++ {
		copy(keys[i][:], rest[i*CubeKeySize:(i+1)*CubeKeySize])
	}
	return CubeRequestPayload{Keys: keys}, nil
}
