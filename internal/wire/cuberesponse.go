package wire

import "encoding/binary"

// CubeResponsePayload carries up to MaxCubesPerMessage raw, fixed-size
// cubes. Missing cubes a CubeRequest asked for are simply omitted; this
// payload never signals "not found" explicitly.
type CubeResponsePayload struct {
	Cubes [][]byte // each exactly CubeSize bytes
}

func (CubeResponsePayload) Class() MessageClass { return ClassCubeResponse }

func (p CubeResponsePayload) encodeBody() []byte {
	cubes := p.Cubes
	if len(cubes) > MaxCubesPerMessage {
		cubes = cubes[:MaxCubesPerMessage]
	}
	out := make([]byte, 0, 2+len(cubes)*CubeSize)
	out = putUint16(out, len(cubes))
	for _, c := range cubes {
		buf := make([]byte, CubeSize)
		copy(buf, c)
		out = append(out, buf...)
	}
	return out
}

func decodeCubeResponse(body []byte) (CubeResponsePayload, error) {
	if len(body) < 2 {
		return CubeResponsePayload{}, &ParseError{Class: ClassCubeResponse, Msg: "body shorter than count field"}
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	if count > MaxCubesPerMessage {
		count = MaxCubesPerMessage
	}
	rest := body[2:]
	if len(rest) != count*CubeSize {
		return CubeResponsePayload{}, &ParseError{Class: ClassCubeResponse, Msg: "cube count inconsistent with body length"}
	}
	cubes := make([][]byte, count)
	for i := 0; i < count; i++ {
		cube := make([]byte, CubeSize)
		copy(cube, rest[i*CubeSize:(i+1)*CubeSize])
		cubes[i] = cube
	}
	return CubeResponsePayload{Cubes: cubes}, nil
}
