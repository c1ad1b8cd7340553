package wire

import (
	"encoding/binary"

	"github.com/cubeoverlay/node/internal/overlay"
)

// MyServerAddressPayload advertises the sender's locally-dialable address,
// if any transport exposes one.
type MyServerAddressPayload struct {
	Address overlay.Address
}

func (MyServerAddressPayload) Class() MessageClass { return ClassMyServerAddress }

func (p MyServerAddressPayload) encodeBody() []byte {
	typ, ascii := encodeAddressASCII(p.Address)
	out := make([]byte, 0, 1+2+len(ascii))
	out = append(out, typ)
	out = putUint16(out, len(ascii))
	out = append(out, ascii...)
	return out
}

func decodeMyServerAddress(body []byte) (MyServerAddressPayload, error) {
	if len(body) < 3 {
		return MyServerAddressPayload{}, &ParseError{Class: ClassMyServerAddress, Msg: "body shorter than fixed header"}
	}
	length := int(binary.BigEndian.Uint16(body[1:3]))
	rest := body[3:]
	if len(rest) != length {
		return MyServerAddressPayload{}, &ParseError{Class: ClassMyServerAddress, Msg: "declared length inconsistent with body"}
	}
	addr, err := decodeAddressASCII(body[0], rest)
	if err != nil {
		return MyServerAddressPayload{}, &ParseError{Class: ClassMyServerAddress, Msg: err.Error()}
	}
	return MyServerAddressPayload{Address: addr}, nil
}
