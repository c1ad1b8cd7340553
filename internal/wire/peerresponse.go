package wire

import (
	"encoding/binary"

	"github.com/cubeoverlay/node/internal/overlay"
)

// PeerResponsePayload answers a PeerRequest with up to
// MaxNodeAddressCount addresses.
type PeerResponsePayload struct {
	Addresses []overlay.Address
}

func (PeerResponsePayload) Class() MessageClass { return ClassPeerResponse }

func (p PeerResponsePayload) encodeBody() []byte {
	addrs := p.Addresses
	if len(addrs) > MaxNodeAddressCount {
		addrs = addrs[:MaxNodeAddressCount]
	}
	out := make([]byte, 0, 2+len(addrs)*8)
	out = putUint16(out, len(addrs))
	for _, a := range addrs {
		typ, ascii := encodeAddressASCII(a)
		out = append(out, typ)
		out = putUint16(out, len(ascii))
		out = append(out, ascii...)
	}
	return out
}

func decodePeerResponse(body []byte) (PeerResponsePayload, error) {
	if len(body) < 2 {
		return PeerResponsePayload{}, &ParseError{Class: ClassPeerResponse, Msg: "body shorter than count field"}
	}
	count := int(binary.BigEndian.Uint16(body[:2]))
	if count > MaxNodeAddressCount {
		count = MaxNodeAddressCount
	}
	rest := body[2:]
	addrs := make([]overlay.Address, 0, count)
	for i := 0; i < count; i++ {
		if len(rest) < 3 {
			return PeerResponsePayload{}, &ParseError{Class: ClassPeerResponse, Msg: "truncated address entry"}
		}
		typ := rest[0]
		length := int(binary.BigEndian.Uint16(rest[1:3]))
		rest = rest[3:]
		if len(rest) < length {
			return PeerResponsePayload{}, &ParseError{Class: ClassPeerResponse, Msg: "truncated address ASCII body"}
		}
		addr, err := decodeAddressASCII(typ, rest[:length])
		if err != nil {
			return PeerResponsePayload{}, &ParseError{Class: ClassPeerResponse, Msg: err.Error()}
		}
		addrs = append(addrs, addr)
		rest = rest[length:]
	}
	if len(rest) != 0 {
		return PeerResponsePayload{}, &ParseError{Class: ClassPeerResponse, Msg: "trailing bytes after declared addresses"}
	}
	return PeerResponsePayload{Addresses: addrs}, nil
}
