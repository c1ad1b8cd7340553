package wire

import (
	"net"
	"strconv"

	"github.com/cubeoverlay/node/internal/overlay"
)

// addressType tags the ASCII encoding of an Address on the wire.
// AddressKindWebsocket/Multiaddress are zero-based; the wire byte is
// one-based so that 0 is never a valid, silently-misparsed type.
func addressTypeByte(k overlay.AddressKind) byte { return byte(k) + 1 }

func addressKindFromByte(b byte) (overlay.AddressKind, error) {
	switch b {
	case byte(overlay.AddressKindWebsocket) + 1:
		return overlay.AddressKindWebsocket, nil
	case byte(overlay.AddressKindMultiaddress) + 1:
		return overlay.AddressKindMultiaddress, nil
	default:
		return 0, &ParseError{Msg: "invalid addressType byte"}
	}
}

// encodeAddressASCII renders addr's address-type byte and its ASCII body,
// without the length prefix (callers own framing that themselves).
func encodeAddressASCII(addr overlay.Address) (typ byte, ascii []byte) {
	typ = addressTypeByte(addr.Kind)
	switch addr.Kind {
	case overlay.AddressKindWebsocket:
		ascii = []byte(net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port))))
	case overlay.AddressKindMultiaddress:
		if addr.Multiaddr != nil {
			ascii = []byte(addr.Multiaddr.String())
		}
	}
	return typ, ascii
}

func decodeAddressASCII(typ byte, ascii []byte) (overlay.Address, error) {
	kind, err := addressKindFromByte(typ)
	if err != nil {
		return overlay.Address{}, err
	}
	switch kind {
	case overlay.AddressKindWebsocket:
		host, portStr, err := net.SplitHostPort(string(ascii))
		if err != nil {
			return overlay.Address{}, &ParseError{Msg: "malformed websocket address: " + err.Error()}
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 0xFFFF {
			return overlay.Address{}, &ParseError{Msg: "malformed websocket port"}
		}
		return overlay.NewWebsocketAddress(host, uint16(port)), nil
	case overlay.AddressKindMultiaddress:
		return overlay.ParseMultiaddrAddress(string(ascii))
	default:
		return overlay.Address{}, &ParseError{Msg: "unreachable address kind"}
	}
}
