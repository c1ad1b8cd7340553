package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageClass is the second byte of every frame, tagging its payload shape.
type MessageClass uint8

const (
	ClassHello MessageClass = iota + 1
	ClassKeyRequest
	ClassKeyResponse
	ClassCubeRequest
	ClassCubeResponse
	ClassMyServerAddress
	ClassPeerRequest
	ClassPeerResponse
	ClassSubscribeCube
	ClassSubscribeNotifications
	ClassSubscriptionConfirmation
)

func (c MessageClass) String() string {
	switch c {
	case ClassHello:
		return "Hello"
	case ClassKeyRequest:
		return "KeyRequest"
	case ClassKeyResponse:
		return "KeyResponse"
	case ClassCubeRequest:
		return "CubeRequest"
	case ClassCubeResponse:
		return "CubeResponse"
	case ClassMyServerAddress:
		return "MyServerAddress"
	case ClassPeerRequest:
		return "PeerRequest"
	case ClassPeerResponse:
		return "PeerResponse"
	case ClassSubscribeCube:
		return "SubscribeCube"
	case ClassSubscribeNotifications:
		return "SubscribeNotifications"
	case ClassSubscriptionConfirmation:
		return "SubscriptionConfirmation"
	default:
		return fmt.Sprintf("MessageClass(%d)", uint8(c))
	}
}

// ParseError is returned for any frame whose declared sizes are
// inconsistent with the buffer it was read from (spec.md §7).
type ParseError struct {
	Class MessageClass
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse error in %s: %s", e.Class, e.Msg)
}

// Payload is implemented by every per-class payload type.
type Payload interface {
	Class() MessageClass
	encodeBody() []byte
}

// Encode renders a complete frame: protocol version, class byte, body.
func Encode(p Payload) []byte {
	body := p.encodeBody()
	out := make([]byte, 2+len(body))
	out[0] = ProtocolVersion
	out[1] = byte(p.Class())
	copy(out[2:], body)
	return out
}

// Decode parses a complete frame produced by Encode. It does not itself
// enforce a supported-version check beyond surfacing the version byte,
// since a future minor version may still be wire-compatible; callers
// that care can inspect the returned version.
func Decode(frame []byte) (version uint8, payload Payload, err error) {
	if len(frame) < 2 {
		return 0, nil, &ParseError{Msg: "frame shorter than header"}
	}
	version = frame[0]
	class := MessageClass(frame[1])
	body := frame[2:]

	switch class {
	case ClassHello:
		payload, err = decodeHello(body)
	case ClassKeyRequest:
		payload, err = decodeKeyRequest(body)
	case ClassKeyResponse:
		payload, err = decodeKeyResponse(body)
	case ClassCubeRequest:
		payload, err = decodeCubeRequest(body)
	case ClassCubeResponse:
		payload, err = decodeCubeResponse(body)
	case ClassMyServerAddress:
		payload, err = decodeMyServerAddress(body)
	case ClassPeerRequest:
		payload, err = decodePeerRequest(body)
	case ClassPeerResponse:
		payload, err = decodePeerResponse(body)
	case ClassSubscribeCube:
		payload, err = decodeSubscription(ClassSubscribeCube, body)
	case ClassSubscribeNotifications:
		payload, err = decodeSubscription(ClassSubscribeNotifications, body)
	case ClassSubscriptionConfirmation:
		payload, err = decodeSubscription(ClassSubscriptionConfirmation, body)
	default:
		return version, nil, &ParseError{Class: class, Msg: "unknown message class"}
	}
	return version, payload, err
}

func putUint16(b []byte, v int) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	return append(b, tmp[:]...)
}

func putUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
