package wire

import (
	"time"

	"github.com/cubeoverlay/node/internal/overlay"
)

// KeyRequestMode selects which collection of keys a KeyRequest draws from.
type KeyRequestMode uint8

const (
	ModeSlidingWindow KeyRequestMode = iota + 1
	ModeSequentialStoreSync
	ModeNotificationChallenge
	ModeNotificationTimestamp
	ModeExpressSync
)

func (m KeyRequestMode) String() string {
	switch m {
	case ModeSlidingWindow:
		return "SlidingWindow"
	case ModeSequentialStoreSync:
		return "SequentialStoreSync"
	case ModeNotificationChallenge:
		return "NotificationChallenge"
	case ModeNotificationTimestamp:
		return "NotificationTimestamp"
	case ModeExpressSync:
		return "ExpressSync"
	default:
		return "unknown"
	}
}

func validKeyRequestMode(b byte) bool {
	return b >= byte(ModeSlidingWindow) && b <= byte(ModeExpressSync)
}

// KeyRequestPayload asks a peer to enumerate up to Count cube metadata
// records. NotifyKey/MinDifficulty/TimeMin/TimeMax are only meaningful
// (and only present on the wire) for the notification-query modes.
type KeyRequestPayload struct {
	Mode          KeyRequestMode
	Count         uint32
	StartKey      overlay.CubeKey
	NotifyKey     overlay.NotificationKey
	MinDifficulty uint8
	TimeMin       time.Time
	TimeMax       time.Time
}

func (KeyRequestPayload) Class() MessageClass { return ClassKeyRequest }

func (p KeyRequestPayload) encodeBody() []byte {
	out := make([]byte, 0, 1+4+CubeKeySize+NotifyKeySize+1+5+5)
	out = append(out, byte(p.Mode))
	out = putUint32(out, p.Count)
	out = append(out, p.StartKey[:]...)

	switch p.Mode {
	case ModeNotificationChallenge:
		out = append(out, p.NotifyKey[:]...)
		out = append(out, p.MinDifficulty)
	case ModeNotificationTimestamp:
		out = append(out, p.NotifyKey[:]...)
		min := encodeDate5(p.TimeMin)
		max := encodeDate5(p.TimeMax)
		out = append(out, min[:]...)
		out = append(out, max[:]...)
	}
	return out
}

func decodeKeyRequest(body []byte) (KeyRequestPayload, error) {
	const headerLen = 1 + 4 + CubeKeySize
	if len(body) < headerLen {
		return KeyRequestPayload{}, &ParseError{Class: ClassKeyRequest, Msg: "body shorter than fixed header"}
	}
	if !validKeyRequestMode(body[0]) {
		return KeyRequestPayload{}, &ParseError{Class: ClassKeyRequest, Msg: "invalid mode byte"}
	}
	p := KeyRequestPayload{Mode: KeyRequestMode(body[0])}
	p.Count = beUint32(body[1:5])
	copy(p.StartKey[:], body[5:5+CubeKeySize])

	rest := body[headerLen:]
	switch p.Mode {
	case ModeNotificationChallenge:
		if len(rest) != NotifyKeySize+1 {
			return KeyRequestPayload{}, &ParseError{Class: ClassKeyRequest, Msg: "NotificationChallenge trailer size mismatch"}
		}
		copy(p.NotifyKey[:], rest[:NotifyKeySize])
		p.MinDifficulty = rest[NotifyKeySize]
	case ModeNotificationTimestamp:
		if len(rest) != NotifyKeySize+10 {
			return KeyRequestPayload{}, &ParseError{Class: ClassKeyRequest, Msg: "NotificationTimestamp trailer size mismatch"}
		}
		copy(p.NotifyKey[:], rest[:NotifyKeySize])
		p.TimeMin = decodeDate5(rest[NotifyKeySize : NotifyKeySize+5])
		p.TimeMax = decodeDate5(rest[NotifyKeySize+5 : NotifyKeySize+10])
	default:
		if len(rest) != 0 {
			return KeyRequestPayload{}, &ParseError{Class: ClassKeyRequest, Msg: "unexpected trailer for mode"}
		}
	}
	return p, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
