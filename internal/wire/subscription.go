package wire

import (
	"encoding/binary"

	"github.com/cubeoverlay/node/internal/overlay"
)

// SubscriptionPayload is the single canonical layout shared by
// SubscribeCube, SubscribeNotifications and SubscriptionConfirmation
// (spec.md §9 design notes: the source's several near-duplicate drafts
// are collapsed into one shape here). KeyBlob is the subscribed key, or
// a hash over the concatenation of keys when a request names several.
// CubesHash and Duration are optional; a flags byte marks which of the
// two trailing fields are present so a zero-filled absence can't be
// mistaken for a present-but-zero field.
type SubscriptionPayload struct {
	class        MessageClass
	ResponseCode uint8
	KeyBlob      [32]byte
	HasCubesHash bool
	CubesHash    [32]byte
	HasDuration  bool
	Duration     uint16 // seconds
}

func (p SubscriptionPayload) Class() MessageClass { return p.class }

const (
	subFlagCubesHash = 1 << 0
	subFlagDuration  = 1 << 1
)

func (p SubscriptionPayload) encodeBody() []byte {
	out := make([]byte, 0, 1+1+32+32+2)
	out = append(out, p.ResponseCode)

	var flags byte
	if p.HasCubesHash {
		flags |= subFlagCubesHash
	}
	if p.HasDuration {
		flags |= subFlagDuration
	}
	out = append(out, flags)
	out = append(out, p.KeyBlob[:]...)
	if p.HasCubesHash {
		out = append(out, p.CubesHash[:]...)
	}
	if p.HasDuration {
		out = putUint16(out, int(p.Duration))
	}
	return out
}

// NewSubscriptionPayload constructs a payload tagged for the given class;
// class must be one of ClassSubscribeCube, ClassSubscribeNotifications,
// or ClassSubscriptionConfirmation.
func NewSubscriptionPayload(class MessageClass, responseCode uint8, keyBlob overlay.CubeKey) SubscriptionPayload {
	p := SubscriptionPayload{class: class, ResponseCode: responseCode}
	p.KeyBlob = keyBlob
	return p
}

func (p SubscriptionPayload) WithCubesHash(hash [32]byte) SubscriptionPayload {
	p.HasCubesHash = true
	p.CubesHash = hash
	return p
}

func (p SubscriptionPayload) WithDuration(seconds uint16) SubscriptionPayload {
	p.HasDuration = true
	p.Duration = seconds
	return p
}

func decodeSubscription(class MessageClass, body []byte) (SubscriptionPayload, error) {
	if len(body) < 2+32 {
		return SubscriptionPayload{}, &ParseError{Class: class, Msg: "body shorter than fixed header"}
	}
	p := SubscriptionPayload{class: class}
	p.ResponseCode = body[0]
	flags := body[1]
	copy(p.KeyBlob[:], body[2:2+32])
	rest := body[2+32:]

	if flags&subFlagCubesHash != 0 {
		if len(rest) < 32 {
			return SubscriptionPayload{}, &ParseError{Class: class, Msg: "flagged cubesHashBlob missing"}
		}
		p.HasCubesHash = true
		copy(p.CubesHash[:], rest[:32])
		rest = rest[32:]
	}
	if flags&subFlagDuration != 0 {
		if len(rest) < 2 {
			return SubscriptionPayload{}, &ParseError{Class: class, Msg: "flagged subscriptionDuration missing"}
		}
		p.HasDuration = true
		p.Duration = binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
	}
	if len(rest) != 0 {
		return SubscriptionPayload{}, &ParseError{Class: class, Msg: "trailing bytes after declared fields"}
	}
	return p, nil
}
