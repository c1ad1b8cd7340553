package wire

import "github.com/cubeoverlay/node/internal/overlay"

// HelloPayload is the first message sent on a freshly ready connection.
// NodeType is optional on the wire; its absence means "unknown".
type HelloPayload struct {
	PeerID      overlay.Identity
	HasNodeType bool
	NodeType    overlay.NodeType
}

func (HelloPayload) Class() MessageClass { return ClassHello }

func (p HelloPayload) encodeBody() []byte {
	out := make([]byte, 0, 17)
	out = append(out, p.PeerID[:]...)
	if p.HasNodeType {
		out = append(out, encodeNodeType(p.NodeType))
	}
	return out
}

func decodeHello(body []byte) (HelloPayload, error) {
	if len(body) != 16 && len(body) != 17 {
		return HelloPayload{}, &ParseError{Class: ClassHello, Msg: "expected 16 or 17 bytes"}
	}
	var p HelloPayload
	copy(p.PeerID[:], body[:16])
	if len(body) == 17 {
		nt, err := decodeNodeType(body[16])
		if err != nil {
			return HelloPayload{}, err
		}
		p.HasNodeType = true
		p.NodeType = nt
	}
	return p, nil
}

func encodeNodeType(t overlay.NodeType) byte {
	switch t {
	case overlay.NodeTypeFull:
		return 1
	case overlay.NodeTypeLight:
		return 2
	default:
		return 0
	}
}

func decodeNodeType(b byte) (overlay.NodeType, error) {
	switch b {
	case 1:
		return overlay.NodeTypeFull, nil
	case 2:
		return overlay.NodeTypeLight, nil
	case 0:
		return overlay.NodeTypeUnknown, nil
	default:
		return overlay.NodeTypeUnknown, &ParseError{Class: ClassHello, Msg: "invalid nodeType byte"}
	}
}
