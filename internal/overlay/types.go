// Package overlay defines the shared, dependency-light types used across
// the cube overlay: addresses, the peer catalog entry, cube metadata and
// the two key types cubes are addressed and notified by.
package overlay

import (
	"bytes"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// CubeKeySize is the width, in bytes, of a CubeKey or NotificationKey.
const CubeKeySize = 32

// CubeKey addresses a cube: a content hash for frozen cubes, a public key
// for MUC/PMUC cubes.
type CubeKey [CubeKeySize]byte

func (k CubeKey) String() string { return fmt.Sprintf("%x", [CubeKeySize]byte(k)) }

// IsZero reports whether k is the zero key, used as a "no key" sentinel in
// requests such as a SlidingWindow KeyRequest with no prior cursor.
func (k CubeKey) IsZero() bool { return k == CubeKey{} }

// NotificationKey addresses the recipient of a notification cube.
type NotificationKey [CubeKeySize]byte

func (k NotificationKey) String() string { return fmt.Sprintf("%x", [CubeKeySize]byte(k)) }

// CubeType distinguishes the three object flavors spec.md names.
type CubeType uint8

const (
	CubeTypeFrozen CubeType = iota
	CubeTypeFrozenNotify
	CubeTypeMUC
	CubeTypeMUCNotify
	CubeTypePMUC
	CubeTypePMUCNotify
)

func (t CubeType) Mutable() bool {
	return t == CubeTypeMUC || t == CubeTypeMUCNotify || t == CubeTypePMUC || t == CubeTypePMUCNotify
}

func (t CubeType) PerVersion() bool {
	return t == CubeTypePMUC || t == CubeTypePMUCNotify
}

// CubeMeta is the compact record offered in a KeyResponse.
type CubeMeta struct {
	Key        CubeKey
	CubeType   CubeType
	Difficulty uint8
	Date       time.Time
}

// NodeType distinguishes full nodes (which store and re-serve everything)
// from light nodes (which only fetch what they asked for).
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeFull
	NodeTypeLight
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeFull:
		return "full"
	case NodeTypeLight:
		return "light"
	default:
		return "unknown"
	}
}

// AddressKind tags the two address variants spec.md §3 requires.
type AddressKind uint8

const (
	AddressKindWebsocket AddressKind = iota
	AddressKindMultiaddress
)

// Address is a tagged variant: a websocket host/port pair, or an opaque
// multiaddress (used by the multiplexed transport).
type Address struct {
	Kind          AddressKind
	Host          string // websocket
	Port          uint16 // websocket
	Multiaddr     ma.Multiaddr
}

// NewWebsocketAddress constructs a websocket-flavored Address.
func NewWebsocketAddress(host string, port uint16) Address {
	return Address{Kind: AddressKindWebsocket, Host: host, Port: port}
}

// NewMultiaddrAddress constructs a multiaddress-flavored Address.
func NewMultiaddrAddress(m ma.Multiaddr) Address {
	return Address{Kind: AddressKindMultiaddress, Multiaddr: m}
}

// ParseMultiaddrAddress parses a textual multiaddress such as
// "/ip4/1.2.3.4/tcp/4301" into an Address.
func ParseMultiaddrAddress(s string) (Address, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse multiaddress %q: %w", s, err)
	}
	return NewMultiaddrAddress(m), nil
}

func (a Address) String() string {
	switch a.Kind {
	case AddressKindWebsocket:
		return fmt.Sprintf("ws://%s:%d", a.Host, a.Port)
	case AddressKindMultiaddress:
		if a.Multiaddr != nil {
			return a.Multiaddr.String()
		}
		return "/unknown"
	default:
		return "invalid-address"
	}
}

// Equal is value equality, used by Peer.Equal's "any address in common" rule.
func (a Address) Equal(o Address) bool {
	if a.Kind != o.Kind {
		return false
	}
	switch a.Kind {
	case AddressKindWebsocket:
		return a.Host == o.Host && a.Port == o.Port
	case AddressKindMultiaddress:
		if a.Multiaddr == nil || o.Multiaddr == nil {
			return a.Multiaddr == nil && o.Multiaddr == nil
		}
		return a.Multiaddr.Equal(o.Multiaddr)
	default:
		return false
	}
}

// Identity is the 16-byte opaque peer identity advertised in HELLO.
type Identity [16]byte

func (id Identity) IsZero() bool { return id == Identity{} }

func (id Identity) Equal(o Identity) bool { return bytes.Equal(id[:], o[:]) }

func (id Identity) String() string { return fmt.Sprintf("%x", [16]byte(id)) }

// Peer is a catalog entry in the PeerDB: a set of addresses plus an
// optional identity, not a live connection.
type Peer struct {
	Identity                 Identity
	HasIdentity               bool
	Addresses                []Address
	PrimaryIndex              int
	LastConnectAttempt        time.Time
	LastSuccessfulConnection  time.Time
	ConnectionAttempts        int
	TrustScore                int
}

// NewPeer builds a catalog entry around at least one address.
func NewPeer(addr Address) *Peer {
	return &Peer{Addresses: []Address{addr}, PrimaryIndex: 0}
}

// PrimaryAddress returns the address new connections should be attempted on.
func (p *Peer) PrimaryAddress() Address {
	if p.PrimaryIndex < 0 || p.PrimaryIndex >= len(p.Addresses) {
		return p.Addresses[0]
	}
	return p.Addresses[p.PrimaryIndex]
}

// HasAddress reports whether addr is already known for this peer.
func (p *Peer) HasAddress(addr Address) bool {
	for _, a := range p.Addresses {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// AddAddress merges addr into the peer's address set if new.
func (p *Peer) AddAddress(addr Address) {
	if !p.HasAddress(addr) {
		p.Addresses = append(p.Addresses, addr)
	}
}

// Equal implements spec.md §3's Peer equality: same identity, or any
// address in common.
func (p *Peer) Equal(o *Peer) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.HasIdentity && o.HasIdentity && p.Identity.Equal(o.Identity) {
		return true
	}
	for _, a := range p.Addresses {
		if o.HasAddress(a) {
			return true
		}
	}
	return false
}

// ConnState is the Connection lifecycle state from spec.md §3.
type ConnState uint8

const (
	ConnStateConnecting ConnState = iota
	ConnStateOpen
	ConnStateClosing
	ConnStateClosed
)

// PeerStatus is the NetworkPeer session lifecycle from spec.md §3.
type PeerStatus uint8

const (
	PeerStatusConnecting PeerStatus = iota
	PeerStatusHandshaking
	PeerStatusOnline
	PeerStatusClosing
	PeerStatusClosed
)

func (s PeerStatus) String() string {
	switch s {
	case PeerStatusConnecting:
		return "CONNECTING"
	case PeerStatusHandshaking:
		return "HANDSHAKING"
	case PeerStatusOnline:
		return "ONLINE"
	case PeerStatusClosing:
		return "CLOSING"
	case PeerStatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
