package peerdb

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/cubeoverlay/node/internal/overlay"
)

func addr(port uint16) overlay.Address {
	return overlay.NewWebsocketAddress("127.0.0.1", port)
}

func TestLearnPeerStartsUnverified(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	db.LearnPeer(overlay.NewPeer(addr(1)))

	unverified, verified, exchangeable, blocked := db.Counts()
	g.Expect(unverified).To(Equal(1))
	g.Expect(verified).To(Equal(0))
	g.Expect(exchangeable).To(Equal(0))
	g.Expect(blocked).To(Equal(0))
}

func TestVerifyThenExchangeablePromotesPartition(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	p := overlay.NewPeer(addr(1))
	db.LearnPeer(p)
	db.VerifyPeer(p)

	_, verified, _, _ := db.Counts()
	g.Expect(verified).To(Equal(1))

	db.MarkPeerExchangeable(p)
	_, _, exchangeable, _ := db.Counts()
	g.Expect(exchangeable).To(Equal(1))
}

func TestMarkPeerExchangeableNotifiesListeners(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	p := overlay.NewPeer(addr(1))
	db.LearnPeer(p)

	var notified *overlay.Peer
	unsub := db.OnExchangeablePeerFunc(func(pp *overlay.Peer) { notified = pp })
	db.MarkPeerExchangeable(p)
	g.Expect(notified).To(Equal(p))

	notified = nil
	unsub()
	db.MarkPeerExchangeable(p)
	g.Expect(notified).To(BeNil())
}

func TestBlocklistDominatesFurtherPromotions(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	p := overlay.NewPeer(addr(1))
	db.LearnPeer(p)
	db.BlocklistPeer(p)

	db.VerifyPeer(p)
	db.MarkPeerExchangeable(p)
	_, _, _, blocked := db.Counts()
	g.Expect(blocked).To(Equal(1))
	g.Expect(db.IsBlocked(p)).To(BeTrue())
}

func TestLearnPeerMergesAddressesForKnownIdentity(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	p := overlay.NewPeer(addr(1))
	p.Identity = overlay.Identity{0x01}
	p.HasIdentity = true
	db.LearnPeer(p)

	dup := overlay.NewPeer(addr(2))
	dup.Identity = p.Identity
	dup.HasIdentity = true
	db.LearnPeer(dup)

	unverified, _, _, _ := db.Counts()
	g.Expect(unverified).To(Equal(1))
	g.Expect(p.Addresses).To(HaveLen(2))
}

func TestSelectPeerToConnectExcludesAndBackoff(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	p1 := overlay.NewPeer(addr(1))
	p2 := overlay.NewPeer(addr(2))
	db.LearnPeer(p1)
	db.LearnPeer(p2)

	// Excluding p1 must always yield p2.
	for i := 0; i < 20; i++ {
		picked, ok := db.SelectPeerToConnect([]*overlay.Peer{p1}, time.Now())
		g.Expect(ok).To(BeTrue())
		g.Expect(picked).To(Equal(p2))
	}

	// A peer still inside its reconnect backoff is not eligible.
	p2.LastConnectAttempt = time.Now()
	_, ok := db.SelectPeerToConnect([]*overlay.Peer{p1}, time.Now())
	g.Expect(ok).To(BeFalse())
}

func TestSelectPeerToConnectNoneEligible(t *testing.T) {
	g := NewWithT(t)
	db := New(DefaultConfig())
	p := overlay.NewPeer(addr(1))
	db.LearnPeer(p)
	db.BlocklistPeer(p)

	_, ok := db.SelectPeerToConnect(nil, time.Now())
	g.Expect(ok).To(BeFalse())
}
