package scheduler

import (
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
)

type staticManager struct {
	peers []*networkpeer.NetworkPeer
}

func (m staticManager) OnlinePeers() []*networkpeer.NetworkPeer { return m.peers }

func TestScaledIntervalShrinksWithMorePeers(t *testing.T) {
	g := NewWithT(t)
	cfg := DefaultConfig()
	cfg.RequestInterval = 10 * time.Second
	cfg.RequestScaleFactor = 1.0
	cfg.MinRequestScale = 0.1

	sWithOne := &RequestScheduler{mgr: staticManager{peers: make([]*networkpeer.NetworkPeer, 1)}, cfg: cfg}
	sWithMany := &RequestScheduler{mgr: staticManager{peers: make([]*networkpeer.NetworkPeer, 20)}, cfg: cfg}

	g.Expect(sWithMany.scaledInterval()).To(BeNumerically("<", sWithOne.scaledInterval()))
}

func TestScaledIntervalClampsToMinRequestScale(t *testing.T) {
	g := NewWithT(t)
	cfg := DefaultConfig()
	cfg.RequestInterval = 10 * time.Second
	cfg.RequestScaleFactor = 1.0
	cfg.MinRequestScale = 0.2

	s := &RequestScheduler{mgr: staticManager{peers: make([]*networkpeer.NetworkPeer, 100)}, cfg: cfg}

	g.Expect(s.scaledInterval()).To(Equal(2 * time.Second)) // 10s * 0.2 floor
}

func TestFullNodePeersFiltersLightNodes(t *testing.T) {
	g := NewWithT(t)
	full := newOnlinePeer(t, 5500, overlay.NodeTypeFull, 0)
	light := newOnlinePeer(t, 5501, overlay.NodeTypeLight, 0)

	s := &RequestScheduler{mgr: staticManager{peers: []*networkpeer.NetworkPeer{full, light}}}
	got := s.fullNodePeers()
	g.Expect(got).To(ConsistOf(full))
}
