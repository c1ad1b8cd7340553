package scheduler

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
)

func TestRandomStrategyEmptyCandidates(t *testing.T) {
	g := NewWithT(t)
	_, ok := (RandomStrategy{}).Select(nil)
	g.Expect(ok).To(BeFalse())
}

func TestBestScoreStrategyPicksHighestTrust(t *testing.T) {
	g := NewWithT(t)
	low := newOnlinePeer(t, 5001, overlay.NodeTypeFull, 1)
	high := newOnlinePeer(t, 5002, overlay.NodeTypeFull, 9)
	mid := newOnlinePeer(t, 5003, overlay.NodeTypeFull, 4)

	picked, ok := (BestScoreStrategy{}).Select([]*networkpeer.NetworkPeer{low, high, mid})
	g.Expect(ok).To(BeTrue())
	g.Expect(picked).To(BeIdenticalTo(high))
}

func TestBestScoreStrategyTiesFirstInOrder(t *testing.T) {
	g := NewWithT(t)
	a := newOnlinePeer(t, 5004, overlay.NodeTypeFull, 5)
	b := newOnlinePeer(t, 5005, overlay.NodeTypeFull, 5)

	picked, ok := (BestScoreStrategy{}).Select([]*networkpeer.NetworkPeer{a, b})
	g.Expect(ok).To(BeTrue())
	g.Expect(picked).To(BeIdenticalTo(a))
}

func TestRoundRobinStrategyCycles(t *testing.T) {
	g := NewWithT(t)
	a := newOnlinePeer(t, 5006, overlay.NodeTypeFull, 0)
	b := newOnlinePeer(t, 5007, overlay.NodeTypeFull, 0)
	candidates := []*networkpeer.NetworkPeer{a, b}

	s := &RoundRobinStrategy{}
	first, _ := s.Select(candidates)
	second, _ := s.Select(candidates)
	third, _ := s.Select(candidates)

	g.Expect(first).To(BeIdenticalTo(a))
	g.Expect(second).To(BeIdenticalTo(b))
	g.Expect(third).To(BeIdenticalTo(a))
}

func TestRoundRobinStrategyEmptyCandidates(t *testing.T) {
	g := NewWithT(t)
	_, ok := (&RoundRobinStrategy{}).Select(nil)
	g.Expect(ok).To(BeFalse())
}
