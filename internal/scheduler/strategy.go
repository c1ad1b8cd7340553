package scheduler

import (
	"math/rand"
	"sync"

	"github.com/cubeoverlay/node/internal/networkpeer"
)

// Strategy picks one peer from a set of candidates, per spec.md §4.5.
type Strategy interface {
	Select(candidates []*networkpeer.NetworkPeer) (*networkpeer.NetworkPeer, bool)
}

// RandomStrategy selects uniformly at random.
type RandomStrategy struct{}

func (RandomStrategy) Select(candidates []*networkpeer.NetworkPeer) (*networkpeer.NetworkPeer, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// BestScoreStrategy selects the candidate with the greatest catalog trust
// score, ties broken by first-in-order.
type BestScoreStrategy struct{}

func (BestScoreStrategy) Select(candidates []*networkpeer.NetworkPeer) (*networkpeer.NetworkPeer, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.CatalogPeer().TrustScore > best.CatalogPeer().TrustScore {
			best = c
		}
	}
	return best, true
}

// RoundRobinStrategy cycles through candidates, stateful per instance.
type RoundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

func (s *RoundRobinStrategy) Select(candidates []*networkpeer.NetworkPeer) (*networkpeer.NetworkPeer, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.next % len(candidates)
	s.next++
	return candidates[idx], true
}
