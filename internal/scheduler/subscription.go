package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
)

// SubscribeCube sends SubscribeCube to up to cfg.SubscriptionFanout
// ONLINE full-node peers and resolves on the first confirmation,
// additionally issuing an initial cube request so an already-existing
// remote copy is fetched (spec.md §4.6). The subscription auto-renews
// before the confirmed duration elapses.
func (s *RequestScheduler) SubscribeCube(ctx context.Context, key overlay.CubeKey) (*CubeSubscription, error) {
	go func() { _, _ = s.RequestCube(ctx, key) }()
	return s.subscribeGeneric(ctx, key, false)
}

// SubscribeNotifications is SubscribeCube's analogue for notification keys.
func (s *RequestScheduler) SubscribeNotifications(ctx context.Context, recipient overlay.NotificationKey) (*CubeSubscription, error) {
	return s.subscribeGeneric(ctx, overlay.CubeKey(recipient), true)
}

func (s *RequestScheduler) subscribeGeneric(ctx context.Context, key overlay.CubeKey, notifications bool) (*CubeSubscription, error) {
	s.mu.Lock()
	if existing, ok := s.subscribedCubes[key]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	sub := &CubeSubscription{Key: key, scheduler: s}
	s.subscribedCubes[key] = sub
	s.mu.Unlock()

	conf, err := s.sendSubscribeAndAwaitKind(ctx, key, notifications)
	if err != nil {
		s.mu.Lock()
		delete(s.subscribedCubes, key)
		s.mu.Unlock()
		return nil, err
	}
	sub.mu.Lock()
	sub.duration = conf.duration
	sub.mu.Unlock()
	s.armRenewal(sub)
	return sub, nil
}

func (s *RequestScheduler) sendSubscribeAndAwait(ctx context.Context, key overlay.CubeKey) (subscriptionConfirm, error) {
	return s.sendSubscribeAndAwaitKind(ctx, key, false)
}

func (s *RequestScheduler) sendSubscribeAndAwaitKind(ctx context.Context, key overlay.CubeKey, notifications bool) (subscriptionConfirm, error) {
	peers := s.fanoutCandidates()
	if len(peers) == 0 {
		return subscriptionConfirm{}, fmt.Errorf("scheduler: no subscription-capable peers for %s", key)
	}

	blob := [32]byte(key)
	confirmCh := make(chan subscriptionConfirm, len(peers))
	s.mu.Lock()
	s.pendingSubConfirm[blob] = confirmCh
	s.mu.Unlock()

	for _, p := range peers {
		p := p
		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			if notifications {
				_ = p.SendSubscribeNotifications(sendCtx, overlay.NotificationKey(key))
			} else {
				_ = p.SendSubscribeCube(sendCtx, key)
			}
		}()
	}

	select {
	case conf := <-confirmCh:
		s.mu.Lock()
		delete(s.pendingSubConfirm, blob)
		s.mu.Unlock()
		return conf, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pendingSubConfirm, blob)
		s.mu.Unlock()
		return subscriptionConfirm{}, ctx.Err()
	case <-s.stopCh:
		return subscriptionConfirm{}, ErrShutdown
	}
}

// ResolveSubscription is the networkpeer.Scheduler hook invoked when a
// SubscriptionConfirmation frame arrives.
func (s *RequestScheduler) ResolveSubscription(keyBlob [32]byte, confirmed bool, duration time.Duration) {
	if !confirmed {
		return
	}
	s.mu.Lock()
	ch, ok := s.pendingSubConfirm[keyBlob]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- subscriptionConfirm{duration: duration}:
	default:
	}
}

func (s *RequestScheduler) fanoutCandidates() []*networkpeer.NetworkPeer {
	all := s.fullNodePeers()
	if len(all) > s.cfg.SubscriptionFanout {
		all = all[:s.cfg.SubscriptionFanout]
	}
	return all
}

func (s *RequestScheduler) armRenewal(sub *CubeSubscription) {
	sub.mu.Lock()
	d := sub.duration
	sub.mu.Unlock()
	if d <= 0 {
		return
	}
	s.armRenewalAfter(sub, time.Duration(float64(d)*0.8))
}

func (s *RequestScheduler) armRenewalAfter(sub *CubeSubscription, d time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := s.clock.Timer(d)
		select {
		case <-t.C:
			s.renewSubscription(sub)
		case <-s.stopCh:
			t.Stop()
		}
	}()
}

func (s *RequestScheduler) renewSubscription(sub *CubeSubscription) {
	s.mu.Lock()
	_, stillSubscribed := s.subscribedCubes[sub.Key]
	s.mu.Unlock()
	if !stillSubscribed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	conf, err := s.sendSubscribeAndAwait(ctx, sub.Key)
	if err != nil {
		s.logger.Debugf("scheduler: renewal for %s failed: %v", sub.Key, err)
		s.armRenewalAfter(sub, s.cfg.RequestInterval)
		return
	}
	sub.mu.Lock()
	sub.duration = conf.duration
	sub.mu.Unlock()
	s.armRenewal(sub)
}
