// Package scheduler implements RequestScheduler, the concurrent engine
// that batches cube/key/notification requests, distributes them across
// peers via a pluggable Strategy, enforces timeouts and retries, and
// manages subscription renewals (spec.md §4.6). Grounded on the
// teacher's worker-pool/dispatch style (internal/engine), but request
// dedup is expressed with golang.org/x/sync/singleflight instead of a
// hand-rolled monitor map: "if already pending, attach to the existing
// monitor" is exactly what singleflight already guarantees.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/store"
	"github.com/cubeoverlay/node/internal/wire"
)

// ErrShutdown is returned by any pending operation when Shutdown is called.
var ErrShutdown = errors.New("scheduler: shut down")

// Manager is the slice of NetworkManager the scheduler depends on. Kept
// narrow and defined here, mirroring networkpeer.Manager, to avoid an
// import cycle with netmanager.
type Manager interface {
	OnlinePeers() []*networkpeer.NetworkPeer
}

// Config carries the tunables spec.md §6 names for the scheduler.
type Config struct {
	RequestInterval       time.Duration
	RequestTimeout        time.Duration
	RequestScaleFactor    float64
	MinRequestScale       float64
	CubeRequestBatchDelay time.Duration
	MaxRetries            int
	SubscriptionFanout    int
}

func DefaultConfig() Config {
	return Config{
		RequestInterval:       2 * time.Second,
		RequestTimeout:        10 * time.Second,
		RequestScaleFactor:    1.0,
		MinRequestScale:       0.25,
		CubeRequestBatchDelay: 50 * time.Millisecond,
		MaxRetries:            3,
		SubscriptionFanout:    3,
	}
}

type subscriptionConfirm struct {
	duration time.Duration
}

// CubeSubscription is the handle returned by SubscribeCube/SubscribeNotifications.
type CubeSubscription struct {
	Key       overlay.CubeKey
	scheduler *RequestScheduler

	mu       sync.Mutex
	duration time.Duration
}

// Unsubscribe tears the subscription down; the next renewal timer tick
// observes it is no longer tracked and does not resend.
func (cs *CubeSubscription) Unsubscribe() {
	cs.scheduler.mu.Lock()
	delete(cs.scheduler.subscribedCubes, cs.Key)
	cs.scheduler.mu.Unlock()
}

// RequestScheduler is the concrete engine described by spec.md §4.6.
type RequestScheduler struct {
	mgr      Manager
	store    store.Store
	strategy Strategy
	cfg      Config
	clock    clock.Clock
	logger   *zap.SugaredLogger

	sf singleflight.Group

	mu              sync.Mutex
	waiters         map[overlay.CubeKey][]chan store.CubeInfo
	pendingByPeer   map[*networkpeer.NetworkPeer]map[overlay.CubeKey]struct{}
	subscribedCubes map[overlay.CubeKey]*CubeSubscription
	pendingSubConfirm map[[32]byte]chan subscriptionConfirm

	cubeRequestTimer *ShortenableTimeout

	storeUnsub func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New constructs a RequestScheduler and starts its key-request loop.
func New(ctx context.Context, mgr Manager, st store.Store, strategy Strategy, cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *RequestScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if strategy == nil {
		strategy = RandomStrategy{}
	}
	s := &RequestScheduler{
		mgr:               mgr,
		store:             st,
		strategy:          strategy,
		cfg:               cfg,
		clock:             clk,
		logger:            logger,
		waiters:           make(map[overlay.CubeKey][]chan store.CubeInfo),
		pendingByPeer:     make(map[*networkpeer.NetworkPeer]map[overlay.CubeKey]struct{}),
		subscribedCubes:   make(map[overlay.CubeKey]*CubeSubscription),
		pendingSubConfirm: make(map[[32]byte]chan subscriptionConfirm),
		stopCh:            make(chan struct{}),
	}
	s.cubeRequestTimer = NewShortenableTimeout(clk, s.performCubeRequestBatch)
	s.storeUnsub = st.Subscribe(s.onCubeAdded)

	s.wg.Add(1)
	go s.runKeyRequestLoop(ctx)
	return s
}

func (s *RequestScheduler) onCubeAdded(info store.CubeInfo) {
	s.mu.Lock()
	chs := s.waiters[info.Meta.Key]
	delete(s.waiters, info.Meta.Key)
	s.mu.Unlock()
	for _, ch := range chs {
		select {
		case ch <- info:
		default:
		}
	}
}

// RequestCube resolves immediately if key is already in the store;
// otherwise it requests it from a peer, retrying against a different
// peer (while untried full-node peers remain) up to cfg.MaxRetries times. Concurrent callers for the same key
// share a single in-flight attempt via singleflight.
func (s *RequestScheduler) RequestCube(ctx context.Context, key overlay.CubeKey) (store.CubeInfo, error) {
	if info, ok := s.store.GetCubeInfo(key); ok {
		return info, nil
	}
	v, err, _ := s.sf.Do(key.String(), func() (interface{}, error) {
		return s.performCubeRequest(ctx, key)
	})
	if err != nil {
		return store.CubeInfo{}, err
	}
	return v.(store.CubeInfo), nil
}

func (s *RequestScheduler) performCubeRequest(ctx context.Context, key overlay.CubeKey) (store.CubeInfo, error) {
	correlationID := uuid.New()
	tried := make(map[*networkpeer.NetworkPeer]bool)
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		candidates := s.fullNodePeers()
		var untried []*networkpeer.NetworkPeer
		for _, p := range candidates {
			if !tried[p] {
				untried = append(untried, p)
			}
		}
		if len(untried) > 0 {
			candidates = untried
		}
		peer, ok := s.strategy.Select(candidates)
		if !ok {
			return store.CubeInfo{}, fmt.Errorf("scheduler: cube %s: no peer available", key)
		}
		tried[peer] = true
		info, err := s.awaitCube(ctx, key, peer)
		if err == nil {
			return info, nil
		}
		lastErr = err
		s.logger.Debugf("scheduler[%s]: cube %s attempt %d via %s failed: %v", correlationID, key, attempt, peer.Address(), err)
	}
	return store.CubeInfo{}, fmt.Errorf("scheduler: cube %s: %w", key, lastErr)
}

func (s *RequestScheduler) awaitCube(ctx context.Context, key overlay.CubeKey, peer *networkpeer.NetworkPeer) (store.CubeInfo, error) {
	ch := make(chan store.CubeInfo, 1)
	s.mu.Lock()
	s.waiters[key] = append(s.waiters[key], ch)
	if s.pendingByPeer[peer] == nil {
		s.pendingByPeer[peer] = make(map[overlay.CubeKey]struct{})
	}
	s.pendingByPeer[peer][key] = struct{}{}
	s.mu.Unlock()
	s.cubeRequestTimer.Set(s.cfg.CubeRequestBatchDelay)

	reqCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	select {
	case info := <-ch:
		return info, nil
	case <-reqCtx.Done():
		s.removeWaiter(key, ch)
		return store.CubeInfo{}, reqCtx.Err()
	case <-peer.Done():
		s.removeWaiter(key, ch)
		return store.CubeInfo{}, fmt.Errorf("peer closed before reply")
	case <-s.stopCh:
		s.removeWaiter(key, ch)
		return store.CubeInfo{}, ErrShutdown
	}
}

func (s *RequestScheduler) removeWaiter(key overlay.CubeKey, target chan store.CubeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chs := s.waiters[key]
	for i, ch := range chs {
		if ch == target {
			s.waiters[key] = append(chs[:i], chs[i+1:]...)
			break
		}
	}
	if len(s.waiters[key]) == 0 {
		delete(s.waiters, key)
	}
}

func (s *RequestScheduler) performCubeRequestBatch() {
	s.mu.Lock()
	batch := s.pendingByPeer
	s.pendingByPeer = make(map[*networkpeer.NetworkPeer]map[overlay.CubeKey]struct{})
	s.mu.Unlock()

	for peer, keys := range batch {
		if peer.Status() != overlay.PeerStatusOnline {
			continue
		}
		ks := make([]overlay.CubeKey, 0, len(keys))
		for k := range keys {
			ks = append(ks, k)
		}
		if len(ks) > wire.MaxCubesPerMessage {
			ks = ks[:wire.MaxCubesPerMessage]
		}
		peer, ks := peer, ks
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			defer cancel()
			if err := peer.SendCubeRequest(ctx, ks); err != nil {
				s.logger.Debugf("scheduler: cube request to %s failed: %v", peer.Address(), err)
			}
		}()
	}
}

// HandleCubesOffered applies the retention policy to each offered meta
// and, for anything worth having that looks newer than what is stored,
// schedules a fetch from the offering peer. The real contest (which
// needs UpdateCount, not carried in a KeyResponse record) runs
// authoritatively inside store.AddCube once the bytes actually arrive;
// this is a meta-level heuristic to decide whether fetching is worth it.
func (s *RequestScheduler) HandleCubesOffered(metas []overlay.CubeMeta, from *networkpeer.NetworkPeer) {
	now := s.clock.Now()
	var toFetch []overlay.CubeKey
	for _, meta := range metas {
		if !s.store.ShouldRetain(meta, now) {
			continue
		}
		if existing, ok := s.store.GetCubeInfo(meta.Key); ok && !meta.Date.After(existing.Meta.Date) {
			continue
		}
		toFetch = append(toFetch, meta.Key)
	}
	if len(toFetch) == 0 {
		return
	}

	s.mu.Lock()
	if s.pendingByPeer[from] == nil {
		s.pendingByPeer[from] = make(map[overlay.CubeKey]struct{})
	}
	for _, k := range toFetch {
		s.pendingByPeer[from][k] = struct{}{}
	}
	s.mu.Unlock()
	s.cubeRequestTimer.Set(s.cfg.CubeRequestBatchDelay)
}

// RequestNotifications issues a NotificationChallenge KeyRequest to a
// selected peer and waits for the recipient's notifications to land in
// the store. Concurrent callers for the same recipient share one attempt.
func (s *RequestScheduler) RequestNotifications(ctx context.Context, recipient overlay.NotificationKey, minDifficulty uint8) ([]store.CubeInfo, error) {
	v, err, _ := s.sf.Do("notify:"+recipient.String(), func() (interface{}, error) {
		return s.performNotificationRequest(ctx, recipient, minDifficulty)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.CubeInfo), nil
}

func (s *RequestScheduler) performNotificationRequest(ctx context.Context, recipient overlay.NotificationKey, minDifficulty uint8) ([]store.CubeInfo, error) {
	peer, ok := s.strategy.Select(s.fullNodePeers())
	if !ok {
		return nil, fmt.Errorf("scheduler: notifications %s: no peer available", recipient)
	}
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := peer.SendKeyRequest(reqCtx, wire.KeyRequestPayload{
		Mode:          wire.ModeNotificationChallenge,
		Count:         wire.MaxCubesPerMessage,
		NotifyKey:     recipient,
		MinDifficulty: minDifficulty,
	}); err != nil {
		return nil, fmt.Errorf("scheduler: send notification request: %w", err)
	}

	deadline := s.clock.Now().Add(s.cfg.RequestTimeout)
	for s.clock.Now().Before(deadline) {
		if infos := s.store.GetNotifications(recipient); len(infos) > 0 {
			return infos, nil
		}
		select {
		case <-s.clock.After(50 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.stopCh:
			return nil, ErrShutdown
		}
	}
	return nil, fmt.Errorf("scheduler: notifications %s: timed out", recipient)
}

func (s *RequestScheduler) fullNodePeers() []*networkpeer.NetworkPeer {
	all := s.mgr.OnlinePeers()
	out := make([]*networkpeer.NetworkPeer, 0, len(all))
	for _, p := range all {
		if p.RemoteNodeType() == overlay.NodeTypeFull {
			out = append(out, p)
		}
	}
	return out
}

// NotifyPeerOnline nudges the scheduler to issue an immediate key
// request to a freshly-online full-node peer rather than waiting for
// the next periodic tick.
func (s *RequestScheduler) NotifyPeerOnline(np *networkpeer.NetworkPeer) {
	if np.RemoteNodeType() != overlay.NodeTypeFull {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		_ = np.SendKeyRequest(ctx, wire.KeyRequestPayload{Mode: wire.ModeSlidingWindow, Count: wire.MaxCubesPerMessage})
	}()
}

// NotifyPeerClosed drops any pending batch work addressed to np; callers
// awaiting a cube through that peer observe np.Done() and retry against
// a different peer automatically (performCubeRequest's retry loop).
func (s *RequestScheduler) NotifyPeerClosed(np *networkpeer.NetworkPeer) {
	s.mu.Lock()
	delete(s.pendingByPeer, np)
	s.mu.Unlock()
}

func (s *RequestScheduler) scaledInterval() time.Duration {
	n := len(s.mgr.OnlinePeers())
	if n <= 0 {
		n = 1
	}
	scale := s.cfg.RequestScaleFactor / float64(n)
	if scale < s.cfg.MinRequestScale {
		scale = s.cfg.MinRequestScale
	}
	if scale > 1 {
		scale = 1
	}
	return time.Duration(float64(s.cfg.RequestInterval) * scale)
}

func (s *RequestScheduler) runKeyRequestLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		t := s.clock.Timer(s.scaledInterval())
		select {
		case <-t.C:
			s.performKeyRequest(ctx)
		case <-s.stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *RequestScheduler) performKeyRequest(ctx context.Context) {
	for _, p := range s.fullNodePeers() {
		p := p
		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()
			_ = p.SendKeyRequest(reqCtx, wire.KeyRequestPayload{Mode: wire.ModeSlidingWindow, Count: wire.MaxCubesPerMessage})
		}()
	}
}

// Shutdown rejects every outstanding monitor with ErrShutdown, clears
// timers, and detaches the store listener.
func (s *RequestScheduler) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.cubeRequestTimer.Stop()
		if s.storeUnsub != nil {
			s.storeUnsub()
		}
		s.wg.Wait()
	})
}
