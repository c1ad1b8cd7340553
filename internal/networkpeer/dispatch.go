package networkpeer

import (
	"context"
	"math/rand"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/wire"
)

// invalidMessageBlockThreshold is the trust-score floor at or below which
// a parse error closes and blocks the remote (spec.md §7: "if peer's trust
// score ≤ 0, closeAndBlock").
const invalidMessageBlockThreshold = 0

func (np *NetworkPeer) dispatch(ctx context.Context, frame []byte) {
	_, payload, err := wire.Decode(frame)
	if err != nil {
		np.logger.Debugf("networkpeer %s: parse error: %v", np.Address(), err)
		np.catalog.TrustScore--
		if np.catalog.TrustScore <= invalidMessageBlockThreshold {
			np.closeAndBlock()
		}
		return
	}

	np.mu.Lock()
	np.rxStats.record(payload.Class(), len(frame))
	np.mu.Unlock()

	switch p := payload.(type) {
	case wire.HelloPayload:
		np.handleHello(ctx, p)
	case wire.KeyRequestPayload:
		np.handleKeyRequest(ctx, p)
	case wire.KeyResponsePayload:
		np.handleKeyResponse(p)
	case wire.CubeRequestPayload:
		np.handleCubeRequest(ctx, p)
	case wire.CubeResponsePayload:
		np.handleCubeResponse(ctx, p)
	case wire.MyServerAddressPayload:
		np.handleMyServerAddress(p)
	case wire.PeerRequestPayload:
		np.handlePeerRequest(ctx)
	case wire.PeerResponsePayload:
		np.handlePeerResponse(p)
	case wire.SubscriptionPayload:
		np.handleSubscriptionFrame(ctx, p)
	default:
		np.logger.Warnf("networkpeer %s: unhandled payload type %T", np.Address(), p)
	}
}

func (np *NetworkPeer) closeAndBlock() {
	np.mgr.PeerDB().BlocklistPeer(np.catalog)
	np.Close()
}

// --- Hello ---

func (np *NetworkPeer) handleHello(ctx context.Context, p wire.HelloPayload) {
	np.mu.Lock()
	alreadyOnline := np.status == overlay.PeerStatusOnline
	if alreadyOnline {
		differs := np.hasIdentity && !np.identity.Equal(p.PeerID)
		np.mu.Unlock()
		if differs {
			np.logger.Warnf("networkpeer %s: identity changed after HELLO", np.Address())
			np.Close()
		}
		return // duplicate HELLO with same id: ignore
	}
	np.identity = p.PeerID
	np.hasIdentity = true
	if p.HasNodeType {
		np.remoteNodeType = p.NodeType
	} else {
		np.remoteNodeType = overlay.NodeTypeUnknown
	}
	np.catalog.Identity = p.PeerID
	np.catalog.HasIdentity = true
	np.mu.Unlock()

	np.setStatus(overlay.PeerStatusOnline)

	ok, err := np.mgr.HandlePeerOnline(np)
	if err != nil {
		np.logger.Warnf("networkpeer %s: HandlePeerOnline: %v", np.Address(), err)
	}
	if !ok {
		np.Close()
		return
	}

	if addr, haveAddr := np.mgr.DialableAddress(); haveAddr {
		_ = np.send(ctx, wire.MyServerAddressPayload{Address: addr})
	}

	if np.cfg.PeerExchange {
		np.startPeerRequestLoop(ctx)
	}
	localFull := np.mgr.LocalNodeType() == overlay.NodeTypeFull
	remoteFull := np.RemoteNodeType() == overlay.NodeTypeFull
	if np.cfg.AutoRequestKeys && localFull && remoteFull {
		np.startKeyRequestLoop(ctx)
	}

	np.mgr.Scheduler().NotifyPeerOnline(np)
}

func (np *NetworkPeer) startPeerRequestLoop(ctx context.Context) {
	if np.cfg.PeerRequestPeriod <= 0 {
		return
	}
	t := np.clock.Ticker(np.cfg.PeerRequestPeriod)
	np.backgroundGroup.Add(1)
	go func() {
		defer np.backgroundGroup.Done()
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = np.send(ctx, wire.PeerRequestPayload{})
			case <-np.stopBackground:
				return
			}
		}
	}()
}

func (np *NetworkPeer) startKeyRequestLoop(ctx context.Context) {
	if np.cfg.KeyRequestPeriod <= 0 {
		return
	}
	t := np.clock.Ticker(np.cfg.KeyRequestPeriod)
	np.backgroundGroup.Add(1)
	go func() {
		defer np.backgroundGroup.Done()
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = np.SendKeyRequest(ctx, wire.KeyRequestPayload{
					Mode:  wire.ModeSlidingWindow,
					Count: uint32(wire.MaxCubesPerMessage),
				})
			case <-np.stopBackground:
				return
			}
		}
	}()
}

// --- KeyRequest / KeyResponse ---

func (np *NetworkPeer) handleKeyRequest(ctx context.Context, p wire.KeyRequestPayload) {
	count := int(p.Count)
	if count > wire.MaxCubesPerMessage {
		count = wire.MaxCubesPerMessage
	}
	var metas []overlay.CubeMeta

	switch p.Mode {
	case wire.ModeSlidingWindow:
		for _, k := range np.mgr.RecentKeysAfter(p.StartKey, count) {
			if info, ok := np.store.GetCubeInfo(k); ok {
				metas = append(metas, info.Meta)
			}
		}
	case wire.ModeSequentialStoreSync:
		metas = np.sequentialStoreSync(p.StartKey, count)
	case wire.ModeNotificationChallenge:
		for _, info := range np.store.GetNotifications(p.NotifyKey) {
			if info.Meta.Difficulty >= p.MinDifficulty {
				metas = append(metas, info.Meta)
			}
			if len(metas) >= count {
				break
			}
		}
	case wire.ModeNotificationTimestamp:
		for _, info := range np.store.GetNotifications(p.NotifyKey) {
			if !info.Meta.Date.Before(p.TimeMin) && !info.Meta.Date.After(p.TimeMax) {
				metas = append(metas, info.Meta)
			}
			if len(metas) >= count {
				break
			}
		}
	case wire.ModeExpressSync:
		// ExpressSync is sender-initiated push, not something to answer
		// with a fresh KeyResponse; spec.md §4.3 lists it as emitted
		// verbatim by the sender, never as an inbound query to service.
		return
	}

	_ = np.send(ctx, wire.KeyResponsePayload{Mode: p.Mode, Metas: metas})
}

func (np *NetworkPeer) sequentialStoreSync(start overlay.CubeKey, count int) []overlay.CubeMeta {
	var metas []overlay.CubeMeta
	foundStart := start.IsZero()
	for i := 0; len(metas) < count; i++ {
		k, ok := np.store.GetKeyAtPosition(i)
		if !ok {
			break
		}
		if !foundStart {
			if k == start {
				foundStart = true
			}
			continue
		}
		if info, ok := np.store.GetCubeInfo(k); ok {
			metas = append(metas, info.Meta)
		}
	}
	return metas
}

func (np *NetworkPeer) handleKeyResponse(p wire.KeyResponsePayload) {
	np.mgr.Scheduler().HandleCubesOffered(p.Metas, np)
}

// --- CubeRequest / CubeResponse ---

func (np *NetworkPeer) handleCubeRequest(ctx context.Context, p wire.CubeRequestPayload) {
	var cubes [][]byte
	for _, k := range p.Keys {
		if raw, ok := np.store.GetCube(k); ok {
			cubes = append(cubes, raw)
		}
		if len(cubes) >= wire.MaxCubesPerMessage {
			break
		}
	}
	_ = np.send(ctx, wire.CubeResponsePayload{Cubes: cubes})
}

func (np *NetworkPeer) handleCubeResponse(ctx context.Context, p wire.CubeResponsePayload) {
	for _, raw := range p.Cubes {
		result, err := np.store.AddCube(ctx, raw)
		if err != nil {
			np.logger.Debugf("networkpeer %s: addCube failed: %v", np.Address(), err)
			continue
		}
		if result.Stored {
			np.catalog.TrustScore += int(result.Info.Meta.Difficulty)
		}
	}
}

// --- MyServerAddress ---

func (np *NetworkPeer) handleMyServerAddress(p wire.MyServerAddressPayload) {
	addr := p.Address
	if isUnspecifiedHost(addr) {
		observed := np.conn.Address()
		addr = overlay.NewWebsocketAddress(observed.Host, addr.Port)
	}
	np.catalog.AddAddress(addr)
	if np.outgoing {
		np.mgr.PeerDB().MarkPeerExchangeable(np.catalog)
	}
}

func isUnspecifiedHost(a overlay.Address) bool {
	if a.Kind != overlay.AddressKindWebsocket {
		return false
	}
	switch a.Host {
	case "0.0.0.0", "::", "[::]", "":
		return true
	default:
		return false
	}
}

// --- PeerRequest / PeerResponse ---

const maxNodeAddressCount = wire.MaxNodeAddressCount

func (np *NetworkPeer) handlePeerRequest(ctx context.Context) {
	np.mu.Lock()
	candidates := np.unsentPeers
	np.mu.Unlock()

	if len(candidates) == 0 {
		_ = np.send(ctx, wire.PeerResponsePayload{})
		return
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > maxNodeAddressCount {
		candidates = candidates[:maxNodeAddressCount]
	}

	np.mu.Lock()
	remaining := np.unsentPeers[len(candidates):]
	np.unsentPeers = append([]overlay.Address{}, remaining...)
	np.mu.Unlock()

	_ = np.send(ctx, wire.PeerResponsePayload{Addresses: candidates})
}

func (np *NetworkPeer) handlePeerResponse(p wire.PeerResponsePayload) {
	for _, addr := range p.Addresses {
		np.mgr.PeerDB().LearnPeer(overlay.NewPeer(addr))
	}
}

// --- Subscriptions ---

func (np *NetworkPeer) handleSubscriptionFrame(ctx context.Context, p wire.SubscriptionPayload) {
	switch p.Class() {
	case wire.ClassSubscribeCube:
		np.handleSubscribeCube(ctx, p)
	case wire.ClassSubscribeNotifications:
		np.handleSubscribeNotifications(ctx, p)
	case wire.ClassSubscriptionConfirmation:
		np.handleSubscriptionConfirmation(p)
	}
}
