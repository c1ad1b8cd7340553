package networkpeer

import (
	"context"
	"time"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/wire"
)

const (
	responseCodeOK = 0
)

func (np *NetworkPeer) handleSubscribeCube(ctx context.Context, p wire.SubscriptionPayload) {
	var key overlay.CubeKey
	copy(key[:], p.KeyBlob[:])
	deadline := np.clock.Now().Add(np.cfg.SubscriptionPeriod)

	np.mu.Lock()
	np.cubeSubs[key] = subscription{deadline: deadline}
	np.mu.Unlock()

	confirm := wire.NewSubscriptionPayload(wire.ClassSubscriptionConfirmation, responseCodeOK, key).
		WithDuration(uint16(np.cfg.SubscriptionPeriod / time.Second))
	_ = np.send(ctx, confirm)
}

func (np *NetworkPeer) handleSubscribeNotifications(ctx context.Context, p wire.SubscriptionPayload) {
	var key overlay.NotificationKey
	copy(key[:], p.KeyBlob[:])
	deadline := np.clock.Now().Add(np.cfg.SubscriptionPeriod)

	np.mu.Lock()
	np.notifySubs[key] = subscription{deadline: deadline}
	np.mu.Unlock()

	confirm := wire.NewSubscriptionPayload(wire.ClassSubscriptionConfirmation, responseCodeOK, overlay.CubeKey(key)).
		WithDuration(uint16(np.cfg.SubscriptionPeriod / time.Second))
	_ = np.send(ctx, confirm)
}

func (np *NetworkPeer) handleSubscriptionConfirmation(p wire.SubscriptionPayload) {
	duration := time.Duration(p.Duration) * time.Second
	np.mgr.Scheduler().ResolveSubscription(p.KeyBlob, p.ResponseCode == responseCodeOK, duration)
}

// --- Outgoing operations, called by the scheduler. ---

func (np *NetworkPeer) SendKeyRequest(ctx context.Context, p wire.KeyRequestPayload) error {
	return np.send(ctx, p)
}

func (np *NetworkPeer) SendCubeRequest(ctx context.Context, keys []overlay.CubeKey) error {
	return np.send(ctx, wire.CubeRequestPayload{Keys: keys})
}

func (np *NetworkPeer) SendSubscribeCube(ctx context.Context, key overlay.CubeKey) error {
	return np.send(ctx, wire.NewSubscriptionPayload(wire.ClassSubscribeCube, responseCodeOK, key))
}

func (np *NetworkPeer) SendSubscribeNotifications(ctx context.Context, key overlay.NotificationKey) error {
	return np.send(ctx, wire.NewSubscriptionPayload(wire.ClassSubscribeNotifications, responseCodeOK, overlay.CubeKey(key)))
}

func (np *NetworkPeer) SendPeerRequest(ctx context.Context) error {
	return np.send(ctx, wire.PeerRequestPayload{})
}

// SendExpressSync pushes metas as an ExpressSync-mode KeyResponse: the
// push-style announcement a full node uses to fan out newly admitted
// cubes to its connected full-node peers (spec.md §4.4).
func (np *NetworkPeer) SendExpressSync(ctx context.Context, metas []overlay.CubeMeta) error {
	return np.send(ctx, wire.KeyResponsePayload{Mode: wire.ModeExpressSync, Metas: metas})
}

// CubeSubscriptions returns a snapshot of keys the remote is currently
// subscribed to. onCubeAdded does not call it; it reads cubeSubs directly.
func (np *NetworkPeer) CubeSubscriptions() []overlay.CubeKey {
	np.mu.Lock()
	defer np.mu.Unlock()
	out := make([]overlay.CubeKey, 0, len(np.cubeSubs))
	for k := range np.cubeSubs {
		out = append(out, k)
	}
	return out
}
