package netmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/transport"
)

// HandlePeerOnline validates a freshly-HELLO'd session against the
// self-connect and duplicate-identity invariants (spec.md §3 invariants
// 2 and 3), then promotes the peer in PeerDB. The heavy lifting runs on
// the manager's single command-queue goroutine, serialized with
// acceptIncoming and auto-connect passes; connect and HandlePeerClosed
// are not queued and are ordered with it only through m.mu. The caller
// (np.Run, its own goroutine) blocks on the result.
func (m *Manager) HandlePeerOnline(np *networkpeer.NetworkPeer) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	resCh := make(chan result, 1)
	m.enqueue(func() {
		ok, err := m.handlePeerOnlineLocked(np)
		resCh <- result{ok, err}
	})
	r := <-resCh
	return r.ok, r.err
}

func (m *Manager) handlePeerOnlineLocked(np *networkpeer.NetworkPeer) (bool, error) {
	remoteID, ok := np.Identity()
	if !ok {
		return false, fmt.Errorf("netmanager: peer reached online without an identity")
	}
	if remoteID.Equal(m.identity) {
		m.peerDB.BlocklistPeer(np.CatalogPeer())
		m.logger.Warnf("netmanager: blocking self-connection from %s", np.Address())
		return false, nil
	}

	m.mu.Lock()
	for _, other := range m.allPeersLocked() {
		if other == np {
			continue
		}
		otherID, otherHas := other.Identity()
		if !otherHas || other.Status() != overlay.PeerStatusOnline {
			continue
		}
		if otherID.Equal(remoteID) {
			for _, a := range np.CatalogPeer().Addresses {
				other.CatalogPeer().AddAddress(a)
			}
			m.mu.Unlock()
			m.logger.Infof("netmanager: collapsing duplicate session to %s", np.Address())
			return false, nil
		}
	}
	m.mu.Unlock()

	if np.IsOutgoing() {
		m.peerDB.MarkPeerExchangeable(np.CatalogPeer())
	} else {
		m.peerDB.VerifyPeer(np.CatalogPeer())
	}

	m.mu.Lock()
	wasOffline := !m.online
	m.online = true
	m.mu.Unlock()
	if wasOffline {
		m.logger.Info("netmanager: transitioned online (first peer reached ONLINE)")
	}

	return true, nil
}

func (m *Manager) allPeersLocked() []*networkpeer.NetworkPeer {
	out := make([]*networkpeer.NetworkPeer, 0, len(m.outgoingPeers)+len(m.incomingPeers))
	out = append(out, m.outgoingPeers...)
	out = append(out, m.incomingPeers...)
	return out
}

// HandlePeerClosed removes np from whichever peer sequence holds it.
func (m *Manager) HandlePeerClosed(np *networkpeer.NetworkPeer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outgoingPeers = removePeer(m.outgoingPeers, np)
	m.incomingPeers = removePeer(m.incomingPeers, np)
}

func removePeer(peers []*networkpeer.NetworkPeer, target *networkpeer.NetworkPeer) []*networkpeer.NetworkPeer {
	for i, p := range peers {
		if p == target {
			return append(peers[:i], peers[i+1:]...)
		}
	}
	return peers
}

// autoConnectPeers implements spec.md §4.4: guarded against re-entry,
// asks PeerDB for a candidate, and re-arms itself after newPeerInterval
// on success, connectRetryInterval on synchronous dial failure, or
// reconnectInterval when no candidate or the connection cap is reached.
// Selection runs on the command queue; the dial itself runs in its own
// goroutine so a slow/hanging connect never stalls other queued work.
func (m *Manager) autoConnectPeers(ctx context.Context) {
	if m.autoConnecting {
		return
	}
	m.autoConnecting = true

	m.mu.Lock()
	total := len(m.outgoingPeers) + len(m.incomingPeers)
	exclude := make([]*overlay.Peer, 0, total)
	for _, p := range m.allPeersLocked() {
		exclude = append(exclude, p.CatalogPeer())
	}
	m.mu.Unlock()

	if m.cfg.MaximumConnections > 0 && total >= m.cfg.MaximumConnections {
		m.autoConnecting = false
		m.scheduleAutoConnect(ctx, m.cfg.ReconnectInterval)
		return
	}

	candidate, ok := m.peerDB.SelectPeerToConnect(exclude, m.clock.Now())
	if !ok {
		m.autoConnecting = false
		m.scheduleAutoConnect(ctx, m.cfg.ReconnectInterval)
		return
	}
	candidate.LastConnectAttempt = m.clock.Now()
	candidate.ConnectionAttempts++

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.connect(ctx, candidate)
		m.enqueue(func() {
			m.autoConnecting = false
			if err != nil {
				m.logger.Debugf("netmanager: connect to %s failed: %v", candidate.PrimaryAddress(), err)
				m.scheduleAutoConnect(ctx, m.cfg.ConnectRetryInterval)
				return
			}
			m.scheduleAutoConnect(ctx, m.cfg.NewPeerInterval)
		})
	}()
}

func (m *Manager) scheduleAutoConnect(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := m.clock.Timer(d)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-t.C:
			m.enqueue(func() { m.autoConnectPeers(ctx) })
		case <-ctx.Done():
			t.Stop()
		}
	}()
}

// connect dials candidate on whichever transport its primary address
// kind maps to and starts its session.
func (m *Manager) connect(ctx context.Context, candidate *overlay.Peer) error {
	addr := candidate.PrimaryAddress()
	var kind transport.Kind
	switch addr.Kind {
	case overlay.AddressKindWebsocket:
		kind = transport.KindWebsocket
	case overlay.AddressKindMultiaddress:
		kind = transport.KindMux
	default:
		return fmt.Errorf("netmanager: unsupported address kind %v", addr.Kind)
	}
	bundle, ok := m.transports[kind]
	if !ok || bundle.dialer == nil {
		return fmt.Errorf("netmanager: no dialer registered for %s", kind)
	}
	conn, err := bundle.dialer.Dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	np := networkpeer.New(conn, m, m.store, true, m.cfg.PeerConfig, m.clock, m.logger)
	m.mu.Lock()
	m.outgoingPeers = append(m.outgoingPeers, np)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		np.Run(ctx)
	}()
	return nil
}

// Connect dials addr directly, bypassing PeerDB selection. Exposed for
// explicit "connect to this address" callers (CLI, tests).
func (m *Manager) Connect(ctx context.Context, addr overlay.Address) error {
	return m.connect(ctx, overlay.NewPeer(addr))
}
