// Package networkpeer implements NetworkPeer, the per-connection session
// state machine: CONNECTING → HANDSHAKING → ONLINE → CLOSING → CLOSED,
// message dispatch, liveness timeouts, and subscription bookkeeping.
// Grounded on the teacher's internal/p2p.Peer (per-connection state) and
// internal/p2p.Server.handleConnection (handshake-then-dispatch loop),
// generalized to the spec's composition-not-inheritance session model
// (spec.md §9: "NetworkPeer extends Peer" is re-modeled as composition).
package networkpeer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/peerdb"
	"github.com/cubeoverlay/node/internal/store"
	"github.com/cubeoverlay/node/internal/transport"
	"github.com/cubeoverlay/node/internal/wire"
)

// Manager is the slice of NetworkManager a NetworkPeer depends on. Kept
// narrow and defined here (rather than importing netmanager) to avoid an
// import cycle, since netmanager constructs and owns NetworkPeers.
type Manager interface {
	LocalIdentity() overlay.Identity
	LocalNodeType() overlay.NodeType
	DialableAddress() (overlay.Address, bool)

	// HandlePeerOnline validates a freshly-HELLO'd session: rejects
	// self-connects (closing and blocking) and collapses duplicates
	// (closing the newer of the two). ok is false if np must close.
	HandlePeerOnline(np *NetworkPeer) (ok bool, err error)
	HandlePeerClosed(np *NetworkPeer)

	PeerDB() *peerdb.DB
	Scheduler() Scheduler
	RecentKeysAfter(start overlay.CubeKey, limit int) []overlay.CubeKey
}

// Scheduler is the slice of RequestScheduler a NetworkPeer depends on.
type Scheduler interface {
	HandleCubesOffered(metas []overlay.CubeMeta, from *NetworkPeer)
	ResolveSubscription(key [32]byte, confirmed bool, duration time.Duration)
	NotifyPeerOnline(np *NetworkPeer)
	NotifyPeerClosed(np *NetworkPeer)
}

// Config carries the construction-time options spec.md §4.3 names.
type Config struct {
	PeerExchange       bool
	AutoRequestKeys    bool
	NetworkTimeout     time.Duration
	CloseOnTimeout     bool
	SubscriptionPeriod time.Duration
	PeerRequestPeriod  time.Duration
	KeyRequestPeriod   time.Duration
	SendRateLimit      rate.Limit // frames/sec; 0 disables shaping
	SendBurst          int
}

func DefaultConfig() Config {
	return Config{
		PeerExchange:       true,
		AutoRequestKeys:    true,
		NetworkTimeout:     10 * time.Second,
		CloseOnTimeout:     true,
		SubscriptionPeriod: 5 * time.Minute,
		PeerRequestPeriod:  10 * time.Second,
		KeyRequestPeriod:   30 * time.Second,
		SendRateLimit:      200,
		SendBurst:          50,
	}
}

// Stats mirrors spec.md §3's NetworkPeer.stats{tx,rx: {messages,bytes,byClass}}.
type Stats struct {
	Messages uint64
	Bytes    uint64
	ByClass  map[wire.MessageClass]uint64
}

func newStats() Stats { return Stats{ByClass: make(map[wire.MessageClass]uint64)} }

func (s *Stats) record(class wire.MessageClass, n int) {
	s.Messages++
	s.Bytes += uint64(n)
	s.ByClass[class]++
}

type subscription struct {
	deadline time.Time
}

// NetworkPeer is one live connection's session state.
type NetworkPeer struct {
	conn       transport.Connection
	mgr        Manager
	store      store.Store
	clock      clock.Clock
	cfg        Config
	logger     *zap.SugaredLogger
	outgoing   bool
	catalog    *overlay.Peer
	limiter    *rate.Limiter

	mu             sync.Mutex
	status         overlay.PeerStatus
	identity       overlay.Identity
	hasIdentity    bool
	remoteNodeType overlay.NodeType

	unsentCubeMetas map[overlay.CubeKey]overlay.CubeMeta
	unsentPeers     []overlay.Address
	cubeSubs        map[overlay.CubeKey]subscription
	notifySubs      map[overlay.NotificationKey]subscription

	txStats Stats
	rxStats Stats

	pendingTimeouts map[string]*clock.Timer // keyed by logical request kind

	storeUnsub      func()
	exchangeUnsub   func()
	stopBackground  chan struct{}
	backgroundGroup sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a session around a freshly-ready Connection. outgoing
// indicates whether the local node dialed (true) or accepted (false).
func New(conn transport.Connection, mgr Manager, st store.Store, outgoing bool, cfg Config, clk clock.Clock, logger *zap.SugaredLogger) *NetworkPeer {
	if clk == nil {
		clk = clock.New()
	}
	np := &NetworkPeer{
		conn:            conn,
		mgr:             mgr,
		store:           st,
		clock:           clk,
		cfg:             cfg,
		logger:          logger,
		outgoing:        outgoing,
		catalog:         overlay.NewPeer(conn.Address()),
		status:          overlay.PeerStatusConnecting,
		unsentCubeMetas: make(map[overlay.CubeKey]overlay.CubeMeta),
		cubeSubs:        make(map[overlay.CubeKey]subscription),
		notifySubs:      make(map[overlay.NotificationKey]subscription),
		txStats:         newStats(),
		rxStats:         newStats(),
		pendingTimeouts: make(map[string]*clock.Timer),
		stopBackground:  make(chan struct{}),
		closed:          make(chan struct{}),
	}
	if cfg.SendRateLimit > 0 {
		np.limiter = rate.NewLimiter(cfg.SendRateLimit, cfg.SendBurst)
	}

	np.storeUnsub = st.Subscribe(np.onCubeAdded)
	np.exchangeUnsub = mgr.PeerDB().OnExchangeablePeerFunc(np.onExchangeablePeer)
	return np
}

func (np *NetworkPeer) Status() overlay.PeerStatus {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.status
}

func (np *NetworkPeer) setStatus(s overlay.PeerStatus) {
	np.mu.Lock()
	np.status = s
	np.mu.Unlock()
}

func (np *NetworkPeer) Identity() (overlay.Identity, bool) {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.identity, np.hasIdentity
}

func (np *NetworkPeer) RemoteNodeType() overlay.NodeType {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.remoteNodeType
}

func (np *NetworkPeer) CatalogPeer() *overlay.Peer { return np.catalog }

func (np *NetworkPeer) IsOutgoing() bool { return np.outgoing }

func (np *NetworkPeer) Address() overlay.Address { return np.conn.Address() }

// Stats returns a snapshot of tx/rx counters.
func (np *NetworkPeer) Stats() (tx, rx Stats) {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.txStats, np.rxStats
}

// Run drives the session: sends HELLO, then loops reading frames until
// the connection closes or ctx is cancelled. Intended to be called in
// its own goroutine by the owning NetworkManager.
func (np *NetworkPeer) Run(ctx context.Context) {
	np.setStatus(overlay.PeerStatusHandshaking)
	if err := np.sendHello(ctx); err != nil {
		np.logger.Warnf("networkpeer %s: send hello failed: %v", np.Address(), err)
		np.Close()
		return
	}
	np.armHandshakeTimeout()

	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if np.cfg.NetworkTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, np.cfg.NetworkTimeout)
		}
		frame, err := np.conn.ReadMessage(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				np.Close()
				return
			}
			np.logger.Debugf("networkpeer %s: read loop ended: %v", np.Address(), err)
			np.Close()
			return
		}
		np.dispatch(ctx, frame)
	}
}

func (np *NetworkPeer) sendHello(ctx context.Context) error {
	payload := wire.HelloPayload{PeerID: np.mgr.LocalIdentity(), HasNodeType: true, NodeType: np.mgr.LocalNodeType()}
	return np.send(ctx, payload)
}

// send encodes and transmits payload, applying rate shaping and stats.
func (np *NetworkPeer) send(ctx context.Context, payload wire.Payload) error {
	if np.limiter != nil {
		if err := np.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("networkpeer: rate limiter: %w", err)
		}
	}
	frame := wire.Encode(payload)
	if err := np.conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("networkpeer: send %s: %w", payload.Class(), err)
	}
	np.mu.Lock()
	np.txStats.record(payload.Class(), len(frame))
	np.mu.Unlock()
	return nil
}

func (np *NetworkPeer) armHandshakeTimeout() {
	if np.cfg.NetworkTimeout <= 0 {
		return
	}
	t := np.clock.Timer(np.cfg.NetworkTimeout)
	np.backgroundGroup.Add(1)
	go func() {
		defer np.backgroundGroup.Done()
		select {
		case <-t.C:
			if np.Status() == overlay.PeerStatusHandshaking {
				np.logger.Debugf("networkpeer %s: handshake timed out", np.Address())
				np.Close()
			}
		case <-np.stopBackground:
			t.Stop()
		}
	}()
}

// Close idempotently tears the session down: deregisters every listener
// it installed, clears timers, and closes the underlying connection
// exactly once.
func (np *NetworkPeer) Close() {
	np.closeOnce.Do(func() {
		np.setStatus(overlay.PeerStatusClosing)
		close(np.stopBackground)
		if np.storeUnsub != nil {
			np.storeUnsub()
		}
		if np.exchangeUnsub != nil {
			np.exchangeUnsub()
		}
		_ = np.conn.Close()
		np.backgroundGroup.Wait()
		np.setStatus(overlay.PeerStatusClosed)
		np.mgr.HandlePeerClosed(np)
		np.mgr.Scheduler().NotifyPeerClosed(np)
		close(np.closed)
	})
}

// Done reports when the session has fully closed.
func (np *NetworkPeer) Done() <-chan struct{} { return np.closed }

// onCubeAdded is the store.Subscribe callback: every newly accepted cube
// is queued for offer to this peer, and if the remote is subscribed to
// one of its keys, an unsolicited CubeResponse is pushed immediately.
func (np *NetworkPeer) onCubeAdded(info store.CubeInfo) {
	np.mu.Lock()
	if np.status != overlay.PeerStatusOnline {
		np.unsentCubeMetas[info.Meta.Key] = info.Meta
		np.mu.Unlock()
		return
	}
	_, subscribed := np.cubeSubs[info.Meta.Key]
	np.unsentCubeMetas[info.Meta.Key] = info.Meta
	np.mu.Unlock()

	if subscribed {
		ctx, cancel := context.WithTimeout(context.Background(), np.cfg.NetworkTimeout)
		defer cancel()
		_ = np.send(ctx, wire.CubeResponsePayload{Cubes: [][]byte{info.Raw}})
	}
}

// onExchangeablePeer is the PeerDB exchangeablePeer callback: queue the
// peer for gossip unless it is this session's own remote peer.
func (np *NetworkPeer) onExchangeablePeer(p *overlay.Peer) {
	if np.catalog.Equal(p) {
		return
	}
	np.mu.Lock()
	defer np.mu.Unlock()
	if len(np.unsentPeers) >= 4096 {
		return // unbounded growth guard; gossip is best-effort
	}
	for _, a := range p.Addresses {
		np.unsentPeers = append(np.unsentPeers, a)
	}
}
