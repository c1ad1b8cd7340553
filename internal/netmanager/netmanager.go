// Package netmanager implements NetworkManager, the overlay controller:
// owner of transports, the incoming/outgoing peer sequences, the local
// identity, the recent-keys window, and the auto-connect loop. Grounded
// on the teacher's internal/p2p.NetworkManager (peer discovery loop,
// connection maintenance loop, handlePeerConnected/Disconnected).
// Auto-connect passes, incoming-connection handling and online
// validation run on a single command-queue goroutine; the peer sequences
// and the recent-keys window are guarded by one mutex, which
// HandlePeerClosed, connect, the cube-added hook and Shutdown take
// directly from their own goroutines.
package netmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pbnjay/memory"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cubeoverlay/node/internal/identity"
	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/peerdb"
	"github.com/cubeoverlay/node/internal/store"
	"github.com/cubeoverlay/node/internal/transport"
)

// Config carries the enumerated configuration spec.md §6 names.
type Config struct {
	AutoConnect               bool
	AnnounceToTorrentTrackers bool
	AcceptIncomingConnections bool
	MaximumConnections        int
	NewPeerInterval           time.Duration
	ConnectRetryInterval      time.Duration
	ReconnectInterval         time.Duration
	NetworkTimeout            time.Duration
	CloseOnTimeout            bool
	RecentKeyWindowSize       int
	LightNode                 bool
	PeerConfig                networkpeer.Config
	PeerDBConfig              peerdb.Config
}

func DefaultConfig() Config {
	return Config{
		AutoConnect:               true,
		AcceptIncomingConnections: true,
		MaximumConnections:        recommendedMaxConnections(),
		NewPeerInterval:           2 * time.Second,
		ConnectRetryInterval:      5 * time.Second,
		ReconnectInterval:         30 * time.Second,
		NetworkTimeout:            10 * time.Second,
		CloseOnTimeout:            true,
		RecentKeyWindowSize:       1000,
		PeerConfig:                networkpeer.DefaultConfig(),
		PeerDBConfig:              peerdb.DefaultConfig(),
	}
}

// recommendedMaxConnections scales the default connection ceiling with
// available system memory, the same way the storage/cache layers this
// overlay is paired with are expected to size their own in-memory
// budgets: a small box should not be defaulted into hundreds of sockets.
func recommendedMaxConnections() int {
	const perConnection = 4 << 20 // 4MiB budget per connection, generous
	total := memory.TotalMemory()
	if total == 0 {
		return 32
	}
	n := int(total / perConnection / 8) // use at most 1/8 of RAM on conns
	if n < 8 {
		return 8
	}
	if n > 256 {
		return 256
	}
	return n
}

type transportBundle struct {
	server transport.Server
	dialer transport.Dialer
}

// Manager is the concrete NetworkManager.
type Manager struct {
	cfg        Config
	identity   overlay.Identity
	nodeType   overlay.NodeType
	store      store.Store
	peerDB     *peerdb.DB
	logger     *zap.SugaredLogger
	clock      clock.Clock

	transports map[transport.Kind]transportBundle

	scheduler networkpeer.Scheduler

	cmdQueue chan func()
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	mu             sync.Mutex
	outgoingPeers  []*networkpeer.NetworkPeer
	incomingPeers  []*networkpeer.NetworkPeer
	recentKeys     []overlay.CubeKey
	online         bool
	autoConnecting bool
}

// New constructs a Manager. The scheduler must be attached afterward via
// SetScheduler, since the scheduler itself needs a Manager reference;
// the two are wired together by cmd/cubenoded at startup.
func New(cfg Config, st store.Store, logger *zap.SugaredLogger) (*Manager, error) {
	id, err := identity.New()
	if err != nil {
		return nil, fmt.Errorf("netmanager: generate identity: %w", err)
	}
	nodeType := overlay.NodeTypeFull
	if cfg.LightNode {
		nodeType = overlay.NodeTypeLight
	}
	m := &Manager{
		cfg:        cfg,
		identity:   id,
		nodeType:   nodeType,
		store:      st,
		peerDB:     peerdb.New(cfg.PeerDBConfig),
		logger:     logger,
		clock:      clock.New(),
		transports: make(map[transport.Kind]transportBundle),
		cmdQueue:   make(chan func(), 256),
	}
	m.logger.Infof("local identity %s", identity.Fingerprint(id))

	if sz := cfg.RecentKeyWindowSize; sz > 0 {
		if seed, ok := st.GetKeyAtPosition(0); ok {
			m.recentKeys = append(m.recentKeys, seed)
		}
	}
	st.Subscribe(m.onCubeAdded)
	return m, nil
}

func (m *Manager) SetScheduler(s networkpeer.Scheduler) { m.scheduler = s }

func (m *Manager) AddTransport(kind transport.Kind, srv transport.Server, dialer transport.Dialer) {
	m.transports[kind] = transportBundle{server: srv, dialer: dialer}
}

func (m *Manager) LocalIdentity() overlay.Identity { return m.identity }
func (m *Manager) LocalNodeType() overlay.NodeType { return m.nodeType }
func (m *Manager) PeerDB() *peerdb.DB              { return m.peerDB }
func (m *Manager) Scheduler() networkpeer.Scheduler { return m.scheduler }

// OnlinePeers returns a snapshot of every session currently ONLINE,
// incoming and outgoing alike. Consumed by the scheduler for fan-out and
// peer selection.
func (m *Manager) OnlinePeers() []*networkpeer.NetworkPeer {
	m.mu.Lock()
	all := m.allPeersLocked()
	m.mu.Unlock()

	out := make([]*networkpeer.NetworkPeer, 0, len(all))
	for _, p := range all {
		if p.Status() == overlay.PeerStatusOnline {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) DialableAddress() (overlay.Address, bool) {
	for _, b := range m.transports {
		if addr, ok := b.server.DialableAddress(); ok {
			return addr, true
		}
	}
	return overlay.Address{}, false
}

// RecentKeysAfter returns up to limit keys from the recent-keys window
// following start, or from the beginning if start is the zero key or not
// found in the window.
func (m *Manager) RecentKeysAfter(start overlay.CubeKey, limit int) []overlay.CubeKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	begin := 0
	if !start.IsZero() {
		for i, k := range m.recentKeys {
			if k == start {
				begin = i + 1
				break
			}
		}
	}
	end := begin + limit
	if end > len(m.recentKeys) {
		end = len(m.recentKeys)
	}
	if begin >= end {
		return nil
	}
	out := make([]overlay.CubeKey, end-begin)
	copy(out, m.recentKeys[begin:end])
	return out
}

func (m *Manager) onCubeAdded(info store.CubeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentKeys = append(m.recentKeys, info.Meta.Key)
	if over := len(m.recentKeys) - m.cfg.RecentKeyWindowSize; over > 0 && m.cfg.RecentKeyWindowSize > 0 {
		m.recentKeys = m.recentKeys[over:]
	}
}

// Start begins accepting on every registered transport and launches the
// auto-connect loop. Queued work (auto-connect, accept handling, online
// validation) runs on runLoop, the single command-queue goroutine.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.runLoop(ctx)

	var eg errgroup.Group
	for kind, b := range m.transports {
		kind, b := kind, b
		eg.Go(func() error {
			if err := b.server.Start(ctx); err != nil {
				return fmt.Errorf("start %s transport: %w", kind, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		cancel()
		return err
	}

	for kind, b := range m.transports {
		m.wg.Add(1)
		go m.acceptLoop(ctx, kind, b.server)
	}

	if m.cfg.AutoConnect {
		m.enqueue(func() { m.autoConnectPeers(ctx) })
	}
	return nil
}

// Shutdown drains peers first (per spec.md §9's cyclic-reference design
// note), then tears down transports.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	peers := append(append([]*networkpeer.NetworkPeer{}, m.outgoingPeers...), m.incomingPeers...)
	m.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}

	var errs error
	for kind, b := range m.transports {
		if err := b.server.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown %s transport: %w", kind, err))
		}
	}
	m.wg.Wait()
	return errs
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.cmdQueue <- fn:
	default:
		// Queue saturated: run synchronously rather than drop a state
		// mutation; this only happens under pathological backlog.
		fn()
	}
}

func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.cmdQueue:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) acceptLoop(ctx context.Context, kind transport.Kind, srv transport.Server) {
	defer m.wg.Done()
	for {
		conn, err := srv.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Errorf("netmanager: accept on %s: %v", kind, err)
			return
		}
		if !m.cfg.AcceptIncomingConnections {
			_ = conn.Close()
			continue
		}
		m.enqueue(func() { m.acceptIncoming(ctx, conn) })
	}
}

func (m *Manager) acceptIncoming(ctx context.Context, conn transport.Connection) {
	np := networkpeer.New(conn, m, m.store, false, m.cfg.PeerConfig, m.clock, m.logger)
	m.mu.Lock()
	m.incomingPeers = append(m.incomingPeers, np)
	m.mu.Unlock()
	m.peerDB.LearnPeer(np.CatalogPeer())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		np.Run(ctx)
	}()
}

// ExpressSync pushes a KeyResponse(ExpressSync, metas) to every ONLINE
// full-node peer, the real-time fan-out primitive for newly admitted
// cubes (spec.md §4.4).
func (m *Manager) ExpressSync(ctx context.Context, metas []overlay.CubeMeta) {
	m.mu.Lock()
	peers := append(append([]*networkpeer.NetworkPeer{}, m.outgoingPeers...), m.incomingPeers...)
	m.mu.Unlock()

	for _, p := range peers {
		if p.Status() != overlay.PeerStatusOnline || p.RemoteNodeType() != overlay.NodeTypeFull {
			continue
		}
		p := p
		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, m.cfg.NetworkTimeout)
			defer cancel()
			if err := p.SendExpressSync(sendCtx, metas); err != nil {
				m.logger.Debugf("netmanager: expressSync to %s failed: %v", p.Address(), err)
			}
		}()
	}
}
