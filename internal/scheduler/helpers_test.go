package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cubeoverlay/node/internal/networkpeer"
	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/peerdb"
	"github.com/cubeoverlay/node/internal/store/memstore"
	"github.com/cubeoverlay/node/internal/transport"
	"github.com/cubeoverlay/node/internal/wire"
)

// pipeConn is an in-memory transport.Connection driven entirely by a
// channel of pre-encoded frames, standing in for a real websocket/mux
// session so NetworkPeer's handshake path can run against it unmodified.
type pipeConn struct {
	addr    overlay.Address
	incoming chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newPipeConn(addr overlay.Address) *pipeConn {
	return &pipeConn{addr: addr, incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *pipeConn) Send(ctx context.Context, frame []byte) error { return nil }

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case f := <-c.incoming:
		return f, nil
	case <-c.closed:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) Address() overlay.Address { return c.addr }
func (c *pipeConn) State() overlay.ConnState  { return overlay.ConnStateOpen }

var _ transport.Connection = (*pipeConn)(nil)

// fakeManager is the minimal networkpeer.Manager a test NetworkPeer needs.
type fakeManager struct {
	peerDB *peerdb.DB
}

func newFakeManager() *fakeManager { return &fakeManager{peerDB: peerdb.New(peerdb.DefaultConfig())} }

func (f *fakeManager) LocalIdentity() overlay.Identity           { return overlay.Identity{0xAA} }
func (f *fakeManager) LocalNodeType() overlay.NodeType           { return overlay.NodeTypeFull }
func (f *fakeManager) DialableAddress() (overlay.Address, bool)  { return overlay.Address{}, false }
func (f *fakeManager) HandlePeerOnline(np *networkpeer.NetworkPeer) (bool, error) {
	return true, nil
}
func (f *fakeManager) HandlePeerClosed(np *networkpeer.NetworkPeer)      {}
func (f *fakeManager) PeerDB() *peerdb.DB                                { return f.peerDB }
func (f *fakeManager) Scheduler() networkpeer.Scheduler                  { return fakeNetworkpeerScheduler{} }
func (f *fakeManager) RecentKeysAfter(overlay.CubeKey, int) []overlay.CubeKey { return nil }

type fakeNetworkpeerScheduler struct{}

func (fakeNetworkpeerScheduler) HandleCubesOffered([]overlay.CubeMeta, *networkpeer.NetworkPeer) {}
func (fakeNetworkpeerScheduler) ResolveSubscription([32]byte, bool, time.Duration)               {}
func (fakeNetworkpeerScheduler) NotifyPeerOnline(*networkpeer.NetworkPeer)                        {}
func (fakeNetworkpeerScheduler) NotifyPeerClosed(*networkpeer.NetworkPeer)                        {}

// newOnlinePeer builds a real *networkpeer.NetworkPeer, drives it through a
// HELLO handshake so it reaches ONLINE with nodeType and trustScore set, and
// returns it. The background Run goroutine is left running; callers don't
// need to stop it for these short-lived unit tests.
func newOnlinePeer(t *testing.T, port uint16, nodeType overlay.NodeType, trustScore int) *networkpeer.NetworkPeer {
	t.Helper()
	conn := newPipeConn(overlay.NewWebsocketAddress("127.0.0.1", port))
	mgr := newFakeManager()
	st := memstore.New()
	np := networkpeer.New(conn, mgr, st, false, networkpeer.DefaultConfig(), clock.NewMock(), zap.NewNop().Sugar())
	np.CatalogPeer().TrustScore = trustScore

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go np.Run(ctx)

	hello := wire.HelloPayload{PeerID: overlay.Identity{byte(port)}, HasNodeType: true, NodeType: nodeType}
	conn.incoming <- wire.Encode(hello)

	deadline := time.Now().Add(2 * time.Second)
	for np.Status() != overlay.PeerStatusOnline && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	return np
}
