// Package ws implements transport.Server/Connection/Dialer over
// websockets, in the spirit of the teacher's net.Listener-based p2p
// server but built on gorilla/websocket so framing comes for free from
// the websocket message boundary instead of a hand-rolled length prefix.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/transport"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// Connection wraps one websocket.Conn. Writes are serialized with a
// mutex since gorilla/websocket forbids concurrent writers; reads are
// pumped by the caller via ReadMessage, which is safe because the
// overlay never calls it concurrently from two goroutines on the same
// connection (NetworkPeer dispatch is single-threaded per session).
type Connection struct {
	conn    *websocket.Conn
	addr    overlay.Address
	writeMu sync.Mutex
	state   atomic.Int32 // overlay.ConnState
	logger  *zap.SugaredLogger
}

func newConnection(c *websocket.Conn, addr overlay.Address, logger *zap.SugaredLogger) *Connection {
	conn := &Connection{conn: c, addr: addr, logger: logger}
	conn.state.Store(int32(overlay.ConnStateOpen))
	return conn
}

func (c *Connection) Send(ctx context.Context, frame []byte) error {
	if overlay.ConnState(c.state.Load()) != overlay.ConnStateOpen {
		return transport.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws: set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("ws: write message: %w", err)
	}
	return nil
}

func (c *Connection) ReadMessage(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.state.Store(int32(overlay.ConnStateClosed))
		if websocket.IsUnexpectedCloseError(err) || errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		return nil, fmt.Errorf("ws: read message: %w", err)
	}
	return data, nil
}

func (c *Connection) Close() error {
	if !c.state.CompareAndSwap(int32(overlay.ConnStateOpen), int32(overlay.ConnStateClosing)) &&
		!c.state.CompareAndSwap(int32(overlay.ConnStateConnecting), int32(overlay.ConnStateClosing)) {
		return nil // already closing/closed
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.state.Store(int32(overlay.ConnStateClosed))
	return err
}

func (c *Connection) Address() overlay.Address { return c.addr }

func (c *Connection) State() overlay.ConnState { return overlay.ConnState(c.state.Load()) }

// Server accepts websocket connections on an HTTP listener, mirroring
// the accept-loop-feeding-a-channel shape of the teacher's p2p.Server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	accepted   chan transport.Connection
	advertise  overlay.Address
	haveAddr   bool
	logger     *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer binds a TCP listener at host:port upgrading every request on
// path "/" to a websocket. advertiseHost, if non-empty, becomes the host
// of the server's DialableAddress, paired with the listen port; otherwise none is published until
// MyServerAddress substitution happens upstream.
func NewServer(host string, port uint16, advertiseHost string, logger *zap.SugaredLogger) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("ws: listen on %s:%d: %w", host, port, err)
	}
	s := &Server{
		listener: ln,
		accepted: make(chan transport.Connection, 64),
		closed:   make(chan struct{}),
		logger:   logger,
	}
	if advertiseHost != "" {
		s.advertise = overlay.NewWebsocketAddress(advertiseHost, port)
		s.haveAddr = true
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{Handler: mux}
	return s, nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("ws: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	host, portStr, err := net.SplitHostPort(r.RemoteAddr)
	var addr overlay.Address
	if err == nil {
		port, _ := strconv.Atoi(portStr)
		addr = overlay.NewWebsocketAddress(host, uint16(port))
	}
	wrapped := newConnection(conn, addr, s.logger)
	select {
	case s.accepted <- wrapped:
	case <-s.closed:
		_ = wrapped.Close()
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("ws: serve loop exited: %v", err)
		}
	}()
	return nil
}

func (s *Server) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-s.accepted:
		return c, nil
	case <-s.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) DialableAddress() (overlay.Address, bool) { return s.advertise, s.haveAddr }

// Dialer opens outgoing websocket connections.
type Dialer struct {
	logger *zap.SugaredLogger
}

func NewDialer(logger *zap.SugaredLogger) *Dialer { return &Dialer{logger: logger} }

func (d *Dialer) Dial(ctx context.Context, addr overlay.Address) (transport.Connection, error) {
	if addr.Kind != overlay.AddressKindWebsocket {
		return nil, fmt.Errorf("ws: dial: unsupported address kind %v", addr.Kind)
	}
	url := fmt.Sprintf("ws://%s:%d/", addr.Host, addr.Port)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	return newConnection(conn, addr, d.logger), nil
}
