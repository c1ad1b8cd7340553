// Package mux implements transport.Server/Connection/Dialer over a raw
// TCP connection multiplexed with yamux and negotiated with multistream,
// for peers that want a direct, non-websocket transport (e.g. node-to-node
// links where no HTTP upgrade is desired). Each logical Connection is one
// yamux stream; frames on that stream are zstd-compressed and
// length-prefixed, since a yamux stream (like TCP) has no message
// boundary of its own.
package mux

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/libp2p/go-yamux/v5"
	"github.com/multiformats/go-multistream"
	"go.uber.org/zap"

	"github.com/cubeoverlay/node/internal/overlay"
	"github.com/cubeoverlay/node/internal/transport"
)

const protocolID = "/cubeoverlay/1.0.0"

const maxFrameSize = 16 << 20 // guards against a hostile length prefix

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	return cfg
}

// Connection wraps one yamux.Stream with zstd framing.
type Connection struct {
	stream  net.Conn // *yamux.Stream satisfies net.Conn
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	addr    overlay.Address
	writeMu sync.Mutex
	state   atomic.Int32
}

func newConnection(stream net.Conn, addr overlay.Address) (*Connection, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("mux: new zstd encoder: %w", err)
	}
	c := &Connection{stream: stream, enc: enc, addr: addr}
	c.state.Store(int32(overlay.ConnStateOpen))
	return c, nil
}

func (c *Connection) Send(ctx context.Context, frame []byte) error {
	if overlay.ConnState(c.state.Load()) != overlay.ConnStateOpen {
		return transport.ErrClosed
	}
	compressed := c.enc.EncodeAll(frame, nil)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(deadline)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(compressed)))
	if _, err := c.stream.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("mux: write frame length: %w", err)
	}
	if _, err := c.stream.Write(compressed); err != nil {
		return fmt.Errorf("mux: write frame body: %w", err)
	}
	return nil
}

func (c *Connection) ReadMessage(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetReadDeadline(deadline)
	} else {
		_ = c.stream.SetReadDeadline(time.Time{})
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
		c.state.Store(int32(overlay.ConnStateClosed))
		return nil, fmt.Errorf("%w: read frame length: %v", transport.ErrClosed, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("mux: declared frame length %d exceeds max %d", n, maxFrameSize)
	}
	compressed := make([]byte, n)
	if _, err := io.ReadFull(c.stream, compressed); err != nil {
		c.state.Store(int32(overlay.ConnStateClosed))
		return nil, fmt.Errorf("%w: read frame body: %v", transport.ErrClosed, err)
	}
	if c.dec == nil {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("mux: new zstd decoder: %w", err)
		}
		c.dec = dec
	}
	decoded, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("mux: zstd decode: %w", err)
	}
	return decoded, nil
}

func (c *Connection) Close() error {
	if !c.state.CompareAndSwap(int32(overlay.ConnStateOpen), int32(overlay.ConnStateClosing)) &&
		!c.state.CompareAndSwap(int32(overlay.ConnStateConnecting), int32(overlay.ConnStateClosing)) {
		return nil
	}
	err := c.stream.Close()
	c.state.Store(int32(overlay.ConnStateClosed))
	return err
}

func (c *Connection) Address() overlay.Address { return c.addr }
func (c *Connection) State() overlay.ConnState  { return overlay.ConnState(c.state.Load()) }

// Server accepts TCP connections, opens a yamux session on each, and
// negotiates a single stream per session via multistream.
type Server struct {
	listener  net.Listener
	accepted  chan transport.Connection
	advertise overlay.Address
	haveAddr  bool
	logger    *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(host string, port uint16, advertiseHost string, logger *zap.SugaredLogger) (*Server, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("mux: listen on %s:%d: %w", host, port, err)
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
	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Errorf("mux: accept: %v", err)
				return
			}
		}
		go s.handleSession(conn)
	}
}

func (s *Server) handleSession(conn net.Conn) {
	session, err := yamux.Server(conn, yamuxConfig(), nil)
	if err != nil {
		s.logger.Warnf("mux: yamux server handshake with %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	stream, err := session.AcceptStream()
	if err != nil {
		s.logger.Warnf("mux: accept stream from %s failed: %v", conn.RemoteAddr(), err)
		_ = session.Close()
		return
	}

	mss := multistream.NewMultistreamMuxer[string]()
	mss.AddHandler(protocolID, nil)
	if _, _, err := mss.Negotiate(stream); err != nil {
		s.logger.Warnf("mux: protocol negotiation with %s failed: %v", conn.RemoteAddr(), err)
		_ = stream.Close()
		return
	}

	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	var addr overlay.Address
	if err == nil {
		port, _ := strconv.Atoi(portStr)
		addr = overlay.NewWebsocketAddress(host, uint16(port))
	}
	wrapped, err := newConnection(stream, addr)
	if err != nil {
		s.logger.Errorf("mux: wrap stream from %s: %v", conn.RemoteAddr(), err)
		_ = stream.Close()
		return
	}
	select {
	case s.accepted <- wrapped:
	case <-s.closed:
		_ = wrapped.Close()
	}
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
	return s.listener.Close()
}

func (s *Server) DialableAddress() (overlay.Address, bool) { return s.advertise, s.haveAddr }

// Dialer opens outgoing mux connections.
type Dialer struct {
	logger *zap.SugaredLogger
}

func NewDialer(logger *zap.SugaredLogger) *Dialer { return &Dialer{logger: logger} }

func (d *Dialer) Dial(ctx context.Context, addr overlay.Address) (transport.Connection, error) {
	var dial net.Dialer
	var network, target string
	switch addr.Kind {
	case overlay.AddressKindWebsocket:
		network = "tcp"
		target = net.JoinHostPort(addr.Host, strconv.Itoa(int(addr.Port)))
	case overlay.AddressKindMultiaddress:
		return nil, fmt.Errorf("mux: dial: multiaddress dialing not wired (see DESIGN.md)")
	default:
		return nil, fmt.Errorf("mux: dial: unsupported address kind %v", addr.Kind)
	}
	conn, err := dial.DialContext(ctx, network, target)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", target, err)
	}
	session, err := yamux.Client(conn, yamuxConfig(), nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("mux: yamux client handshake: %w", err)
	}
	stream, err := session.OpenStream(ctx)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("mux: open stream: %w", err)
	}
	if err := multistream.SelectProtoOrFail(protocolID, stream); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("mux: select protocol: %w", err)
	}
	return newConnection(stream, addr)
}
