package node

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/alxayo/quicrq/internal/quicrq/transport"
)

// fakeAddr is the minimal net.Addr the fake transport needs to identify
// each side of an in-memory connection pair.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeStream wraps one end of a net.Pipe to satisfy transport.Stream.
// CancelRead/CancelWrite just close the underlying pipe, which is enough
// to unblock a peer's pending Read/Write the way a real QUIC stream reset
// would.
type fakeStream struct {
	net.Conn
	id int64
}

func (s *fakeStream) ID() int64          { return s.id }
func (s *fakeStream) CancelRead(uint64)  { _ = s.Conn.Close() }
func (s *fakeStream) CancelWrite(uint64) { _ = s.Conn.Close() }

// fakeConn is one side of an in-memory QUIC connection. Two fakeConns are
// always created as a linked pair by newFakeConnPair; OpenStream on one
// side delivers the peer end of a fresh net.Pipe to the other side's
// AcceptStream, and SendDatagram/ReceiveDatagram move payloads through a
// pair of buffered channels the same way.
type fakeConn struct {
	local, remote net.Addr
	ctx           context.Context
	cancel        context.CancelFunc

	accept chan transport.Stream
	send   chan []byte
	recv   chan []byte

	peer *fakeConn

	streamIDs int64
	closeOnce sync.Once
}

func newFakeConnPair(a, b net.Addr) (*fakeConn, *fakeConn) {
	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	ca := &fakeConn{local: a, remote: b, ctx: ctxA, cancel: cancelA, accept: make(chan transport.Stream, 64), send: ab, recv: ba}
	cb := &fakeConn{local: b, remote: a, ctx: ctxB, cancel: cancelB, accept: make(chan transport.Stream, 64), send: ba, recv: ab}
	ca.peer = cb
	cb.peer = ca
	return ca, cb
}

func (c *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	local, remote := net.Pipe()
	id := atomic.AddInt64(&c.streamIDs, 1)
	go func() {
		select {
		case c.peer.accept <- &fakeStream{Conn: remote, id: id}:
		case <-ctx.Done():
			_ = remote.Close()
		case <-c.ctx.Done():
			_ = remote.Close()
		}
	}()
	return &fakeStream{Conn: local, id: id}, nil
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.accept:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *fakeConn) SendDatagram(data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case c.send <- cp:
	default:
	}
	return nil
}

func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.recv:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *fakeConn) MaxDatagramSize() int { return 1200 }

func (c *fakeConn) CloseWithError(uint64, string) error {
	c.closeOnce.Do(c.cancel)
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr     { return c.remote }
func (c *fakeConn) Context() context.Context { return c.ctx }

// fakeListener hands out the server side of each fakeConn pair a
// fakeDialer creates against it.
type fakeListener struct {
	addr   net.Addr
	conns  chan transport.Connection
	closed chan struct{}
}

func newFakeListener(addr string) *fakeListener {
	return &fakeListener{addr: fakeAddr(addr), conns: make(chan transport.Connection, 16), closed: make(chan struct{})}
}

func (l *fakeListener) Accept(ctx context.Context) (transport.Connection, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, context.Canceled
	}
}

func (l *fakeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *fakeListener) Addr() net.Addr { return l.addr }

// fakeDialer dials a single fakeListener, handing it the server side of a
// freshly created connection pair and returning the client side.
type fakeDialer struct {
	ln      *fakeListener
	counter int64
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (transport.Connection, error) {
	n := atomic.AddInt64(&d.counter, 1)
	clientAddr := fakeAddr(addr + "-client-" + strconv.FormatInt(n, 10))
	client, server := newFakeConnPair(clientAddr, d.ln.addr)
	select {
	case d.ln.conns <- server:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}
