// Package transport defines the black-box QUIC abstraction the rest of
// quicrq is built against: a Connection that can open/accept bidirectional
// streams and send/receive unreliable datagrams, and a Stream that behaves
// like a net.Conn restricted to one direction pair. Nothing in this package
// depends on a concrete QUIC implementation — transport/quicgo supplies the
// production adapter backed by github.com/quic-go/quic-go, and tests can
// supply an in-memory fake satisfying the same interfaces.
//
// The split mirrors a common RTMP layering: conn.Connection wraps a
// net.Conn without knowing anything about handshake or chunk framing; here
// Connection/Stream wrap a QUIC session without knowing anything about
// quicrq's control codec or FSM.
package transport

import (
	"context"
	"io"
	"net"
)

// Stream is one QUIC bidirectional (or, for a pure sender/receiver, one
// unidirectional) stream. Implementations must make Read/Write/Close safe
// to call from a single goroutine each, matching net.Conn's contract.
type Stream interface {
	io.Reader
	io.Writer

	// ID returns the QUIC stream identifier, used only for logging.
	ID() int64

	// CancelRead aborts the receive side with an application error code,
	// the quicrq equivalent of a stream-level protocol-error close.
	CancelRead(code uint64)

	// CancelWrite aborts the send side with an application error code.
	CancelWrite(code uint64)

	// Close closes the stream normally (FIN on the send side).
	Close() error
}

// Connection is one QUIC connection to a peer, able to carry many streams
// and an unreliable datagram channel.
type Connection interface {
	// OpenStream opens a new outbound bidirectional stream, blocking until
	// the peer's flow-control window admits one or ctx is done.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream blocks until the peer opens a stream, or ctx is done.
	AcceptStream(ctx context.Context) (Stream, error)

	// SendDatagram sends one unreliable, unordered datagram. Returns an
	// error if data exceeds the connection's current datagram size limit.
	SendDatagram(data []byte) error

	// ReceiveDatagram blocks until a datagram arrives or ctx is done.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// MaxDatagramSize reports the current outbound datagram budget (spec
	// §6: "the sender MUST fit the fragment into the connection's current
	// datagram size limit").
	MaxDatagramSize() int

	// CloseWithError tears down the connection, delivering code and reason
	// to the peer, per spec §7's ErrInternal handling.
	CloseWithError(code uint64, reason string) error

	RemoteAddr() net.Addr

	// Context is cancelled when the connection closes for any reason.
	Context() context.Context
}

// Listener accepts inbound connections, the server-side analogue of
// net.Listener for a QUIC endpoint speaking the quicrq ALPN.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens outbound connections, used by relay nodes to reach their
// configured upstream next hop and by subscribe-file/publish-file clients.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Connection, error)
}
