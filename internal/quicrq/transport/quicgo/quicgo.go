// Package quicgo is the production transport.Connection/Stream/Listener/
// Dialer adapter backed by github.com/quic-go/quic-go. It is the only
// package in this module, besides internal/quicrq/node, allowed to import
// quic-go directly — everything else is written against the transport
// package's interfaces so it can be driven by an in-memory fake in tests.
//
// The thin-wrapper-over-a-concrete-session shape mirrors an RTMP
// conn.Connection wrapping a net.Conn: no protocol awareness here, just
// lifecycle and the handful of calls quic-go exposes differently than the
// interface names them (OpenStreamSync vs OpenStream, StreamID vs ID). The
// call shapes themselves — OpenStreamSync/AcceptStream/SendDatagram/
// ReceiveDatagram/CloseWithError, quic.DialAddr and quic.ListenAddr — are
// grounded on cloudflared's connection-quic.go and quic-go-masque-go's
// conn.go adapters.
package quicgo

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/alxayo/quicrq/internal/quicrq/transport"
)

// stream wraps a quic.Stream to satisfy transport.Stream.
type stream struct {
	quic.Stream
}

func (s *stream) ID() int64 { return int64(s.Stream.StreamID()) }

func (s *stream) CancelRead(code uint64) {
	s.Stream.CancelRead(quic.StreamErrorCode(code))
}

func (s *stream) CancelWrite(code uint64) {
	s.Stream.CancelWrite(quic.StreamErrorCode(code))
}

// connection wraps a quic.Connection to satisfy transport.Connection.
type connection struct {
	quic.Connection
}

func wrapConnection(qc quic.Connection) *connection { return &connection{Connection: qc} }

func (c *connection) OpenStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.Connection.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{Stream: s}, nil
}

func (c *connection) AcceptStream(ctx context.Context) (transport.Stream, error) {
	s, err := c.Connection.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{Stream: s}, nil
}

func (c *connection) SendDatagram(data []byte) error {
	return c.Connection.SendDatagram(data)
}

func (c *connection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.Connection.ReceiveDatagram(ctx)
}

func (c *connection) MaxDatagramSize() int {
	return int(c.Connection.MaxDatagramSize())
}

func (c *connection) CloseWithError(code uint64, reason string) error {
	return c.Connection.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *connection) RemoteAddr() net.Addr {
	return c.Connection.RemoteAddr()
}

func (c *connection) Context() context.Context {
	return c.Connection.Context()
}

// listener wraps a *quic.Listener to satisfy transport.Listener.
type listener struct {
	*quic.Listener
}

func (l *listener) Accept(ctx context.Context) (transport.Connection, error) {
	qc, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return wrapConnection(qc), nil
}

// Config carries the QUIC-level settings a quicrq node needs; ALPN is
// fixed by the protocol rather than left to the caller (spec §4.1's
// "negotiated ALPN identifies quicrq").
type Config struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// ALPN is the protocol identifier quicrq negotiates over TLS, per spec §4.1.
const ALPN = "quicrq"

func (cfg Config) tlsConfig() *tls.Config {
	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if !containsALPN(tlsCfg.NextProtos) {
		clone := tlsCfg.Clone()
		clone.NextProtos = append(append([]string{}, tlsCfg.NextProtos...), ALPN)
		tlsCfg = clone
	}
	return tlsCfg
}

func containsALPN(protos []string) bool {
	for _, p := range protos {
		if p == ALPN {
			return true
		}
	}
	return false
}

// Listen opens a quic-go listener on addr speaking the quicrq ALPN.
func Listen(addr string, cfg Config) (transport.Listener, error) {
	ln, err := quic.ListenAddr(addr, cfg.tlsConfig(), cfg.QUICConfig)
	if err != nil {
		return nil, err
	}
	return &listener{Listener: ln}, nil
}

// Dialer dials outbound quic-go connections, used by relay nodes reaching
// their configured next hop and by the publish-file/subscribe-file CLIs.
type Dialer struct {
	Config Config
}

// Dial implements transport.Dialer.
func (d Dialer) Dial(ctx context.Context, addr string) (transport.Connection, error) {
	qc, err := quic.DialAddr(ctx, addr, d.Config.tlsConfig(), d.Config.QUICConfig)
	if err != nil {
		return nil, err
	}
	return wrapConnection(qc), nil
}
