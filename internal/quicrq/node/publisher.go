package node

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/alxayo/quicrq/internal/quicrq"
	"github.com/alxayo/quicrq/internal/quicrq/cache"
	"github.com/alxayo/quicrq/internal/quicrq/datagram"
	"github.com/alxayo/quicrq/internal/quicrq/fsm"
	"github.com/alxayo/quicrq/internal/quicrq/transport"
	"github.com/alxayo/quicrq/internal/quicrq/wire"
	"github.com/alxayo/quicrq/internal/xerrors"
)

// nextMediaID hands out a connection-scoped identifier for a freshly
// accepted datagram-mode POST (spec §4.1: ACCEPT's media_id is chosen by
// the acceptor, not the publisher — the publisher learns it from ACCEPT
// and echoes it on every subsequent FRAGMENT datagram).
func (n *Node) nextMediaID() uint64 {
	return atomic.AddUint64(&n.mediaIDCounter, 1)
}

// servePublisher implements the acceptor side of a publisher's opening
// handshake (spec §4.4; this node's machine plays RoleSink, since the data
// terminates here): accept the POST, reply ACCEPT, and feed every
// FRAGMENT received — whether on this same reliable stream or, for
// datagram mode, demultiplexed off the connection's shared datagram
// channel — into this node's cache for the URL.
func (n *Node) servePublisher(ctx context.Context, conn transport.Connection, s transport.Stream, m *wire.Post, disp *datagram.Dispatcher, mach *fsm.Machine) {
	defer s.Close()

	url, err := quicrq.NewURL(m.URL)
	if err != nil {
		n.rejectStream(s, xerrors.NewMalformed("node.serve_publisher", err))
		return
	}
	switch m.TransportMode {
	case wire.TransportSingleStream, wire.TransportDatagram, wire.TransportWarp:
	default:
		n.rejectStream(s, xerrors.NewMalformed("node.serve_publisher", errInvalidTransportMode))
		return
	}

	c := n.relay.CacheFor(url)
	c.SetPolicy(n.cachePolicyFor(url.String()))

	if _, err := mach.OnSend(wire.KindAccept); err != nil {
		n.rejectStream(s, err)
		return
	}
	mach.PinMode(m.TransportMode)

	accept := &wire.Accept{TransportMode: m.TransportMode}
	if m.TransportMode == wire.TransportDatagram {
		accept.MediaID = n.nextMediaID()
		route := &datagram.Route{OnFragment: func(f *wire.Fragment) {
			if err := c.Insert(fromWire(f)); err != nil {
				n.log.Debug().Err(err).Str("url", url.String()).Msg("node: datagram fragment rejected by cache")
			}
		}}
		disp.Register(accept.MediaID, route)
		defer disp.Unregister(accept.MediaID)
	}
	if err := wire.WriteMessage(s, accept); err != nil {
		return
	}

	n.notifyPublished(url)

	if m.TransportMode != wire.TransportDatagram {
		n.readFragmentStream(s, c, mach)
		return
	}
	n.waitForFinDatagram(ctx, s, c, mach)
}

// readFragmentStream is the TransportSingleStream ingest loop: FRAGMENT
// messages arrive in order on s itself until the publisher closes it.
func (n *Node) readFragmentStream(s transport.Stream, c *cache.Cache, mach *fsm.Machine) {
	for {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			if err != io.EOF {
				n.log.Debug().Err(err).Msg("node: publisher stream read failed")
			}
			return
		}
		f, ok := msg.(*wire.Fragment)
		if !ok {
			n.rejectStream(s, xerrors.NewUnexpectedMessage("node.read_fragment_stream", errUnexpectedOnPublishStream))
			return
		}
		if _, err := mach.OnReceive(wire.KindFragment); err != nil {
			n.rejectStream(s, err)
			return
		}
		if err := c.Insert(fromWire(f)); err != nil {
			n.log.Debug().Err(err).Msg("node: fragment rejected by cache")
		}
	}
}

// waitForFinDatagram blocks the publisher's control stream open (fragments
// themselves arrive via the dispatcher, not here) until FIN_DATAGRAM marks
// the final object or the stream/connection goes away.
func (n *Node) waitForFinDatagram(ctx context.Context, s transport.Stream, c *cache.Cache, mach *fsm.Machine) {
	for {
		msg, err := wire.ReadMessage(s)
		if err != nil {
			return
		}
		fin, ok := msg.(*wire.FinDatagram)
		if !ok {
			n.rejectStream(s, xerrors.NewUnexpectedMessage("node.wait_fin_datagram", errUnexpectedOnPublishStream))
			return
		}
		if _, err := mach.OnReceive(wire.KindFinDatagram); err != nil {
			n.rejectStream(s, err)
			return
		}
		c.FinalObjectSeen(fin.FinalGroup, fin.FinalObject)
		return
	}
}
